package sshtunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/eth2ops/validator-supervisor/tunnel"
)

// DialTimeout bounds how long establishing the authenticated SSH
// connection may take.
const DialTimeout = 30 * time.Second

// Client is a tunnel.Client backed by a real SSH connection to a
// bastion node.
type Client struct {
	conn       ConnInfo
	knownHosts *knownHostsStore
}

var _ tunnel.Client = (*Client)(nil)

// New returns a Client for conn, pinning or scanning host keys
// against the shared known_hosts file at knownHostsPath. mu must be
// shared by every Client using the same file, serializing the
// read-modify-write.
func New(conn ConnInfo, knownHostsPath string, mu *sync.Mutex) *Client {
	return &Client{
		conn:       conn,
		knownHosts: newKnownHostsStore(knownHostsPath, mu),
	}
}

func (c *Client) String() string {
	return c.conn.String()
}

// CheckHostKey implements tunnel.Client.
func (c *Client) CheckHostKey(ctx context.Context) error {
	return c.knownHosts.ensure(ctx, c.conn)
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	if err := c.CheckHostKey(ctx); err != nil {
		return nil, err
	}

	hostKeyCallback, err := c.knownHosts.callback()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHostKeyFailure, err)
	}

	auth, err := c.authMethods()
	if err != nil {
		return nil, fmt.Errorf("tunnel: ssh auth: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            c.conn.user(),
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         DialTimeout,
	}

	dialer := net.Dialer{Timeout: DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.conn.addr())
	if err != nil {
		return nil, fmt.Errorf("tunnel: dialing %s: %w", c.conn, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.conn.addr(), config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("tunnel: ssh handshake with %s: %w", c.conn, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (c *Client) authMethods() ([]ssh.AuthMethod, error) {
	if c.conn.IdentityFile != "" {
		keyBytes, err := os.ReadFile(c.conn.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("reading identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parsing identity file: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("no identity file configured and SSH_AUTH_SOCK is unset")
	}
	agentConn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to ssh-agent: %w", err)
	}
	agentClient := agent.NewClient(agentConn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agentClient.Signers)}, nil
}

// CopyToLocal implements tunnel.Client by execing `cat remotePath`
// over an SSH session and streaming its stdout to localPath, the
// Go-native equivalent of the original's scp invocation.
func (c *Client) CopyToLocal(ctx context.Context, remotePath, localPath string) error {
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("tunnel: opening session to %s: %w", c.conn, err)
	}
	defer session.Close()

	out, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("tunnel: creating %s: %w", localPath, err)
	}
	defer out.Close()

	session.Stdout = out
	if err := session.Run(shellQuoteCat(remotePath)); err != nil {
		return fmt.Errorf("tunnel: copying %s from %s: %w", remotePath, c.conn, err)
	}
	return nil
}

// CopyToRemote implements tunnel.Client by streaming localPath's
// contents to stdin of `cat > remotePath` on the bastion.
func (c *Client) CopyToRemote(ctx context.Context, localPath, remotePath string) error {
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("tunnel: opening session to %s: %w", c.conn, err)
	}
	defer session.Close()

	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("tunnel: opening %s: %w", localPath, err)
	}
	defer in.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("tunnel: opening stdin pipe to %s: %w", c.conn, err)
	}

	if err := session.Start(shellQuoteCatTo(remotePath)); err != nil {
		return fmt.Errorf("tunnel: starting remote copy on %s: %w", c.conn, err)
	}
	if _, err := io.Copy(stdin, in); err != nil {
		return fmt.Errorf("tunnel: streaming %s to %s: %w", localPath, c.conn, err)
	}
	stdin.Close()
	if err := session.Wait(); err != nil {
		return fmt.Errorf("tunnel: copying %s to %s: %w", localPath, c.conn, err)
	}
	return nil
}

// OpenSession implements tunnel.Client.
func (c *Client) OpenSession(ctx context.Context, forwards []tunnel.PortForward) (tunnel.Session, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	return newSession(client, c.conn, forwards), nil
}

func shellQuoteCat(path string) string {
	return fmt.Sprintf("cat %s", shellQuote(path))
}

func shellQuoteCatTo(path string) string {
	return fmt.Sprintf("cat > %s", shellQuote(path))
}

// shellQuote wraps path in single quotes for the remote shell,
// escaping any embedded single quote.
func shellQuote(path string) string {
	escaped := ""
	for _, r := range path {
		if r == '\'' {
			escaped += `'\''`
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}
