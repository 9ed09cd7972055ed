package command

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eth2ops/validator-supervisor/rpc"
	"github.com/eth2ops/validator-supervisor/tunnel"
	"github.com/eth2ops/validator-supervisor/tunnel/sshtunnel"
)

// rpcReverseForwardPort is the remote port a validator supervisor
// daemon exposes its RPC socket on through a bastion's reverse
// forward (daemon.reverseRPCRemotePort), dialed here to reach the
// daemon's RPC server from a control shell.
const rpcReverseForwardPort = 8000

// ControlCommand is an interactive remote controller for a running
// validator supervisor daemon: it authenticates one rpc.Conn, then
// reads commands from stdin in a loop (get_health, start_validator,
// stop_validator, unlock, connect, shutdown, quit), mirroring the
// original control_shell.ControlShell one command per line instead of
// Python's cmd.Cmd.
type ControlCommand struct {
	UI    UI
	Stdin io.Reader
}

func (c *ControlCommand) Help() string {
	return "Usage: validator-supervisor control [-rpc-socket-path=PATH | -bastion-host=HOST]\n\n" +
		"  Connects to a validator supervisor daemon, either directly over its\n" +
		"  local RPC socket or through an SSH tunnel to a bastion node, and\n" +
		"  opens an interactive control shell."
}

func (c *ControlCommand) Synopsis() string {
	return "Remote controller communicating with validator supervisor"
}

func (c *ControlCommand) Run(args []string) int {
	var rpcSocketPath, authUser, authKey string
	var bastionHost, bastionUser, bastionIdentityFile, sslCert string
	bastionPort := sshtunnel.DefaultBastionPort

	flags := newFlagSet("control")
	flags.StringVar(&rpcSocketPath, "rpc-socket-path", "", "Path to local UNIX domain socket for the daemon")
	flags.StringVar(&authUser, "auth-user", "", "User name for control authentication")
	flags.StringVar(&authKey, "auth-key", "", "User key for control authentication")
	flags.StringVar(&bastionHost, "bastion-host", "", "Host address for remote bastion to validator")
	flags.IntVar(&bastionPort, "bastion-port", bastionPort, "SSH port for bastion")
	flags.StringVar(&bastionUser, "bastion-user", sshtunnel.DefaultBastionUser, "SSH user for bastion")
	flags.StringVar(&bastionIdentityFile, "bastion-ssh-identity-file", "", "Path to SSH identity file for bastion")
	flags.StringVar(&sslCert, "ssl-cert", "", "Path to SSL certificate for validator RPC auth")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if rpcSocketPath == "" && bastionHost == "" {
		c.ui().Error("Must provide either -rpc-socket-path or -bastion-host")
		return 1
	}

	tlsConfig, err := tlsConfigFor(sslCert)
	if err != nil {
		c.ui().Error(err.Error())
		return 1
	}

	scanner := bufio.NewScanner(c.stdin())

	if authUser == "" {
		authUser = c.readLine(scanner, "Auth user: ")
	}
	if authKey == "" {
		authKey = c.readLine(scanner, "Auth key: ")
	}
	authKey = strings.TrimSpace(authKey)

	var tearDown func()
	if rpcSocketPath == "" {
		sockPath, cleanup, err := dialBastionSocket(bastionHost, bastionPort, bastionUser, bastionIdentityFile)
		if err != nil {
			c.ui().Error(err.Error())
			return 1
		}
		rpcSocketPath = sockPath
		tearDown = cleanup
	}
	if tearDown != nil {
		defer tearDown()
	}

	conn, err := rpc.Dial(rpcSocketPath, tlsConfig)
	if err != nil {
		c.ui().Error(err.Error())
		return 1
	}
	defer conn.Close()

	if err := conn.Auth(authUser, authKey); err != nil {
		c.ui().Error(err.Error())
		return 1
	}

	c.ui().Output("Control shell for the validator supervisor. Type help or ? to list commands.")
	return c.loop(conn, scanner)
}

func (c *ControlCommand) loop(conn *rpc.Conn, scanner *bufio.Scanner) int {
	for {
		c.ui().Output(">>> ")
		if !scanner.Scan() {
			return 0
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmdName, rest := fields[0], fields[1:]

		switch cmdName {
		case "quit", "EOF":
			return 0
		case "help", "?":
			c.ui().Output("Commands: get_health, start_validator, stop_validator, unlock, connect HOST [PORT], shutdown, quit")
		case "get_health":
			c.runRPC(func() error {
				health, err := conn.GetHealth()
				if err != nil {
					return err
				}
				c.ui().Output(fmt.Sprintf("%+v", health))
				return nil
			})
		case "start_validator":
			c.runRPC(func() error {
				started, err := conn.StartValidator()
				if err != nil {
					return err
				}
				if started {
					c.ui().Output("Validator has been started")
				} else {
					c.ui().Output("Validator is already running")
				}
				return nil
			})
		case "stop_validator":
			c.runRPC(func() error {
				stopped, err := conn.StopValidator()
				if err != nil {
					return err
				}
				if stopped {
					c.ui().Output("Validator has been stopped")
				} else {
					c.ui().Output("Validator is not running")
				}
				return nil
			})
		case "unlock":
			password := c.readLine(scanner, "Passphrase: ")
			c.runRPC(func() error {
				ok, err := conn.Unlock(password)
				if err != nil {
					return err
				}
				if ok {
					c.ui().Output("Validator supervisor has been unlocked")
				} else {
					c.ui().Output("Password is incorrect")
				}
				return nil
			})
		case "connect":
			if len(rest) < 1 {
				c.ui().Error("usage: connect HOST [PORT]")
				continue
			}
			var port *int
			if len(rest) > 1 {
				p, err := strconv.Atoi(rest[1])
				if err != nil {
					c.ui().Error("PORT must be an integer")
					continue
				}
				port = &p
			}
			c.runRPC(func() error {
				if err := conn.ConnectEth2Node(rest[0], port); err != nil {
					return err
				}
				c.ui().Output("OK")
				return nil
			})
		case "shutdown":
			c.runRPC(func() error {
				if err := conn.Shutdown(); err != nil {
					return err
				}
				c.ui().Output("OK")
				return nil
			})
		default:
			c.ui().Error(fmt.Sprintf("unrecognized command %q (type help for a list)", cmdName))
		}
	}
}

// runRPC reports a transport-level failure (bad response, denied
// call) the way the original's @_rpc_command decorator prints
// BadRpcResponse/RpcError instead of tearing down the shell.
func (c *ControlCommand) runRPC(f func() error) {
	if err := f(); err != nil {
		switch {
		case isBadRPCResponse(err):
			c.ui().Error(fmt.Sprintf("Validator supervisor sent bad response: %v", err))
		default:
			c.ui().Error(fmt.Sprintf("Validator supervisor internal error: %v", err))
		}
	}
}

func isBadRPCResponse(err error) bool {
	return errors.Is(err, rpc.ErrBadRpcResponse)
}

func (c *ControlCommand) readLine(scanner *bufio.Scanner, prompt string) string {
	c.ui().Output(prompt)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func (c *ControlCommand) ui() UI {
	if c.UI != nil {
		return c.UI
	}
	return stdUI{out: os.Stdout, err: os.Stderr}
}

func (c *ControlCommand) stdin() io.Reader {
	if c.Stdin != nil {
		return c.Stdin
	}
	return os.Stdin
}

func tlsConfigFor(certFile string) (*tls.Config, error) {
	if certFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("control: reading ssl cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("control: no certificates found in %s", certFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// dialBastionSocket opens an SSH tunnel to the bastion, forwarding a
// fresh local Unix socket (in a temp directory) to the bastion's
// localhost RPC reverse-forward port. It returns the local socket
// path and a cleanup function that tears the tunnel down.
func dialBastionSocket(host string, port int, user, identityFile string) (string, func(), error) {
	tmpDir, err := os.MkdirTemp("", "validator_supervisor_control_")
	if err != nil {
		return "", nil, fmt.Errorf("control: creating temp dir: %w", err)
	}
	cleanupTmp := func() { os.RemoveAll(tmpDir) }

	homeDir, err := os.UserHomeDir()
	if err != nil {
		cleanupTmp()
		return "", nil, fmt.Errorf("control: resolving home dir: %w", err)
	}
	knownHostsPath := homeDir + "/.ssh/known_hosts"

	client := sshtunnel.New(sshtunnel.ConnInfo{
		Host:         host,
		Port:         port,
		User:         user,
		IdentityFile: identityFile,
	}, knownHostsPath, &sync.Mutex{})

	sockPath := tmpDir + "/rpc.sock"
	forward := tunnel.PortForward{
		Local:  tunnel.UnixSocket(sockPath),
		Remote: tunnel.LocalTCPSocket(rpcReverseForwardPort),
	}

	session, err := client.OpenSession(context.Background(), []tunnel.PortForward{forward})
	if err != nil {
		cleanupTmp()
		return "", nil, fmt.Errorf("control: opening tunnel to %s: %w", client, err)
	}

	select {
	case <-session.Ready():
	case <-session.Done():
		cleanupTmp()
		return "", nil, fmt.Errorf("control: tunnel to %s failed: %w", client, session.Err())
	case <-time.After(30 * time.Second):
		session.Close()
		cleanupTmp()
		return "", nil, fmt.Errorf("control: timed out waiting for tunnel to %s", client)
	}

	cleanup := func() {
		session.Close()
		cleanupTmp()
	}
	return sockPath, cleanup, nil
}
