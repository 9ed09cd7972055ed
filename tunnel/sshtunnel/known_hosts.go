package sshtunnel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/eth2ops/validator-supervisor/tunnel"
)

// knownHostsStore guards read-modify-write access to a single
// known_hosts file shared by every Client that might pin or scan a
// host key concurrently. The lock is held for the whole of ensure,
// including the trust-on-first-use scan of the remote host key.
type knownHostsStore struct {
	path string
	mu   *sync.Mutex
}

func newKnownHostsStore(path string, mu *sync.Mutex) *knownHostsStore {
	return &knownHostsStore{path: path, mu: mu}
}

// ensure pins or scans the host key for conn, per spec.md §4.C: a
// configured pubkey is compared byte-wise against the stored entry,
// replacing it on mismatch; with no configured pubkey, a
// trust-on-first-use probe populates the entry the first time it's
// missing.
func (s *knownHostsStore) ensure(ctx context.Context, conn ConnInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ensureFileExists(s.path); err != nil {
		return fmt.Errorf("%w: %v", tunnel.ErrHostKeyFailure, err)
	}

	host := conn.knownHostsHost()
	existing, err := readHostLines(s.path, host)
	if err != nil {
		return fmt.Errorf("%w: %v", tunnel.ErrHostKeyFailure, err)
	}

	if pinned := conn.Pubkey; pinned != "" {
		configured, err := parseConfiguredPubkey(pinned)
		if err != nil {
			return fmt.Errorf("%w: %v", tunnel.ErrHostKeyFailure, err)
		}
		line := knownhosts.Line([]string{host}, configured)
		for _, e := range existing {
			if e == line {
				return nil
			}
		}
		if err := removeHostLines(s.path, host); err != nil {
			return fmt.Errorf("%w: %v", tunnel.ErrHostKeyFailure, err)
		}
		return appendLine(s.path, line)
	}

	if len(existing) > 0 {
		return nil
	}

	key, err := scanHostKey(ctx, conn)
	if err != nil {
		return fmt.Errorf("%w: %v", tunnel.ErrHostKeyFailure, err)
	}
	return appendLine(s.path, knownhosts.Line([]string{host}, key))
}

// callback returns a HostKeyCallback backed by the current contents
// of the known_hosts file, for use on an authenticated Dial after
// ensure has populated it.
func (s *knownHostsStore) callback() (ssh.HostKeyCallback, error) {
	return knownhosts.New(s.path)
}

func parseConfiguredPubkey(raw string) (ssh.PublicKey, error) {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return nil, fmt.Errorf("malformed configured pubkey %q", raw)
	}
	authorizedKey := strings.Join(fields[:2], " ")
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return nil, fmt.Errorf("parsing configured pubkey: %w", err)
	}
	return key, nil
}

// scanHostKey connects just far enough to observe the remote host
// key, the Go-native equivalent of ssh-keyscan; whichever host key
// type the handshake negotiates is the one recorded. Auth is
// never attempted; once the key is captured the connection is torn
// down, regardless of how the handshake eventually resolves.
func scanHostKey(ctx context.Context, conn ConnInfo) (ssh.PublicKey, error) {
	var key ssh.PublicKey
	config := &ssh.ClientConfig{
		User: conn.user(),
		HostKeyCallback: func(hostname string, remote net.Addr, k ssh.PublicKey) error {
			key = k
			return nil
		},
		Timeout: 10 * time.Second,
	}

	dialer := net.Dialer{Timeout: config.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", conn.addr())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", conn.addr(), err)
	}
	defer netConn.Close()

	sshConn, _, _, handshakeErr := ssh.NewClientConn(netConn, conn.addr(), config)
	if sshConn != nil {
		sshConn.Close()
	}
	if key == nil {
		return nil, fmt.Errorf("no host key observed (handshake error: %v)", handshakeErr)
	}
	return key, nil
}

func ensureFileExists(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func readHostLines(path, host string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if lineMatchesHost(line, host) {
			matches = append(matches, line)
		}
	}
	return matches, scanner.Err()
}

func removeHostLines(path, host string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	var kept []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !lineMatchesHost(line, host) {
			kept = append(kept, line)
		}
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	return os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), 0o600)
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	return err
}

func lineMatchesHost(line, host string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	for _, h := range strings.Split(fields[0], ",") {
		if h == host {
			return true
		}
	}
	return false
}
