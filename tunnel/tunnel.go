// Package tunnel defines the abstract transport the supervisor uses
// to reach a remote bastion node: host-key-pinned file transfer plus
// bidirectional port forwarding. Concrete transports live in
// subpackages; tunnel/sshtunnel is the only one shipped today.
package tunnel

import (
	"context"
	"errors"
	"fmt"
)

// ErrHostKeyFailure is returned by Client.CheckHostKey when the
// remote host's key cannot be verified or pinned.
var ErrHostKeyFailure = errors.New("tunnel: host key verification failed")

// Socket addresses a local or remote forwarding endpoint, either a
// TCP host:port or a Unix domain socket path.
type Socket struct {
	// Network is "tcp" or "unix".
	Network string
	// Addr is a host:port for "tcp", or a filesystem path for "unix".
	Addr string
}

// TCPSocket returns a Socket addressing host:port over TCP.
func TCPSocket(host string, port int) Socket {
	return Socket{Network: "tcp", Addr: fmt.Sprintf("%s:%d", host, port)}
}

// LocalTCPSocket returns a Socket addressing localhost:port over TCP.
func LocalTCPSocket(port int) Socket {
	return TCPSocket("localhost", port)
}

// UnixSocket returns a Socket addressing a Unix domain socket at path.
func UnixSocket(path string) Socket {
	return Socket{Network: "unix", Addr: path}
}

func (s Socket) String() string {
	return s.Addr
}

// PortForward describes one forwarded connection between a local and
// remote Socket. Reverse forwards let the remote side dial into the
// local one; otherwise the local side dials into the remote.
type PortForward struct {
	Local   Socket
	Remote  Socket
	Reverse bool
}

func (f PortForward) String() string {
	arrow := "->"
	if f.Reverse {
		arrow = "<-"
	}
	return fmt.Sprintf("%s%s%s", f.Local, arrow, f.Remote)
}

// Client is a bastion node client: it can verify/pin the remote
// host's key, copy files to and from the remote host, and open a
// forwarding session.
type Client interface {
	// CheckHostKey verifies the remote host's key against a pinned
	// or trust-on-first-use record, returning ErrHostKeyFailure if
	// it cannot be established.
	CheckHostKey(ctx context.Context) error

	// CopyToLocal copies remotePath on the bastion to localPath.
	CopyToLocal(ctx context.Context, remotePath, localPath string) error

	// CopyToRemote copies localPath to remotePath on the bastion.
	CopyToRemote(ctx context.Context, localPath, remotePath string) error

	// OpenSession opens a tunnel session carrying the given forwards.
	OpenSession(ctx context.Context, forwards []PortForward) (Session, error)

	// String identifies the client's remote endpoint for logging.
	String() string
}

// Session is a live tunnel: a bidirectional connection to the
// bastion with the requested PortForwards active.
type Session interface {
	// Ready is closed the moment the first forward is established.
	Ready() <-chan struct{}

	// Done is closed when the session ends, for any reason: a
	// forward failure, the remote side closing the connection, or a
	// call to Close.
	Done() <-chan struct{}

	// Err returns the reason the session ended, once Done is closed.
	// It is nil if the session ended via Close.
	Err() error

	// Close tears down the session.
	Close() error
}
