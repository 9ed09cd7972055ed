package sshtunnel

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/yamux"
	"golang.org/x/crypto/ssh"

	"github.com/eth2ops/validator-supervisor/tunnel"
)

// session implements tunnel.Session over an established *ssh.Client,
// running one listener/copy loop per tunnel.PortForward. It signals
// Ready the moment any forward's listener is established, and
// Done the moment any forward's listener fails outright.
//
// Every forward goroutine reports its ready/failure event as its own
// logical stream over a yamux session multiplexed onto one internal
// pipe, rather than each holding its own ad hoc signaling channel:
// the same "one physical connection, many logical streams" shape the
// bastion-facing SSH connection itself provides for port forwards.
type session struct {
	client *ssh.Client

	bus       *yamux.Session
	busPeer   *yamux.Session
	ready     chan struct{}
	readyOnce sync.Once

	done    chan struct{}
	doneErr error
	doneMu  sync.Mutex

	closers []io.Closer
}

var _ tunnel.Session = (*session)(nil)

func newSession(client *ssh.Client, conn ConnInfo, forwards []tunnel.PortForward) *session {
	bus, busPeer, err := newControlBus()
	s := &session{
		client:  client,
		bus:     bus,
		busPeer: busPeer,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.closers = append(s.closers, client)
	if err != nil {
		s.finish(fmt.Errorf("tunnel: establishing control bus: %w", err))
		return s
	}
	s.closers = append(s.closers, bus, busPeer)
	go s.runControlBus()

	var wg sync.WaitGroup
	for _, fwd := range forwards {
		fwd := fwd
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runForward(conn, fwd)
		}()
	}

	go func() {
		wg.Wait()
		s.finish(nil)
	}()

	return s
}

// newControlBus returns a connected pair of yamux sessions, one of
// which (the client side) forward goroutines open streams on to
// report events, and the other (the server side) runControlBus
// accepts streams from.
func newControlBus() (client *yamux.Session, server *yamux.Session, err error) {
	a, b := net.Pipe()
	client, err = yamux.Client(a, nil)
	if err != nil {
		return nil, nil, err
	}
	server, err = yamux.Server(b, nil)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, server, nil
}

// runControlBus accepts one stream per reported forward event and
// dispatches it to markReady or finish.
func (s *session) runControlBus() {
	for {
		stream, err := s.busPeer.Accept()
		if err != nil {
			return
		}
		s.handleControlStream(stream)
	}
}

func (s *session) handleControlStream(stream net.Conn) {
	defer stream.Close()

	msg, err := io.ReadAll(stream)
	if err != nil || len(msg) == 0 {
		return
	}

	switch msg[0] {
	case 'R':
		s.markReady()
	case 'E':
		s.finish(fmt.Errorf("%s", msg[1:]))
	}
}

// reportReady and reportError send one event over its own yamux
// stream, from a forward goroutine to runControlBus.
func (s *session) reportReady() {
	stream, err := s.bus.Open()
	if err != nil {
		s.markReady()
		return
	}
	defer stream.Close()
	stream.Write([]byte{'R'})
}

func (s *session) reportError(forwardErr error) {
	stream, err := s.bus.Open()
	if err != nil {
		s.finish(forwardErr)
		return
	}
	defer stream.Close()
	stream.Write(append([]byte{'E'}, []byte(forwardErr.Error())...))
}

func (s *session) runForward(conn ConnInfo, fwd tunnel.PortForward) {
	var listener net.Listener
	var err error
	var dial func() (net.Conn, error)

	if fwd.Reverse {
		listener, err = s.client.Listen(fwd.Remote.Network, fwd.Remote.Addr)
		dial = func() (net.Conn, error) { return net.Dial(fwd.Local.Network, fwd.Local.Addr) }
	} else {
		listener, err = net.Listen(fwd.Local.Network, fwd.Local.Addr)
		dial = func() (net.Conn, error) { return s.client.Dial(fwd.Remote.Network, fwd.Remote.Addr) }
	}
	if err != nil {
		s.reportError(fmt.Errorf("tunnel: forward %s on %s failed: %w", fwd, conn, err))
		return
	}

	s.addCloser(listener)
	s.reportReady()

	for {
		local, err := listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.reportError(fmt.Errorf("tunnel: forward %s on %s stopped accepting: %w", fwd, conn, err))
			return
		}
		go proxyForward(local, dial)
	}
}

func proxyForward(local net.Conn, dial func() (net.Conn, error)) {
	defer local.Close()

	remote, err := dial()
	if err != nil {
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(remote, local)
	}()
	go func() {
		defer wg.Done()
		io.Copy(local, remote)
	}()
	wg.Wait()
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *session) addCloser(c io.Closer) {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	s.closers = append(s.closers, c)
}

func (s *session) finish(err error) {
	s.doneMu.Lock()
	select {
	case <-s.done:
		s.doneMu.Unlock()
		return
	default:
	}
	s.doneErr = err
	closers := s.closers
	close(s.done)
	s.doneMu.Unlock()

	for _, c := range closers {
		c.Close()
	}
}

func (s *session) Ready() <-chan struct{} { return s.ready }
func (s *session) Done() <-chan struct{}  { return s.done }

func (s *session) Err() error {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	return s.doneErr
}

func (s *session) Close() error {
	s.finish(nil)
	return nil
}
