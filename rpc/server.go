package rpc

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// maxLineSize bounds a single inbound JSON-RPC frame (or password
// line), guarding against a misbehaving client streaming unbounded
// data at the socket.
const maxLineSize = 1 << 20

// Server listens on a local Unix domain socket (optionally TLS-wrapped)
// and runs one Session per accepted connection. Every session's method
// dispatch is serialized through a single shared lock: the daemon's
// Target methods are not expected to be reentrant-safe across
// concurrent RPC callers.
type Server struct {
	socketPath string
	tlsConfig  *tls.Config
	target     Target
	userKeys   map[string]string
	logger     hclog.Logger

	handlerLock sync.Mutex

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer returns a Server that will listen on socketPath. If certFile
// and keyFile are both non-empty, the socket is wrapped in TLS.
func NewServer(socketPath, certFile, keyFile string, target Target, userKeys map[string]string, logger hclog.Logger) (*Server, error) {
	s := &Server{
		socketPath: socketPath,
		target:     target,
		userKeys:   userKeys,
		logger:     logger.Named("rpc"),
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("rpc: loading TLS cert/key: %w", err)
		}
		s.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	return s, nil
}

// Start begins listening and accepting connections. Its lifecycle
// mirrors supervisor.Child's start/stop shape so the daemon can drive
// it the same way it drives every other component, even though the
// RPC server is started and stopped directly rather than through the
// generic supervision loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("rpc: server already started")
	}

	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("rpc: listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o777); err != nil {
		ln.Close()
		return fmt.Errorf("rpc: chmod socket: %w", err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Watch blocks until the listener is closed by Stop and every
// connection accepted before then has been served to completion.
func (s *Server) Watch(ctx context.Context) error {
	s.wg.Wait()
	return nil
}

// Stop closes the listener, ending the accept loop. Connections
// already accepted are served until their clients disconnect.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// IsRunning reports whether the server is currently listening.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.logger.Debug("accept loop exiting", "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	session, err := NewSession(s.target, s.userKeys, &s.handlerLock, s.logger)
	if err != nil {
		s.logger.Error("failed to create session", "error", err)
		return
	}

	reader := bufio.NewReaderSize(conn, maxLineSize)
	writer := bufio.NewWriter(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			resp, ok := session.HandleLine(ctx, trimNewline(line))
			if ok {
				if werr := writeResponse(writer, resp); werr != nil {
					s.logger.Debug("failed writing response", "error", werr)
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func writeResponse(w *bufio.Writer, resp Response) error {
	data, err := resp.MarshalJSON()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

func trimNewline(line []byte) []byte {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return line[:n]
}
