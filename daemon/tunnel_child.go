package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/eth2ops/validator-supervisor/supervisor"
	"github.com/eth2ops/validator-supervisor/tunnel"
)

// tunnelChild is a supervisor.Child that opens one tunnel.Session over
// a tunnel.Client and runs it until it fails or Stop is called. It
// mirrors supervisor.CommandChild's shape: Start launches, Watch
// blocks until exit, Stop is idempotent.
type tunnelChild struct {
	name     string
	client   tunnel.Client
	forwards []tunnel.PortForward
	logger   hclog.Logger

	mu      sync.Mutex
	session tunnel.Session
	running bool
}

var _ supervisor.Child = (*tunnelChild)(nil)

// newTunnelChild returns a tunnelChild that opens the given forwards
// over client when started.
func newTunnelChild(name string, client tunnel.Client, forwards []tunnel.PortForward, logger hclog.Logger) *tunnelChild {
	return &tunnelChild{name: name, client: client, forwards: forwards, logger: logger.Named(name)}
}

// Start implements supervisor.Child.
func (t *tunnelChild) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return supervisor.ErrAlreadyRunning
	}

	if err := t.client.CheckHostKey(ctx); err != nil {
		return fmt.Errorf("daemon: checking host key for %s: %w", t.client, err)
	}
	session, err := t.client.OpenSession(ctx, t.forwards)
	if err != nil {
		return fmt.Errorf("daemon: opening tunnel to %s: %w", t.client, err)
	}

	t.session = session
	t.running = true
	return nil
}

// Watch implements supervisor.Child.
func (t *tunnelChild) Watch(ctx context.Context) error {
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()
	if session == nil {
		return nil
	}

	select {
	case <-session.Done():
	case <-ctx.Done():
		session.Close()
		<-session.Done()
	}
	err := session.Err()

	t.mu.Lock()
	t.running = false
	t.session = nil
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("tunnel session ended", "error", err)
	}
	return err
}

// Stop implements supervisor.Child.
func (t *tunnelChild) Stop() {
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()
	if session != nil {
		session.Close()
	}
}

// IsRunning implements supervisor.Child.
func (t *tunnelChild) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
