package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

// fakeChild is a minimal Child for exercising the supervision loop
// without spawning real processes, in the spirit of Nomad's small
// in-package test doubles.
type fakeChild struct {
	mu       sync.Mutex
	running  bool
	starts   int32
	stopped  chan struct{}
	exitCh   chan struct{}
	startErr error
}

func newFakeChild() *fakeChild {
	return &fakeChild{exitCh: make(chan struct{}, 8)}
}

func (c *fakeChild) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	if c.startErr != nil {
		return c.startErr
	}
	atomic.AddInt32(&c.starts, 1)
	c.running = true
	c.stopped = make(chan struct{})
	return nil
}

func (c *fakeChild) Watch(ctx context.Context) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()

	select {
	case <-stopped:
	case <-c.exitCh:
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

func (c *fakeChild) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped == nil {
		return
	}
	select {
	case <-c.stopped:
	default:
		close(c.stopped)
	}
}

func (c *fakeChild) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *fakeChild) exitNow() {
	c.exitCh <- struct{}{}
}

func (c *fakeChild) startCount() int32 {
	return atomic.LoadInt32(&c.starts)
}

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

func TestSupervise_RestartsAfterExit(t *testing.T) {
	child := newFakeChild()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Supervise(ctx, "test", child, time.Millisecond, testLogger()) }()

	require.Eventually(t, func() bool { return child.startCount() >= 1 }, time.Second, time.Millisecond)
	child.exitNow()
	require.Eventually(t, func() bool { return child.startCount() >= 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Supervise did not return after cancel")
	}
}

func TestSupervise_FirstStartFailurePropagates(t *testing.T) {
	child := newFakeChild()
	child.startErr = ErrAlreadyRunning

	err := Supervise(context.Background(), "test", child, time.Millisecond, testLogger())
	require.Error(t, err)
}

func TestSupervise_StopsOnContextCancel(t *testing.T) {
	child := newFakeChild()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Supervise(ctx, "test", child, time.Minute, testLogger()) }()

	require.Eventually(t, func() bool { return child.IsRunning() }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Supervise did not return after cancel")
	}
}

func TestSuperviseMulti_AllSucceed(t *testing.T) {
	a, b := newFakeChild(), newFakeChild()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := SuperviseMulti(ctx, []NamedChild{
		{Name: "a", Child: a},
		{Name: "b", Child: b},
	}, time.Minute, testLogger())
	require.NoError(t, err)
	require.True(t, a.IsRunning())
	require.True(t, b.IsRunning())
}

func TestSuperviseMulti_OneFailsAggregatesError(t *testing.T) {
	a, b := newFakeChild(), newFakeChild()
	b.startErr = ErrAlreadyRunning

	err := SuperviseMulti(context.Background(), []NamedChild{
		{Name: "a", Child: a},
		{Name: "b", Child: b},
	}, time.Minute, testLogger())
	require.Error(t, err)
}

func TestRestartTracker_NextDelay(t *testing.T) {
	tracker := NewRestartTracker(10 * time.Second)
	require.Equal(t, time.Duration(0), tracker.NextDelay(15*time.Second))
	require.Equal(t, 4*time.Second, tracker.NextDelay(6*time.Second))
}

// fakeHealthCheckedChild fails its health probe after a configured
// number of consecutive checks.
type fakeHealthCheckedChild struct {
	*fakeChild
	okUntil int32
	checks  int32
}

func (c *fakeHealthCheckedChild) HealthCheck() HealthCheck {
	return &fakeHealthCheck{child: c}
}

type fakeHealthCheck struct {
	child *fakeHealthCheckedChild
}

func (h *fakeHealthCheck) Interval() time.Duration { return time.Millisecond }
func (h *fakeHealthCheck) Retries() int            { return 0 }
func (h *fakeHealthCheck) IsOK(ctx context.Context) bool {
	n := atomic.AddInt32(&h.child.checks, 1)
	return n <= h.child.okUntil
}

func TestSupervise_RestartsOnFailingHealthCheck(t *testing.T) {
	child := &fakeHealthCheckedChild{fakeChild: newFakeChild(), okUntil: 2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Supervise(ctx, "test", child, time.Millisecond, testLogger()) }()

	require.Eventually(t, func() bool { return child.startCount() >= 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Supervise did not return after cancel")
	}
}
