package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// RestartTracker decides how long to wait before restarting a child
// that has just exited, given a fixed per-child restart delay: if the
// child ran at least that long, it restarts immediately; otherwise it
// waits out the remainder, so a child crash-looping on startup
// doesn't spin.
type RestartTracker struct {
	delay time.Duration
}

// NewRestartTracker returns a RestartTracker with the given restart delay.
func NewRestartTracker(delay time.Duration) *RestartTracker {
	return &RestartTracker{delay: delay}
}

// NextDelay returns how long to wait before restarting, given how
// long the child ran before exiting.
func (t *RestartTracker) NextDelay(ran time.Duration) time.Duration {
	if ran >= t.delay {
		return 0
	}
	return t.delay - ran
}

// Supervise starts child and runs it forever, restarting it after
// RestartTracker's delay whenever it exits, until ctx is canceled. A
// failing health check stops and restarts the child just like an
// unexpected exit. The first Start must succeed; Supervise returns
// that error if it doesn't.
func Supervise(ctx context.Context, name string, child Child, retryDelay time.Duration, logger hclog.Logger) error {
	if err := child.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: starting %s: %w", name, err)
	}
	logger.Info("started supervised child", "child", name)

	runSupervisionLoop(ctx, name, child, retryDelay, logger)
	return nil
}

// runSupervisionLoop repeatedly watches child and restarts it after
// RestartTracker's delay, until ctx is canceled. It assumes child has
// already been started once.
func runSupervisionLoop(ctx context.Context, name string, child Child, retryDelay time.Duration, logger hclog.Logger) {
	tracker := NewRestartTracker(retryDelay)
	for {
		startedAt := time.Now()
		watchChild(ctx, name, child, logger)
		logger.Info("supervised child exited", "child", name)

		if ctx.Err() != nil {
			return
		}

		if wait := tracker.NextDelay(time.Since(startedAt)); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		if err := child.Start(ctx); err != nil {
			logger.Error("error starting supervised child", "child", name, "error", err)
			continue
		}
		logger.Info("started supervised child", "child", name)
	}
}

// watchChild runs child.Watch concurrently with ctx cancellation and
// the child's health probe (if any), stopping the child the moment
// either fires and waiting for Watch to finish cleaning up.
func watchChild(ctx context.Context, name string, child Child, logger hclog.Logger) {
	watchDone := make(chan struct{})
	go func() {
		child.Watch(ctx)
		close(watchDone)
	}()

	healthCtx, cancelHealth := context.WithCancel(ctx)
	defer cancelHealth()

	var unhealthy chan struct{}
	if hc := healthCheckOf(child); hc != nil {
		unhealthy = make(chan struct{}, 1)
		go monitorHealth(healthCtx, hc, unhealthy)
	}

	select {
	case <-watchDone:
		return
	case <-ctx.Done():
	case <-unhealthy:
		logger.Info("stopping child due to failing health checks", "child", name)
	}

	child.Stop()
	<-watchDone
}

// NamedChild pairs a Child with the name it's supervised under.
type NamedChild struct {
	Name  string
	Child Child
}

// SuperviseMulti starts every child concurrently and returns once
// every child's first Start has either completed or failed; a failed
// Start fails the whole batch (the caller is expected to tear the
// rest down). Children that started successfully continue running
// under Supervise for the lifetime of ctx.
func SuperviseMulti(ctx context.Context, children []NamedChild, retryDelay time.Duration, logger hclog.Logger) error {
	if len(children) == 0 {
		return nil
	}

	startResults := make(chan error, len(children))
	for _, nc := range children {
		nc := nc
		go func() {
			if err := nc.Child.Start(ctx); err != nil {
				startResults <- fmt.Errorf("supervisor: starting %s: %w", nc.Name, err)
				return
			}
			logger.Info("started supervised child", "child", nc.Name)
			startResults <- nil

			runSupervisionLoop(ctx, nc.Name, nc.Child, retryDelay, logger)
		}()
	}

	var result *multierror.Error
	for range children {
		if err := <-startResults; err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// SuperviseMultiAwaitable behaves like SuperviseMulti, but also returns
// a WaitGroup that reaches zero once every successfully started
// child's supervision loop has exited following ctx cancellation. Use
// it where the caller needs to block until a group of supervised
// children has fully torn down, such as a shutdown sequence that
// waits for one group to settle before stopping the next.
func SuperviseMultiAwaitable(ctx context.Context, children []NamedChild, retryDelay time.Duration, logger hclog.Logger) (*sync.WaitGroup, error) {
	var wg sync.WaitGroup
	if len(children) == 0 {
		return &wg, nil
	}

	startResults := make(chan error, len(children))
	for _, nc := range children {
		nc := nc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := nc.Child.Start(ctx); err != nil {
				startResults <- fmt.Errorf("supervisor: starting %s: %w", nc.Name, err)
				return
			}
			logger.Info("started supervised child", "child", nc.Name)
			startResults <- nil

			runSupervisionLoop(ctx, nc.Name, nc.Child, retryDelay, logger)
		}()
	}

	var result *multierror.Error
	for range children {
		if err := <-startResults; err != nil {
			result = multierror.Append(result, err)
		}
	}
	return &wg, result.ErrorOrNil()
}
