// Package supervisor is the generic engine that runs, watches, and
// restarts supervised children: subprocesses, SSH tunnels, and
// anything else with a start/watch/stop lifecycle.
package supervisor

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyRunning is returned by Start when the child is already running.
var ErrAlreadyRunning = errors.New("supervisor: already running")

// FirstGracePeriod is how long Watch waits after the first terminate
// request before escalating to a second terminate. A var, not a
// const, so tests can shrink it.
var FirstGracePeriod = 2 * time.Second

// FinalGracePeriod is how long Watch waits after the second terminate
// request before escalating to a kill.
var FinalGracePeriod = 10 * time.Second

// Child is anything the supervisor can run, watch, and stop: a
// subprocess, an SSH tunnel, a Docker container. Implementations must
// tolerate Stop being called before Start, and Start being called
// again after Watch returns.
type Child interface {
	// Start launches the child. It fails with ErrAlreadyRunning if
	// the child is already running.
	Start(ctx context.Context) error

	// Watch blocks until the child exits, executing the termination
	// escalation if Stop was called while waiting. It always cleans
	// up the child's resources before returning.
	Watch(ctx context.Context) error

	// Stop is idempotent. It signals the child to stop and, where
	// applicable, sends an immediate terminate signal so the child
	// begins stopping even before Watch is called.
	Stop()

	// IsRunning reports whether the child is currently running.
	IsRunning() bool
}

// HealthChecked is implemented by a Child that wants its health
// probed while running. A failing probe (beyond its retry budget)
// causes the supervision loop to stop and restart the child.
type HealthChecked interface {
	Child
	HealthCheck() HealthCheck
}

// HealthCheck probes a running child's health periodically.
type HealthCheck interface {
	// Interval between probes.
	Interval() time.Duration
	// Retries is how many consecutive failures are tolerated before
	// the check reports unhealthy.
	Retries() int
	// IsOK runs one probe.
	IsOK(ctx context.Context) bool
}

// healthCheckOf returns child's HealthCheck if it implements
// HealthChecked and has one configured, else nil.
func healthCheckOf(child Child) HealthCheck {
	hc, ok := child.(HealthChecked)
	if !ok {
		return nil
	}
	return hc.HealthCheck()
}

// monitorHealth runs hc's probe loop, sending on unhealthy when the
// retry budget is exhausted. It returns when ctx is done or it
// reports unhealthy, whichever comes first.
func monitorHealth(ctx context.Context, hc HealthCheck, unhealthy chan<- struct{}) {
	failures := 0
	ticker := time.NewTicker(hc.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hc.IsOK(ctx) {
				failures = 0
				continue
			}
			failures++
			if failures > hc.Retries() {
				select {
				case unhealthy <- struct{}{}:
				case <-ctx.Done():
				}
				return
			}
		}
	}
}
