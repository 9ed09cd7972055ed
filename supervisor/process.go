package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

// CommandFactory builds the *exec.Cmd to run for one Start call. It
// is invoked fresh on every (re)start since exec.Cmd is single-use.
type CommandFactory func(ctx context.Context) (*exec.Cmd, error)

// CommandChild is a Child backed by an OS subprocess, the Go
// counterpart of the original supervisor's SimpleSubprocess: it opens
// (and dedupes) stdout/stderr log files, launches the command, and on
// Stop runs the termination escalation against the live process.
type CommandChild struct {
	Name          string
	NewCommand    CommandFactory
	OutLogPath    string
	ErrLogPath    string
	Logger        hclog.Logger
	HealthProbe   HealthCheck
	// RequestTerminate overrides how every terminate signal (from Stop
	// and from both escalation steps) is sent. It defaults to SIGTERM;
	// the final SIGKILL is always sent directly. Some children (e.g. a tunnel
	// whose "terminate" is closing a pipe) need something else.
	RequestTerminate func(proc *os.Process) error

	mu      sync.Mutex
	cmd     *exec.Cmd
	outFile *os.File
	errFile *os.File
	waitCh  chan error
	stopCh  chan struct{}
	running bool
}

var _ Child = (*CommandChild)(nil)

// HealthCheck implements HealthChecked.
func (c *CommandChild) HealthCheck() HealthCheck {
	return c.HealthProbe
}

// Start implements Child.
func (c *CommandChild) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	outFile, errFile, err := c.openLogFiles()
	if err != nil {
		return err
	}

	cmd, err := c.NewCommand(ctx)
	if err != nil {
		closeLogFiles(outFile, errFile)
		return fmt.Errorf("supervisor: building command for %s: %w", c.Name, err)
	}
	if outFile != nil {
		cmd.Stdout = outFile
	}
	if errFile != nil {
		cmd.Stderr = errFile
	}

	if err := cmd.Start(); err != nil {
		closeLogFiles(outFile, errFile)
		return fmt.Errorf("supervisor: starting %s: %w", c.Name, err)
	}

	c.cmd = cmd
	c.outFile = outFile
	c.errFile = errFile
	c.stopCh = make(chan struct{})
	c.waitCh = make(chan error, 1)
	c.running = true

	go func() {
		c.waitCh <- cmd.Wait()
	}()

	return nil
}

// Watch implements Child.
func (c *CommandChild) Watch(ctx context.Context) error {
	c.mu.Lock()
	cmd, waitCh, stopCh := c.cmd, c.waitCh, c.stopCh
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}

	var exitErr error
	stopped := false
	select {
	case exitErr = <-waitCh:
	case <-stopCh:
		stopped = true
		exitErr = c.robustTerminate(cmd, waitCh)
	}

	c.cleanup(stopped)
	return exitErr
}

// robustTerminate runs the termination escalation: terminate, wait
// FirstGracePeriod, terminate again, wait FinalGracePeriod, kill.
// Each signal tolerates the process already having exited.
func (c *CommandChild) robustTerminate(cmd *exec.Cmd, waitCh chan error) error {
	c.signal(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(FirstGracePeriod):
	}

	if c.Logger != nil {
		c.Logger.Warn("did not terminate within grace period, retrying SIGTERM",
			"child", c.Name, "grace_period", FirstGracePeriod)
	}
	c.signal(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(FinalGracePeriod):
	}

	if c.Logger != nil {
		c.Logger.Warn("did not terminate after second grace period, sending SIGKILL",
			"child", c.Name, "grace_period", FinalGracePeriod)
	}
	c.signal(cmd, syscall.SIGKILL)

	return <-waitCh
}

func (c *CommandChild) signal(cmd *exec.Cmd, sig syscall.Signal) {
	if c.RequestTerminate != nil && sig == syscall.SIGTERM {
		if err := c.RequestTerminate(cmd.Process); err != nil && !isProcessGone(err) {
			c.logSignalError(sig, err)
		}
		return
	}
	if err := cmd.Process.Signal(sig); err != nil && !isProcessGone(err) {
		c.logSignalError(sig, err)
	}
}

func (c *CommandChild) logSignalError(sig syscall.Signal, err error) {
	if c.Logger != nil {
		c.Logger.Error("failed to signal child", "child", c.Name, "signal", sig, "error", err)
	}
}

func isProcessGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

// Stop implements Child. It is idempotent: calling it more than once,
// or before Start, is a no-op.
func (c *CommandChild) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.stopCh == nil {
		return
	}
	select {
	case <-c.stopCh:
		// already stopping
	default:
		close(c.stopCh)
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.signal(c.cmd, syscall.SIGTERM)
	}
}

// IsRunning implements Child.
func (c *CommandChild) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *CommandChild) cleanup(stopped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	closeLogFiles(c.outFile, c.errFile)
	c.outFile = nil
	c.errFile = nil
	c.cmd = nil
	c.running = false

	if c.Logger != nil {
		if stopped {
			c.Logger.Info("child stopped", "child", c.Name)
		} else {
			c.Logger.Info("child exited", "child", c.Name)
		}
	}
}

// openLogFiles opens the configured log paths, aliasing stderr onto
// stdout's handle when both paths resolve to the same file (mirroring
// the original's _out_and_err_logs_aliased check, which avoids
// opening the same file twice and double-appending).
func (c *CommandChild) openLogFiles() (out, err *os.File, retErr error) {
	if c.OutLogPath != "" {
		out, retErr = openAppend(c.OutLogPath)
		if retErr != nil {
			return nil, nil, retErr
		}
	}
	if c.ErrLogPath == "" {
		return out, nil, nil
	}
	if c.OutLogPath != "" && samePath(c.OutLogPath, c.ErrLogPath) {
		return out, out, nil
	}
	err, retErr = openAppend(c.ErrLogPath)
	if retErr != nil {
		closeLogFiles(out, nil)
		return nil, nil, retErr
	}
	return out, err, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("supervisor: opening log file %s: %w", path, err)
	}
	return f, nil
}

func samePath(a, b string) bool {
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ra == rb
}

func closeLogFiles(files ...*os.File) {
	seen := make(map[*os.File]bool)
	for _, f := range files {
		if f == nil || seen[f] {
			continue
		}
		seen[f] = true
		f.Close()
	}
}
