package supervisor

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func shortGracePeriods(t *testing.T) {
	t.Helper()
	origFirst, origFinal := FirstGracePeriod, FinalGracePeriod
	FirstGracePeriod = 20 * time.Millisecond
	FinalGracePeriod = 20 * time.Millisecond
	t.Cleanup(func() {
		FirstGracePeriod = origFirst
		FinalGracePeriod = origFinal
	})
}

func TestCommandChild_StartWatchExit(t *testing.T) {
	child := &CommandChild{
		Name: "true",
		NewCommand: func(ctx context.Context) (*exec.Cmd, error) {
			return exec.Command("true"), nil
		},
	}

	require.NoError(t, child.Start(context.Background()))
	require.True(t, child.IsRunning())
	require.NoError(t, child.Watch(context.Background()))
	require.False(t, child.IsRunning())
}

func TestCommandChild_AlreadyRunning(t *testing.T) {
	child := &CommandChild{
		Name: "sleep",
		NewCommand: func(ctx context.Context) (*exec.Cmd, error) {
			return exec.Command("sleep", "1"), nil
		},
	}

	require.NoError(t, child.Start(context.Background()))
	defer child.Watch(context.Background())
	defer child.Stop()

	require.ErrorIs(t, child.Start(context.Background()), ErrAlreadyRunning)
}

func TestCommandChild_StopTerminatesGracefully(t *testing.T) {
	child := &CommandChild{
		Name: "sleep",
		NewCommand: func(ctx context.Context) (*exec.Cmd, error) {
			return exec.Command("sleep", "30"), nil
		},
	}

	require.NoError(t, child.Start(context.Background()))

	watchDone := make(chan error, 1)
	go func() { watchDone <- child.Watch(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	child.Stop()

	select {
	case <-watchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after Stop")
	}
	require.False(t, child.IsRunning())
}

func TestCommandChild_StopEscalatesToKill(t *testing.T) {
	shortGracePeriods(t)

	// A process that ignores SIGTERM, forcing escalation to SIGKILL.
	child := &CommandChild{
		Name: "trap",
		NewCommand: func(ctx context.Context) (*exec.Cmd, error) {
			return exec.Command("sh", "-c", "trap '' TERM; sleep 30"), nil
		},
	}

	require.NoError(t, child.Start(context.Background()))

	watchDone := make(chan error, 1)
	go func() { watchDone <- child.Watch(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	child.Stop()

	select {
	case <-watchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after escalation to SIGKILL")
	}
}

func TestCommandChild_AliasesOutAndErrLogs(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "combined.log")

	child := &CommandChild{
		Name:       "echo",
		OutLogPath: logPath,
		ErrLogPath: logPath,
		NewCommand: func(ctx context.Context) (*exec.Cmd, error) {
			return exec.Command("sh", "-c", "echo out; echo err >&2"), nil
		},
	}

	require.NoError(t, child.Start(context.Background()))
	require.NoError(t, child.Watch(context.Background()))
}
