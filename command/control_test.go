package command

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/eth2ops/validator-supervisor/orchestrator"
	"github.com/eth2ops/validator-supervisor/rpc"
)

// fakeTarget is a minimal rpc.Target for exercising ControlCommand
// against a real local RPC server, mirroring rpc.fakeTarget.
type fakeTarget struct {
	validatorUp bool
	release     orchestrator.ValidatorRelease
}

func (f *fakeTarget) GetHealth(ctx context.Context) (rpc.HealthStatus, error) {
	return rpc.HealthStatus{ValidatorRunning: f.validatorUp, ValidatorRelease: f.release}, nil
}
func (f *fakeTarget) StartValidator(ctx context.Context) (bool, error) {
	already := f.validatorUp
	f.validatorUp = true
	return !already, nil
}
func (f *fakeTarget) StopValidator(ctx context.Context) (bool, error) {
	was := f.validatorUp
	f.validatorUp = false
	return was, nil
}
func (f *fakeTarget) ConnectEth2Node(ctx context.Context, host string, port *int) error { return nil }
func (f *fakeTarget) SetValidatorRelease(ctx context.Context, release orchestrator.ValidatorRelease) error {
	f.release = release
	return nil
}
func (f *fakeTarget) Unlock(ctx context.Context, password string) (bool, error) {
	return password == "correct horse", nil
}
func (f *fakeTarget) Shutdown(ctx context.Context) error { return nil }

type bufUI struct {
	out bytes.Buffer
}

func (u *bufUI) Output(msg string) { u.out.WriteString(msg + "\n") }
func (u *bufUI) Error(msg string)  { u.out.WriteString("Error: " + msg + "\n") }

func startControlTestServer(t *testing.T, target rpc.Target, userKeys map[string]string) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "rpc.sock")
	server, err := rpc.NewServer(socketPath, "", "", target, userKeys, hclog.NewNullLogger())
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })
	require.Eventually(t, func() bool { return server.IsRunning() }, time.Second, 10*time.Millisecond)
	return socketPath
}

func TestControlCommand_StartStopValidator(t *testing.T) {
	userKey, err := rpc.GenerateUserKey()
	require.NoError(t, err)
	target := &fakeTarget{}
	socketPath := startControlTestServer(t, target, map[string]string{"alice": userKey})

	ui := &bufUI{}
	cmd := &ControlCommand{
		UI:    ui,
		Stdin: strings.NewReader("start_validator\nstop_validator\nquit\n"),
	}

	code := cmd.Run([]string{
		"-rpc-socket-path", socketPath,
		"-auth-user", "alice",
		"-auth-key", userKey,
	})

	require.Equal(t, 0, code)
	require.Contains(t, ui.out.String(), "Validator has been started")
	require.Contains(t, ui.out.String(), "Validator has been stopped")
}

func TestControlCommand_UnknownCommand(t *testing.T) {
	userKey, err := rpc.GenerateUserKey()
	require.NoError(t, err)
	target := &fakeTarget{}
	socketPath := startControlTestServer(t, target, map[string]string{"alice": userKey})

	ui := &bufUI{}
	cmd := &ControlCommand{
		UI:    ui,
		Stdin: strings.NewReader("frobnicate\nquit\n"),
	}

	code := cmd.Run([]string{
		"-rpc-socket-path", socketPath,
		"-auth-user", "alice",
		"-auth-key", userKey,
	})

	require.Equal(t, 0, code)
	require.Contains(t, ui.out.String(), fmt.Sprintf("unrecognized command %q", "frobnicate"))
}

func TestControlCommand_RequiresEndpoint(t *testing.T) {
	ui := &bufUI{}
	cmd := &ControlCommand{UI: ui, Stdin: strings.NewReader("")}
	code := cmd.Run(nil)
	require.Equal(t, 1, code)
	require.Contains(t, ui.out.String(), "Must provide either")
}
