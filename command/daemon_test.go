package command

import (
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestDaemonCommand_RequiresConfigPath(t *testing.T) {
	ui := &bufUI{}
	cmd := &DaemonCommand{UI: ui}
	code := cmd.Run(nil)
	require.Equal(t, 1, code)
	require.Contains(t, ui.out.String(), "-config-path is required")
}

func TestDaemonCommand_RejectsMissingConfig(t *testing.T) {
	ui := &bufUI{}
	cmd := &DaemonCommand{UI: ui, Logger: hclog.NewNullLogger()}
	code := cmd.Run([]string{"-config-path", "/nonexistent/config.yml"})
	require.Equal(t, 1, code)
	require.Contains(t, ui.out.String(), "config file not found")
}

func TestDaemonCommand_RejectsConfigMissingNodes(t *testing.T) {
	dir := t.TempDir()
	configPath := dir + "/config.yml"

	// No nodes configured: a config freshly written by SetupCommand
	// alone, which config.ReadConfig (strict, daemon-time) must reject.
	setupUI := &bufUI{}
	setupCmd := &SetupCommand{
		UI: setupUI,
		Stdin: strings.NewReader(strings.Join([]string{
			"hunter2", "hunter2", "mainnet", dir + "/data", dir + "/logs", "n", "y", "n",
		}, "\n") + "\n"),
	}
	require.Equal(t, 0, setupCmd.Run([]string{"-config-path", configPath}), setupUI.out.String())

	ui := &bufUI{}
	cmd := &DaemonCommand{UI: ui, Logger: hclog.NewNullLogger()}
	code := cmd.Run([]string{"-config-path", configPath})
	require.Equal(t, 1, code)
	require.Contains(t, ui.out.String(), "must configure at least one node")
}
