package config

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eth2ops/validator-supervisor/tunnel/sshtunnel"
	"github.com/eth2ops/validator-supervisor/vault"
)

func randSalt(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	return buf, err
}

func validConfig(t *testing.T) Config {
	t.Helper()
	desc, _, err := vault.Generate("hunter2", vault.AlgoWeak, randSalt)
	require.NoError(t, err)
	return Config{
		Eth2Network:   "mainnet",
		KeyDescriptor: desc,
		FeeRecipient:  "0x0000000000000000000000000000000000000001",
		Nodes: []sshtunnel.ConnInfo{
			{Host: "validator1.example.com", User: "ops"},
		},
		DataDir:   "/data",
		LogsDir:   "/logs",
		PortRange: [2]int{13000, 14000},
		RPCUsers:  map[string]string{"alice": "deadbeef"},
	}
}

func TestWriteReadConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := validConfig(t)

	require.NoError(t, WriteConfig(path, cfg))
	got, err := ReadConfig(path)
	require.NoError(t, err)

	require.Equal(t, cfg.Eth2Network, got.Eth2Network)
	require.Equal(t, cfg.FeeRecipient, got.FeeRecipient)
	require.Equal(t, cfg.Nodes, got.Nodes)
	require.Equal(t, cfg.DataDir, got.DataDir)
	require.Equal(t, cfg.PortRange, got.PortRange)
	require.Equal(t, cfg.RPCUsers, got.RPCUsers)
	require.Equal(t, cfg.KeyDescriptor.Algo, got.KeyDescriptor.Algo)
	require.Equal(t, cfg.KeyDescriptor.Salt, got.KeyDescriptor.Salt)
	require.Equal(t, cfg.KeyDescriptor.Checksum, got.KeyDescriptor.Checksum)
}

func TestReadConfig_MissingFile(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestReadConfig_UnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, writeYAML(path, rawConfig{Version: 7}))

	_, err := ReadConfig(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_RequiresNodes(t *testing.T) {
	cfg := validConfig(t)
	cfg.Nodes = nil
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestValidate_RequiresWellFormedFeeRecipient(t *testing.T) {
	cfg := validConfig(t)
	cfg.FeeRecipient = "not-an-address"
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestValidate_RequiresIncreasingPortRange(t *testing.T) {
	cfg := validConfig(t)
	cfg.PortRange = [2]int{14000, 13000}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestReadConfigForEdit_SkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := validConfig(t)
	cfg.Nodes = nil
	require.NoError(t, WriteConfig(path, cfg))

	_, err := ReadConfig(path)
	require.Error(t, err, "a config with no nodes must fail the strict daemon-time read")

	got, err := ReadConfigForEdit(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Eth2Network, got.Eth2Network)
}

func TestBackupPath_DefaultsFilename(t *testing.T) {
	cfg := validConfig(t)
	cfg.DataDir = "/var/lib/validator-supervisor"
	require.Equal(t, "/var/lib/validator-supervisor/"+DefaultBackupFilename, cfg.BackupPath())
}

func TestBackupPath_HonorsOverride(t *testing.T) {
	cfg := validConfig(t)
	cfg.DataDir = "/var/lib/validator-supervisor"
	cfg.BackupFilename = "custom-backup.bin"
	require.Equal(t, "/var/lib/validator-supervisor/custom-backup.bin", cfg.BackupPath())
}
