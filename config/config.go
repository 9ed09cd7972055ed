// Package config defines the daemon's static and dynamic
// configuration structures, their versioned YAML codec, and the
// cached root-key file helpers.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/eth2ops/validator-supervisor/orchestrator"
	"github.com/eth2ops/validator-supervisor/tunnel/sshtunnel"
	"github.com/eth2ops/validator-supervisor/vault"
)

// Version is the only supported config schema version.
const Version = 1

// DefaultBackupFilename is the backup archive filename used when the
// config doesn't override it.
const DefaultBackupFilename = "supervisor-backup.bin"

// DefaultValidatorRelease is the release a fresh data dir starts with.
var DefaultValidatorRelease = orchestrator.ValidatorRelease{
	ImplName: "lighthouse",
	Version:  "v3.0.0",
	Checksum: "23e898614d370f16144f5f3c8f3d3e387fed10caa17bad2bb24395d76f18cbc9",
}

// ErrInvalidConfig is returned when a config file is missing,
// malformed, or of an unsupported version.
var ErrInvalidConfig = errors.New("config: invalid configuration")

var feeRecipientPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// keyDescriptorYAML is the YAML wire shape of a vault.KeyDescriptor;
// Salt/Checksum are hex strings on disk, raw bytes in memory.
type keyDescriptorYAML struct {
	Algo     vault.Algo `yaml:"algo"`
	Salt     string     `yaml:"salt-hex"`
	Checksum string     `yaml:"checksum-hex"`
}

// nodeYAML is the YAML wire shape of a remote node entry.
type nodeYAML struct {
	Host         string `yaml:"host"`
	User         string `yaml:"user,omitempty"`
	Port         int    `yaml:"port,omitempty"`
	Pubkey       string `yaml:"pubkey,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty"`
}

// rawConfig is the on-disk YAML shape of Config, including the
// version tag.
type rawConfig struct {
	Version       int               `yaml:"version"`
	Eth2Network   string            `yaml:"eth2_network"`
	KeyDescriptor keyDescriptorYAML `yaml:"key_descriptor"`
	FeeRecipient  string            `yaml:"fee_recipient"`
	Nodes         []nodeYAML        `yaml:"nodes"`
	DataDir       string            `yaml:"data_dir"`
	LogsDir       string            `yaml:"logs_dir"`
	SSLCertFile   string            `yaml:"ssl_cert_file,omitempty"`
	SSLKeyFile    string            `yaml:"ssl_key_file,omitempty"`
	PortRange     [2]int            `yaml:"port_range"`
	RPCUsers      map[string]string `yaml:"rpc_users"`
	BackupFile    string            `yaml:"backup_filename,omitempty"`
}

// Config is the daemon's static configuration, loaded once at
// startup from a versioned YAML file.
type Config struct {
	Eth2Network    string
	KeyDescriptor  vault.KeyDescriptor
	FeeRecipient   string
	Nodes          []sshtunnel.ConnInfo
	DataDir        string
	LogsDir        string
	SSLCertFile    string
	SSLKeyFile     string
	PortRange      [2]int
	RPCUsers       map[string]string
	BackupFilename string
}

// SupervisorLogPath is the log file for the daemon's own logging.
func (c Config) SupervisorLogPath() string {
	return filepath.Join(c.LogsDir, "supervisor.log")
}

// ValidatorLogPath is the log file for a given validator
// implementation's stdout/stderr.
func (c Config) ValidatorLogPath(implName string) string {
	return filepath.Join(c.LogsDir, implName+".log")
}

// BackupPath is the local on-disk path of the encrypted backup
// archive.
func (c Config) BackupPath() string {
	return filepath.Join(c.DataDir, c.backupFilename())
}

func (c Config) backupFilename() string {
	if c.BackupFilename == "" {
		return DefaultBackupFilename
	}
	return c.BackupFilename
}

// Validate checks structural invariants not already enforced by the
// YAML decode: a non-empty node list, a well-formed Ethereum
// fee-recipient address, and a non-empty increasing port range.
func (c Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("%w: must configure at least one node", ErrInvalidConfig)
	}
	if !feeRecipientPattern.MatchString(c.FeeRecipient) {
		return fmt.Errorf("%w: fee_recipient must match %s", ErrInvalidConfig, feeRecipientPattern)
	}
	if c.PortRange[0] >= c.PortRange[1] {
		return fmt.Errorf("%w: port_range must be non-empty and increasing", ErrInvalidConfig)
	}
	return nil
}

// ReadConfig reads and validates the static configuration from path.
func ReadConfig(path string) (Config, error) {
	cfg, err := ReadConfigForEdit(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadConfigForEdit parses the configuration file at path without
// enforcing the operational invariants Validate checks (a populated
// node list, a well-formed fee recipient). The setup command uses
// this to load a config that is still being assembled interactively,
// which may not yet satisfy those invariants; this mirrors the
// original CLI's schema validation, which checks field shape but
// never a non-empty node list.
func ReadConfigForEdit(path string) (Config, error) {
	raw, err := readRawConfig(path)
	if err != nil {
		return Config{}, err
	}
	return raw.toConfig()
}

// WriteConfig serializes and writes cfg to path.
func WriteConfig(path string, cfg Config) error {
	raw := fromConfig(cfg)
	return writeYAML(path, raw)
}

func readRawConfig(path string) (rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rawConfig{}, fmt.Errorf("%w: config file not found at %s", ErrInvalidConfig, path)
		}
		return rawConfig{}, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return rawConfig{}, fmt.Errorf("%w: config file is not valid YAML: %v", ErrInvalidConfig, err)
	}
	if raw.Version == 0 {
		raw.Version = Version
	}
	if raw.Version != Version {
		return rawConfig{}, fmt.Errorf("%w: unsupported config version %d", ErrInvalidConfig, raw.Version)
	}
	return raw, nil
}

func (raw rawConfig) toConfig() (Config, error) {
	salt, err := hex.DecodeString(raw.KeyDescriptor.Salt)
	if err != nil {
		return Config{}, fmt.Errorf("%w: key_descriptor.salt-hex: %v", ErrInvalidConfig, err)
	}
	checksum, err := hex.DecodeString(raw.KeyDescriptor.Checksum)
	if err != nil {
		return Config{}, fmt.Errorf("%w: key_descriptor.checksum-hex: %v", ErrInvalidConfig, err)
	}

	nodes := make([]sshtunnel.ConnInfo, len(raw.Nodes))
	for i, n := range raw.Nodes {
		nodes[i] = sshtunnel.ConnInfo{
			Host:         n.Host,
			User:         n.User,
			Port:         n.Port,
			Pubkey:       n.Pubkey,
			IdentityFile: n.IdentityFile,
		}
	}

	return Config{
		Eth2Network: raw.Eth2Network,
		KeyDescriptor: vault.KeyDescriptor{
			Algo:     raw.KeyDescriptor.Algo,
			Salt:     salt,
			Checksum: checksum,
		},
		FeeRecipient:   raw.FeeRecipient,
		Nodes:          nodes,
		DataDir:        raw.DataDir,
		LogsDir:        raw.LogsDir,
		SSLCertFile:    raw.SSLCertFile,
		SSLKeyFile:     raw.SSLKeyFile,
		PortRange:      raw.PortRange,
		RPCUsers:       raw.RPCUsers,
		BackupFilename: raw.BackupFile,
	}, nil
}

func fromConfig(cfg Config) rawConfig {
	nodes := make([]nodeYAML, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		nodes[i] = nodeYAML{
			Host:         n.Host,
			User:         n.User,
			Port:         n.Port,
			Pubkey:       n.Pubkey,
			IdentityFile: n.IdentityFile,
		}
	}

	return rawConfig{
		Version:     Version,
		Eth2Network: cfg.Eth2Network,
		KeyDescriptor: keyDescriptorYAML{
			Algo:     cfg.KeyDescriptor.Algo,
			Salt:     hex.EncodeToString(cfg.KeyDescriptor.Salt),
			Checksum: hex.EncodeToString(cfg.KeyDescriptor.Checksum),
		},
		FeeRecipient: cfg.FeeRecipient,
		Nodes:        nodes,
		DataDir:      cfg.DataDir,
		LogsDir:      cfg.LogsDir,
		SSLCertFile:  cfg.SSLCertFile,
		SSLKeyFile:   cfg.SSLKeyFile,
		PortRange:    cfg.PortRange,
		RPCUsers:     cfg.RPCUsers,
		BackupFile:   cfg.BackupFilename,
	}
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("config: marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
