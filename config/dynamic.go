package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eth2ops/validator-supervisor/orchestrator"
)

// rawDynamicConfig is the on-disk YAML shape of DynamicConfig.
type rawDynamicConfig struct {
	Version          int                           `yaml:"version"`
	ValidatorRelease orchestrator.ValidatorRelease `yaml:"validator_release"`
}

// DynamicConfig is configuration state the daemon mutates at
// runtime and persists next to the static Config, currently just the
// validator release in use.
type DynamicConfig struct {
	ValidatorRelease orchestrator.ValidatorRelease
}

// DefaultDynamicConfig is what a fresh data dir starts with, before
// any set_validator_release call writes a dynamic_config.yml.
func DefaultDynamicConfig() DynamicConfig {
	return DynamicConfig{ValidatorRelease: DefaultValidatorRelease}
}

// ReadDynamicConfig reads dynamic config state from path, or returns
// DefaultDynamicConfig if the file doesn't exist.
func ReadDynamicConfig(path string) (DynamicConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultDynamicConfig(), nil
		}
		return DynamicConfig{}, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
	}

	var raw rawDynamicConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return DynamicConfig{}, fmt.Errorf("%w: dynamic config file is not valid YAML: %v", ErrInvalidConfig, err)
	}
	if raw.Version == 0 {
		raw.Version = Version
	}
	if raw.Version != Version {
		return DynamicConfig{}, fmt.Errorf("%w: unsupported dynamic config version %d", ErrInvalidConfig, raw.Version)
	}
	if (raw.ValidatorRelease == orchestrator.ValidatorRelease{}) {
		raw.ValidatorRelease = DefaultValidatorRelease
	}
	return DynamicConfig{ValidatorRelease: raw.ValidatorRelease}, nil
}

// WriteDynamicConfig serializes and atomically persists cfg to path.
func WriteDynamicConfig(path string, cfg DynamicConfig) error {
	raw := rawDynamicConfig{Version: Version, ValidatorRelease: cfg.ValidatorRelease}
	tmpPath := path + ".tmp"
	if err := writeYAML(tmpPath, raw); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: renaming %s into place: %w", tmpPath, err)
	}
	return nil
}
