package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/eth2ops/validator-supervisor/vault"
)

// ErrUnlockRequired is returned when an operation needs a RootKey
// that isn't loaded, and by ReadRootKey when no usable cached key
// file exists.
var ErrUnlockRequired = errors.New("config: root key not unlocked")

// ReadRootKey reads a hex-encoded RootKey cached at path and checks
// it against desc, returning ErrUnlockRequired if the file is absent
// or the cached key doesn't match the descriptor's commitment (e.g.
// the descriptor was rotated since the cache was written).
func ReadRootKey(desc vault.KeyDescriptor, path string) (vault.RootKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return vault.RootKey{}, ErrUnlockRequired
		}
		return vault.RootKey{}, fmt.Errorf("config: reading cached root key %s: %w", path, err)
	}

	keyData, err := hex.DecodeString(string(data))
	if err != nil {
		return vault.RootKey{}, ErrUnlockRequired
	}

	rk, ok := desc.Check(keyData)
	if !ok {
		return vault.RootKey{}, ErrUnlockRequired
	}
	return rk, nil
}

// WriteRootKey writes root key as hex to a 0600-mode file at path,
// so the daemon can re-unlock across a restart without an operator
// password.
func WriteRootKey(rk vault.RootKey, path string) error {
	if err := os.WriteFile(path, []byte(rk.Hex()), 0o600); err != nil {
		return fmt.Errorf("config: writing cached root key %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}
