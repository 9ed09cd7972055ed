package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// MissingValidatorData is returned by CheckValidatorDataDir when a
// validator state directory is missing a required file.
type MissingValidatorData struct {
	Reason string
}

func (e *MissingValidatorData) Error() string {
	return fmt.Sprintf("archive: missing validator data: %s", e.Reason)
}

var validatorDirName = regexp.MustCompile(`^0x[0-9a-f]{96}$`)

// CheckValidatorDataDir verifies that dataDir has the structure a
// validator client expects to find on restore: an EIP-3076 slashing
// protection record and, for every recognized validator pubkey
// subdirectory, an EIP-2335 keystore and its password. It does not
// flag extraneous files, only missing ones.
func CheckValidatorDataDir(dataDir string) error {
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		return &MissingValidatorData{Reason: "missing validator data directory"}
	}
	if !isFile(filepath.Join(dataDir, "slashing-protection.json")) {
		return &MissingValidatorData{Reason: "missing slashing-protection.json file"}
	}

	validatorsDir := filepath.Join(dataDir, "validators")
	info, err := os.Stat(validatorsDir)
	if err != nil || !info.IsDir() {
		return &MissingValidatorData{Reason: "missing validators directory"}
	}

	entries, err := os.ReadDir(validatorsDir)
	if err != nil {
		return fmt.Errorf("archive: reading %s: %w", validatorsDir, err)
	}
	for _, entry := range entries {
		if !validatorDirName.MatchString(entry.Name()) || !entry.IsDir() {
			continue
		}

		validatorDir := filepath.Join(validatorsDir, entry.Name())
		if !isFile(filepath.Join(validatorDir, "keystore.json")) {
			return &MissingValidatorData{Reason: fmt.Sprintf("missing keystore.json for %s", entry.Name())}
		}
		if !isFile(filepath.Join(validatorDir, "password.txt")) {
			return &MissingValidatorData{Reason: fmt.Sprintf("missing password.txt for %s", entry.Name())}
		}
	}
	return nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// IsMissingValidatorData reports whether err is a MissingValidatorData.
func IsMissingValidatorData(err error) bool {
	var mvd *MissingValidatorData
	return errors.As(err, &mvd)
}
