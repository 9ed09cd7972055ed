package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testValidatorID = "0x928c6edad1bba366686ff795d0c604a22759e434049e1372ace295c01601f05cb15215d8bdf29681a2d49d208900bfbf"

// writeValidatorDataDir builds a minimal, structurally valid validator
// state directory, the shape CheckValidatorDataDir expects.
func writeValidatorDataDir(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slashing-protection.json"), []byte(`{"metadata":{}}`), 0o644))

	validatorDir := filepath.Join(dir, "validators", testValidatorID)
	require.NoError(t, os.MkdirAll(validatorDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(validatorDir, "keystore.json"), []byte(`{"crypto":{}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(validatorDir, "password.txt"), []byte("hunter2"), 0o600))
}

func fixedNow() uint32 { return 1234 }

func TestPack_Timestamp(t *testing.T) {
	dir := t.TempDir()
	writeValidatorDataDir(t, dir)

	a, err := Pack(dir, func() uint32 { return 42 })
	require.NoError(t, err)
	require.EqualValues(t, 42, a.Timestamp)
}

// TestPackLockUnlockUnpack_ArbitraryDir exercises the archive
// invariant on a directory that does not look like a validator state
// directory at all (spec scenario 1): Pack is layout-independent,
// only a caller that needs the validator-data shape guarantee (see
// backup.Sync.Save) checks it first.
func TestPackLockUnlockUnpack_ArbitraryDir(t *testing.T) {
	before := fixedNow()
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "hello.txt"), []byte("hello world"), 0o644))

	a, err := Pack(srcDir, func() uint32 { return before })
	require.NoError(t, err)
	require.EqualValues(t, before, a.Timestamp)

	var key [KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x11}, KeySize))

	var locked bytes.Buffer
	_, err = Lock(key, a, &locked)
	require.NoError(t, err)

	unlocked, err := Unlock(key, bytes.NewReader(locked.Bytes()))
	require.NoError(t, err)
	require.Equal(t, a.Timestamp, unlocked.Timestamp)

	dstDir := t.TempDir()
	require.NoError(t, Unpack(unlocked, dstDir))

	got, err := os.ReadFile(filepath.Join(dstDir, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	writeValidatorDataDir(t, srcDir)

	a, err := Pack(srcDir, fixedNow)
	require.NoError(t, err)

	dstDir := t.TempDir()
	require.NoError(t, Unpack(a, dstDir))

	got, err := os.ReadFile(filepath.Join(dstDir, "slashing-protection.json"))
	require.NoError(t, err)
	require.Equal(t, `{"metadata":{}}`, string(got))

	got, err = os.ReadFile(filepath.Join(dstDir, "validators", testValidatorID, "keystore.json"))
	require.NoError(t, err)
	require.Equal(t, `{"crypto":{}}`, string(got))
}

func TestPackLockUnlockUnpack_RoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	writeValidatorDataDir(t, srcDir)

	a, err := Pack(srcDir, fixedNow)
	require.NoError(t, err)

	var key [KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, KeySize))

	var locked bytes.Buffer
	_, err = Lock(key, a, &locked)
	require.NoError(t, err)

	unlocked, err := Unlock(key, bytes.NewReader(locked.Bytes()))
	require.NoError(t, err)
	require.Equal(t, a.Timestamp, unlocked.Timestamp)

	dstDir := t.TempDir()
	require.NoError(t, Unpack(unlocked, dstDir))
	got, err := os.ReadFile(filepath.Join(dstDir, "validators", testValidatorID, "password.txt"))
	require.NoError(t, err)
	require.Equal(t, "hunter2", string(got))
}

func TestUnlock_WrongKey(t *testing.T) {
	srcDir := t.TempDir()
	writeValidatorDataDir(t, srcDir)

	a, err := Pack(srcDir, fixedNow)
	require.NoError(t, err)

	var key, wrongKey [KeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, KeySize))
	copy(wrongKey[:], bytes.Repeat([]byte{0x43}, KeySize))

	var locked bytes.Buffer
	_, err = Lock(key, a, &locked)
	require.NoError(t, err)

	_, err = Unlock(wrongKey, bytes.NewReader(locked.Bytes()))
	require.ErrorIs(t, err, ErrCorruptArchive)
}

func TestUnlock_Truncated(t *testing.T) {
	var key [KeySize]byte
	_, err := Unlock(key, bytes.NewReader([]byte("short")))
	require.ErrorIs(t, err, ErrCorruptArchive)
}

func TestCheckValidatorDataDir_Valid(t *testing.T) {
	dir := t.TempDir()
	writeValidatorDataDir(t, dir)
	require.NoError(t, CheckValidatorDataDir(dir))
}

func TestCheckValidatorDataDir_MissingDir(t *testing.T) {
	err := CheckValidatorDataDir(filepath.Join(t.TempDir(), "nonexistent"))
	require.True(t, IsMissingValidatorData(err))
}

func TestCheckValidatorDataDir_MissingSlashingProtection(t *testing.T) {
	dir := t.TempDir()
	writeValidatorDataDir(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, "slashing-protection.json")))

	err := CheckValidatorDataDir(dir)
	require.True(t, IsMissingValidatorData(err))
}

func TestCheckValidatorDataDir_MissingValidatorsDir(t *testing.T) {
	dir := t.TempDir()
	writeValidatorDataDir(t, dir)
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "validators")))

	err := CheckValidatorDataDir(dir)
	require.True(t, IsMissingValidatorData(err))
}

func TestCheckValidatorDataDir_MissingKeystore(t *testing.T) {
	dir := t.TempDir()
	writeValidatorDataDir(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, "validators", testValidatorID, "keystore.json")))

	err := CheckValidatorDataDir(dir)
	require.True(t, IsMissingValidatorData(err))
}

func TestCheckValidatorDataDir_MissingPassword(t *testing.T) {
	dir := t.TempDir()
	writeValidatorDataDir(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, "validators", testValidatorID, "password.txt")))

	err := CheckValidatorDataDir(dir)
	require.True(t, IsMissingValidatorData(err))
}

func TestCheckValidatorDataDir_IgnoresNonMatchingEntries(t *testing.T) {
	dir := t.TempDir()
	writeValidatorDataDir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "validators", "not-a-pubkey"), []byte("x"), 0o644))

	require.NoError(t, CheckValidatorDataDir(dir))
}
