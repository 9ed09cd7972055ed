package vault

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randSalt(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	return buf, err
}

func TestGenerateOpen_RoundTrip(t *testing.T) {
	desc, root, err := Generate("hunter2", AlgoWeak, randSalt)
	require.NoError(t, err)

	opened, err := desc.Open("hunter2")
	require.NoError(t, err)
	require.Equal(t, root, opened)
}

func TestOpen_IncorrectPassword(t *testing.T) {
	desc, _, err := Generate("hunter2", AlgoWeak, randSalt)
	require.NoError(t, err)

	_, err = desc.Open("wrong password")
	require.ErrorIs(t, err, ErrIncorrectPassword)
}

func TestCheck_MatchesGeneratedKey(t *testing.T) {
	desc, root, err := Generate("hunter2", AlgoWeak, randSalt)
	require.NoError(t, err)

	var raw [RootKeySize]byte
	copy(raw[:], root.data[:])

	checked, ok := desc.Check(raw[:])
	require.True(t, ok)
	require.Equal(t, root, checked)
}

func TestCheck_RejectsWrongKey(t *testing.T) {
	desc, _, err := Generate("hunter2", AlgoWeak, randSalt)
	require.NoError(t, err)

	wrong := make([]byte, RootKeySize)
	_, ok := desc.Check(wrong)
	require.False(t, ok)
}

func TestDerive_Deterministic(t *testing.T) {
	_, root, err := Generate("hunter2", AlgoWeak, randSalt)
	require.NoError(t, err)

	a := root.Derive([]byte("BACKUP KEY"), 32)
	b := root.Derive([]byte("BACKUP KEY"), 32)
	require.Equal(t, a, b)

	c := root.Derive([]byte("OTHER TAG"), 32)
	require.NotEqual(t, a, c)
}

func TestDeriveBackupKey_DistinctFromRootKey(t *testing.T) {
	_, root, err := Generate("hunter2", AlgoWeak, randSalt)
	require.NoError(t, err)

	backupKey := root.DeriveBackupKey()
	require.NotEqual(t, root.data[:], backupKey[:RootKeySize])
}

func TestOpen_InvalidSalt(t *testing.T) {
	desc, _, err := Generate("hunter2", AlgoWeak, randSalt)
	require.NoError(t, err)
	desc.Salt = desc.Salt[:4]

	_, err = desc.Open("hunter2")
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestGenerate_UnknownAlgo(t *testing.T) {
	_, _, err := Generate("hunter2", Algo("bogus"), randSalt)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}
