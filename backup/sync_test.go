package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/eth2ops/validator-supervisor/archive"
	"github.com/eth2ops/validator-supervisor/tunnel"
)

const testValidatorID = "0x928c6edad1bba366686ff795d0c604a22759e434049e1372ace295c01601f05cb15215d8bdf29681a2d49d208900bfbf"

func writeValidatorDataDir(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slashing-protection.json"), []byte(`{"metadata":{}}`), 0o644))
	validatorDir := filepath.Join(dir, "validators", testValidatorID)
	require.NoError(t, os.MkdirAll(validatorDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(validatorDir, "keystore.json"), []byte(`{"crypto":{}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(validatorDir, "password.txt"), []byte("hunter2"), 0o600))
}

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

// fakeClient is a tunnel.Client whose CopyToLocal/CopyToRemote
// operate against an in-memory file keyed by name, simulating one
// remote node's backup directory without a real SSH connection.
type fakeClient struct {
	name  string
	files map[string][]byte

	failDownload bool
	failUpload   bool
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{name: name, files: map[string][]byte{}}
}

func (c *fakeClient) String() string                                  { return c.name }
func (c *fakeClient) CheckHostKey(ctx context.Context) error           { return nil }
func (c *fakeClient) OpenSession(ctx context.Context, f []tunnel.PortForward) (tunnel.Session, error) {
	return nil, nil
}

func (c *fakeClient) CopyToLocal(ctx context.Context, remotePath, localPath string) error {
	if c.failDownload {
		return os.ErrNotExist
	}
	data, ok := c.files[remotePath]
	if !ok {
		return os.ErrNotExist
	}
	return os.WriteFile(localPath, data, 0o600)
}

func (c *fakeClient) CopyToRemote(ctx context.Context, localPath, remotePath string) error {
	if c.failUpload {
		return os.ErrPermission
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	c.files[remotePath] = data
	return nil
}

var _ tunnel.Client = (*fakeClient)(nil)

func fixedKey() [archive.KeySize]byte {
	var key [archive.KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSync_SaveThenLoad_RoundTrip(t *testing.T) {
	key := fixedKey()
	dir := t.TempDir()
	writeValidatorDataDir(t, dir)

	localPath := filepath.Join(t.TempDir(), "backup.bin")
	node := newFakeClient("node-a")
	s := New(key, localPath, "backup.bin", []Node{{Client: node}}, func() uint32 { return 100 }, testLogger())

	require.NoError(t, s.Save(context.Background(), dir))
	require.FileExists(t, localPath)
	require.Contains(t, node.files, RemotePathFor("backup.bin"))

	restoreDir := t.TempDir()
	require.NoError(t, os.RemoveAll(restoreDir))
	ok, err := s.Load(context.Background(), restoreDir)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := os.ReadFile(filepath.Join(restoreDir, "slashing-protection.json"))
	require.NoError(t, err)
	require.Equal(t, `{"metadata":{}}`, string(got))
}

func TestSync_Load_PrefersFresherRemote(t *testing.T) {
	key := fixedKey()
	dataDir := t.TempDir()
	writeValidatorDataDir(t, dataDir)

	localPath := filepath.Join(t.TempDir(), "backup.bin")

	node := newFakeClient("node-a")
	older := New(key, localPath, "backup.bin", nil, func() uint32 { return 10 }, testLogger())
	require.NoError(t, older.Save(context.Background(), dataDir))

	remoteOnly := New(key, filepath.Join(t.TempDir(), "other.bin"), "backup.bin", nil, func() uint32 { return 500 }, testLogger())
	require.NoError(t, remoteOnly.Save(context.Background(), dataDir))
	data, err := os.ReadFile(remoteOnly.localPath)
	require.NoError(t, err)
	node.files[RemotePathFor("backup.bin")] = data

	s := New(key, localPath, "backup.bin", []Node{{Client: node}}, func() uint32 { return 999 }, testLogger())
	restoreDir := t.TempDir()
	ok, err := s.Load(context.Background(), restoreDir)
	require.NoError(t, err)
	require.True(t, ok)

	promoted, err := archive.Unlock(key, mustOpen(t, localPath))
	require.NoError(t, err)
	require.EqualValues(t, 500, promoted.Timestamp)
}

func TestSync_Load_NoBackupsAnywhere(t *testing.T) {
	key := fixedKey()
	localPath := filepath.Join(t.TempDir(), "backup.bin")
	s := New(key, localPath, "backup.bin", []Node{{Client: newFakeClient("node-a")}}, func() uint32 { return 1 }, testLogger())

	ok, err := s.Load(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSync_Save_RejectsIncompleteValidatorDataDir(t *testing.T) {
	key := fixedKey()
	dataDir := t.TempDir()
	writeValidatorDataDir(t, dataDir)
	require.NoError(t, os.Remove(filepath.Join(dataDir, "slashing-protection.json")))

	localPath := filepath.Join(t.TempDir(), "backup.bin")
	s := New(key, localPath, "backup.bin", []Node{{Client: newFakeClient("node-a")}}, func() uint32 { return 1 }, testLogger())

	err := s.Save(context.Background(), dataDir)
	require.True(t, archive.IsMissingValidatorData(err))
	require.NoFileExists(t, localPath)
}

func TestSync_Save_ContinuesAfterNodeUploadFailure(t *testing.T) {
	key := fixedKey()
	dataDir := t.TempDir()
	writeValidatorDataDir(t, dataDir)

	bad := newFakeClient("node-bad")
	bad.failUpload = true
	good := newFakeClient("node-good")

	localPath := filepath.Join(t.TempDir(), "backup.bin")
	s := New(key, localPath, "backup.bin", []Node{{Client: bad}, {Client: good}}, func() uint32 { return 1 }, testLogger())

	require.NoError(t, s.Save(context.Background(), dataDir))
	require.NotContains(t, bad.files, RemotePathFor("backup.bin"))
	require.Contains(t, good.files, RemotePathFor("backup.bin"))
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}
