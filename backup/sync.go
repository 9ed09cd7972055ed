// Package backup implements replicated backup of a validator's
// on-disk state: an encrypted, timestamped archive kept locally and
// mirrored to every configured remote bastion node, with freshest-wins
// recovery on load.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/eth2ops/validator-supervisor/archive"
	"github.com/eth2ops/validator-supervisor/tunnel"
)

// RemotePathFor returns the path on a bastion node's home directory
// where that node's copy of the backup is kept.
func RemotePathFor(filename string) string {
	return filepath.Join("supervisor-backups", filename)
}

// Node is one remote bastion the Sync fans a backup out to, or reads
// one back from.
type Node struct {
	Client tunnel.Client
}

// Sync manages one validator's backup archive: a local file plus a
// mirrored copy on every configured remote node, all sealed with the
// same key.
type Sync struct {
	key            [archive.KeySize]byte
	localPath      string
	remoteFilename string
	nodes          []Node
	now            func() uint32
	logger         hclog.Logger
}

// New returns a Sync keeping the backup at localPath, encrypted with
// key, mirrored by name to every given node's home directory.
func New(key [archive.KeySize]byte, localPath, remoteFilename string, nodes []Node, now func() uint32, logger hclog.Logger) *Sync {
	return &Sync{
		key:            key,
		localPath:      localPath,
		remoteFilename: remoteFilename,
		nodes:          nodes,
		now:            now,
		logger:         logger.Named("backup"),
	}
}

// Load finds the freshest valid backup among the local copy and every
// reachable remote node, promotes it to the local path if it came
// from a remote, and unpacks it into dataDir. It returns false if no
// valid backup could be found anywhere.
func (s *Sync) Load(ctx context.Context, dataDir string) (bool, error) {
	var latest *archive.Archive
	var latestSource string

	if local, ok := s.readLocal(); ok {
		latest = &local
		latestSource = "local"
	}

	for _, node := range s.nodes {
		remote, ok := s.fetchFromNode(ctx, node)
		if !ok {
			continue
		}
		if latest == nil || remote.Timestamp > latest.Timestamp {
			latest = &remote
			latestSource = node.Client.String()
		}
	}

	if latest == nil {
		s.logger.Error("could not find any valid backups")
		return false, nil
	}

	if latestSource != "local" {
		if err := s.writeLocal(*latest); err != nil {
			return false, fmt.Errorf("backup: promoting backup from %s to local: %w", latestSource, err)
		}
	}

	s.logger.Info("loading backup", "source", latestSource, "timestamp", latest.Timestamp)
	if err := os.RemoveAll(dataDir); err != nil {
		return false, fmt.Errorf("backup: clearing %s: %w", dataDir, err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return false, fmt.Errorf("backup: creating %s: %w", dataDir, err)
	}
	if err := archive.Unpack(*latest, dataDir); err != nil {
		return false, fmt.Errorf("backup: unpacking backup: %w", err)
	}
	return true, nil
}

// Save packs dataDir into a fresh archive, writes it locally, and
// fans it out to every configured node. A remote upload failure is
// logged, not returned: Save only fails if the local pack/write
// itself fails.
func (s *Sync) Save(ctx context.Context, dataDir string) error {
	if err := archive.CheckValidatorDataDir(dataDir); err != nil {
		return err
	}

	a, err := archive.Pack(dataDir, s.now)
	if err != nil {
		return fmt.Errorf("backup: packing %s: %w", dataDir, err)
	}
	if err := s.writeLocal(a); err != nil {
		return fmt.Errorf("backup: writing local backup: %w", err)
	}

	var result *multierror.Error
	for _, node := range s.nodes {
		remotePath := RemotePathFor(s.remoteFilename)
		if err := node.Client.CopyToRemote(ctx, s.localPath, remotePath); err != nil {
			s.logger.Warn("failed to upload backup", "node", node.Client.String(), "error", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", node.Client.String(), err))
			continue
		}
		s.logger.Debug("uploaded backup", "node", node.Client.String())
	}
	if result != nil {
		s.logger.Warn("some nodes did not receive the latest backup", "error", result)
	}
	return nil
}

func (s *Sync) readLocal() (archive.Archive, bool) {
	f, err := os.Open(s.localPath)
	if err != nil {
		return archive.Archive{}, false
	}
	defer f.Close()

	a, err := archive.Unlock(s.key, f)
	if err != nil {
		if errors.Is(err, archive.ErrCorruptArchive) {
			s.logger.Error("local backup is corrupt", "path", s.localPath)
		}
		return archive.Archive{}, false
	}
	return a, true
}

func (s *Sync) fetchFromNode(ctx context.Context, node Node) (archive.Archive, bool) {
	tmpPath, err := tempPathNear(s.localPath)
	if err != nil {
		s.logger.Warn("failed to allocate temp path for backup download", "error", err)
		return archive.Archive{}, false
	}
	defer os.Remove(tmpPath)

	remotePath := RemotePathFor(s.remoteFilename)
	if err := node.Client.CopyToLocal(ctx, remotePath, tmpPath); err != nil {
		s.logger.Warn("failed to download backup", "node", node.Client.String(), "error", err)
		return archive.Archive{}, false
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return archive.Archive{}, false
	}
	defer f.Close()

	a, err := archive.Unlock(s.key, f)
	if err != nil {
		s.logger.Warn("backup archive on node is corrupt", "node", node.Client.String())
		return archive.Archive{}, false
	}
	return a, true
}

// writeLocal seals a to a temp file beside localPath, then atomically
// renames it into place so a concurrent reader never observes a
// partially-written backup.
func (s *Sync) writeLocal(a archive.Archive) error {
	tmpPath, err := tempPathNear(s.localPath)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("backup: creating temp file: %w", err)
	}
	if _, err := archive.Lock(s.key, a, f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("backup: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.localPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("backup: renaming temp file into place: %w", err)
	}
	return nil
}

func tempPathNear(path string) (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("backup: generating temp filename: %w", err)
	}
	return fmt.Sprintf("%s.%s.tmp", path, id), nil
}
