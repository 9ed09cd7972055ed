package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

func packTar(rootDir string, dst io.Writer) error {
	xw, err := xz.NewWriter(dst)
	if err != nil {
		return fmt.Errorf("archive: creating xz writer: %w", err)
	}
	tw := tar.NewWriter(xw)

	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return fmt.Errorf("archive: reading %s: %w", rootDir, err)
	}
	for _, entry := range entries {
		if err := addTarEntry(tw, rootDir, entry.Name()); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: closing tar writer: %w", err)
	}
	if err := xw.Close(); err != nil {
		return fmt.Errorf("archive: closing xz writer: %w", err)
	}
	return nil
}

func addTarEntry(tw *tar.Writer, rootDir, relPath string) error {
	fullPath := filepath.Join(rootDir, relPath)
	return filepath.Walk(fullPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(rootDir, path)
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("archive: building tar header for %s: %w", path, err)
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("archive: writing tar header for %s: %w", path, err)
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("archive: opening %s: %w", path, err)
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archive: writing %s into archive: %w", path, err)
		}
		return nil
	})
}

func unpackTar(src io.Reader, dstDir string) error {
	xr, err := xz.NewReader(src)
	if err != nil {
		return fmt.Errorf("%w: invalid xz stream: %v", ErrCorruptArchive, err)
	}
	tr := tar.NewReader(xr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: malformed tar stream: %v", ErrCorruptArchive, err)
		}

		target, err := safeJoin(dstDir, hdr.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("archive: creating %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("archive: creating %s: %w", filepath.Dir(target), err)
			}
			if err := writeTarFile(target, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		default:
			// Symlinks, devices, etc. have no place in validator
			// state; skip rather than fail the whole restore.
			continue
		}
	}
}

func writeTarFile(target string, r io.Reader, mode os.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("archive: creating %s: %w", target, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("archive: writing %s: %w", target, err)
	}
	return nil
}

// safeJoin joins dstDir and name, rejecting any name that would
// escape dstDir via ".." components (a malicious or corrupt archive).
func safeJoin(dstDir, name string) (string, error) {
	target := filepath.Join(dstDir, name)
	rel, err := filepath.Rel(dstDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("tar entry %q escapes destination directory", name)
	}
	return target, nil
}
