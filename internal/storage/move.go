package storage

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrInsufficientSpace is returned when a copy would not fit on the destination.
var ErrInsufficientSpace = errors.New("insufficient free space")

// mover relocates a directory tree: an atomic rename when source and
// destination share a filesystem, else a verified copy followed by removal
// of the source.
type mover struct {
	rename    func(oldpath, newpath string) error
	freeSpace func(path string) (uint64, error)
	headroom  uint64
}

func newMover() mover {
	return mover{rename: os.Rename, freeSpace: freeSpace}
}

func (m mover) move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("destination %s already exists", dst)
	}

	err := m.rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return fmt.Errorf("rename: %w", err)
	}

	size, err := treeSize(src)
	if err != nil {
		return fmt.Errorf("measure source: %w", err)
	}
	free, err := m.freeSpace(filepath.Dir(dst))
	switch {
	case errors.Is(err, errFreeSpaceUnsupported):
	case err != nil:
		return fmt.Errorf("check free space: %w", err)
	case uint64(size)+m.headroom > free:
		return fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, uint64(size)+m.headroom, free)
	}

	if err := copyTree(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return err
	}
	if err := os.RemoveAll(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

func treeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

// copyFile copies src to dst and re-reads dst to check its SHA-256 matches
// what was read from src.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	srcHash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, srcHash), in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy file: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync destination: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}

	dstSum, err := fileSHA256(dst)
	if err != nil {
		return fmt.Errorf("hash destination: %w", err)
	}
	if !bytes.Equal(dstSum, srcHash.Sum(nil)) {
		return fmt.Errorf("checksum mismatch copying %s", src)
	}
	return nil
}

func fileSHA256(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
