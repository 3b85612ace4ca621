package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps the cold library on a mounted filesystem.
type LocalStore struct {
	root string
	mv   mover
}

// NewLocalStore refuses to offload unless headroom bytes stay free after a copy.
func NewLocalStore(root string, headroom uint64) *LocalStore {
	mv := newMover()
	mv.headroom = headroom
	return &LocalStore{root: filepath.Clean(root), mv: mv}
}

func (s *LocalStore) Name() string { return "local" }

// path resolves key under the root and rejects keys that climb out of it.
func (s *LocalStore) path(key string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(strings.Trim(key, "/")))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return p, nil
}

func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *LocalStore) Offload(ctx context.Context, srcDir, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := s.mv.move(srcDir, dst); err != nil {
		return "", fmt.Errorf("offload to %s: %w", dst, err)
	}
	return dst, nil
}

func (s *LocalStore) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	base, err := s.path(prefix)
	if err != nil {
		return nil, err
	}
	var objects []ObjectInfo
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		modified := info.ModTime()
		objects = append(objects, ObjectInfo{Key: filepath.ToSlash(rel), Size: info.Size(), LastModified: &modified})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return objects, nil
}

var (
	_ ColdStore    = (*LocalStore)(nil)
	_ ObjectLister = (*LocalStore)(nil)
)
