package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemKV persists documents as files under a base directory. Keys map
// directly to relative paths, so the repository's nested key layout becomes
// a directory tree. Writes go through a temp file and rename so a crash
// never leaves a half-written record.
type FilesystemKV struct {
	basePath string
}

// NewFilesystemKV creates a filesystem backend rooted at basePath,
// creating the directory if needed.
func NewFilesystemKV(basePath string) (*FilesystemKV, error) {
	if basePath == "" {
		return nil, fmt.Errorf("%w: base path is required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FilesystemKV{basePath: basePath}, nil
}

// NewFilesystemRepo is a convenience constructor for a filesystem-backed
// Repository.
func NewFilesystemRepo(basePath string) (*Repo, error) {
	kv, err := NewFilesystemKV(basePath)
	if err != nil {
		return nil, err
	}
	return NewRepo(kv), nil
}

func (f *FilesystemKV) path(key string) string {
	return filepath.Join(f.basePath, filepath.FromSlash(key))
}

// Put writes value to the file for key.
func (f *FilesystemKV) Put(ctx context.Context, key string, value []byte) error {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

// Get reads the file for key.
func (f *FilesystemKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the file for key.
func (f *FilesystemKV) Delete(ctx context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// List walks the tree under prefix and returns the stored keys.
func (f *FilesystemKV) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(f.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Close is a no-op for the filesystem backend.
func (f *FilesystemKV) Close() error {
	return nil
}
