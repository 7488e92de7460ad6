package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage reads and writes files under a root directory. Absolute
// paths bypass the root.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates local storage rooted at root ("." when empty).
func NewLocalStorage(root string) *LocalStorage {
	if root == "" {
		root = "."
	}
	return &LocalStorage{root: root}
}

// Open implements Storage.
func (s *LocalStorage) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	f, err := os.Open(s.resolve(location))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", location, err)
	}
	return f, nil
}

// Create implements Storage. Missing parent directories are created.
func (s *LocalStorage) Create(ctx context.Context, location string) (io.WriteCloser, error) {
	path := s.resolve(location)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", location, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", location, err)
	}
	return f, nil
}

func (s *LocalStorage) resolve(location string) string {
	if filepath.IsAbs(location) {
		return location
	}
	return filepath.Join(s.root, location)
}
