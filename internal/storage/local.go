package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Local archives artifacts to a directory on disk. Mostly for development.
type Local struct {
	dir string
}

// NewLocal builds a Local provider rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir %s: %w", dir, err)
	}
	return &Local{dir: dir}, nil
}

// Save writes data to <dir>/<name>, creating parent directories as needed.
func (l *Local) Save(ctx context.Context, name string, data []byte) error {
	path := filepath.Join(l.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	return nil
}

// Close is a no-op for local storage.
func (l *Local) Close() error {
	return nil
}
