// Package file implements the snapshot backend on a local JSON file with
// crash-safe temp-file-then-rename writes.
package file

import (
	"context"
	"os"
	"path/filepath"
)

// Backend stores the snapshot at <root>/<botName>/jobs.json.
type Backend struct {
	path string
}

// New creates a file backend for the given store root and bot namespace.
func New(root, botName string) *Backend {
	return &Backend{path: filepath.Join(root, botName, "jobs.json")}
}

// Path returns the resolved snapshot path.
func (b *Backend) Path() string { return b.path }

func (b *Backend) Load(_ context.Context) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Save writes to jobs.json.tmp and renames over the real path. Some platforms
// refuse to rename over an existing file; in that case the destination is
// removed once and the rename retried exactly once.
func (b *Backend) Save(_ context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		if rmErr := os.Remove(b.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return err
		}
		return os.Rename(tmp, b.path)
	}
	return nil
}
