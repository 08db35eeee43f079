package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalBackend stores attachments on the local filesystem.
type LocalBackend struct {
	rootPath string
}

// NewLocal creates a local backend rooted at rootPath, creating it if
// missing.
func NewLocal(rootPath string) (*LocalBackend, error) {
	if rootPath == "" {
		return nil, fmt.Errorf("storage root path is required")
	}
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("create root path %s: %w", rootPath, err)
	}
	return &LocalBackend{rootPath: rootPath}, nil
}

func (b *LocalBackend) fullPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(b.rootPath, clean), nil
}

// PutObject writes the object to disk via a temp file and rename so a
// failed upload never leaves a partial object at the final key.
func (b *LocalBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("finalize object: %w", err)
	}
	return nil
}

// GetObject opens the object for reading.
func (b *LocalBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open object: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat object: %w", err)
	}
	return f, info.Size(), nil
}

// DeleteObject removes the object. Deleting a missing object is not an
// error.
func (b *LocalBackend) DeleteObject(ctx context.Context, key string) error {
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }
