// Package storage provides attachment blob storage behind a Backend
// interface, with local filesystem and S3 implementations.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/neonforge/neonforge/internal/config"
)

// Backend is the interface for attachment storage. Attachment metadata
// (owner, name, mime type) lives in Postgres; backends handle raw bytes
// only.
type Backend interface {
	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// GetObject retrieves an object by key.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// DeleteObject removes an object by key.
	DeleteObject(ctx context.Context, key string) error

	// Type returns the backend type identifier ("s3", "local").
	Type() string
}

// NewFromConfig creates the Backend selected by configuration.
func NewFromConfig(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return NewS3(ctx, S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	case "local":
		return NewLocal(cfg.LocalStoragePath)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}
