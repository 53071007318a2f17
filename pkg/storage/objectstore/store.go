// Package objectstore abstracts the bucket that binary assets and staged
// raw batches are written to. S3 (and S3-compatible stores such as MinIO)
// and Google Cloud Storage are supported, plus an in-memory store.
package objectstore

import (
	"context"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
)

// ErrObjectNotFound is returned by Get for missing keys
var ErrObjectNotFound = errors.New(errors.ErrorTypeNotFound, "object not found")

// Store is a flat key/value object store bound to one bucket
type Store interface {
	// Put writes body under key
	Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
	// Get reads the object at key
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object at key
	Delete(ctx context.Context, key string) error
	// EnsureBucket creates the bucket if it does not exist
	EnsureBucket(ctx context.Context) error
	// Bucket returns the bucket name
	Bucket() string
}

// New creates the store selected by cfg.Provider
func New(ctx context.Context, cfg config.ObjectStoreConfig) (Store, error) {
	switch cfg.Provider {
	case "s3", "":
		return NewS3Store(ctx, cfg)
	case "gcs":
		return NewGCSStore(ctx, cfg)
	case "memory":
		return NewMemoryStore(cfg.Bucket), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown object store provider %q", cfg.Provider)
	}
}
