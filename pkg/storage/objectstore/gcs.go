package objectstore

import (
	"context"
	stderrors "errors"
	"io"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
)

// GCSStore stores objects in a Google Cloud Storage bucket
type GCSStore struct {
	client    *storage.Client
	bucket    *storage.BucketHandle
	name      string
	projectID string
	logger    *zap.Logger
}

// NewGCSStore creates a GCS store
func NewGCSStore(ctx context.Context, cfg config.ObjectStoreConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create GCS client")
	}

	return &GCSStore{
		client:    client,
		bucket:    client.Bucket(cfg.Bucket),
		name:      cfg.Bucket,
		projectID: cfg.ProjectID,
		logger:    logger.Get().With(zap.String("component", "gcs_store"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Bucket implements Store
func (g *GCSStore) Bucket() string { return g.name }

// Put implements Store
func (g *GCSStore) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	writer := g.bucket.Object(key).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = metadata

	if _, err := writer.Write(body); err != nil {
		_ = writer.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write to GCS").WithDetail("key", key)
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close GCS writer").WithDetail("key", key)
	}
	return nil
}

// Get implements Store
func (g *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotExist) {
			return nil, errors.Wrap(ErrObjectNotFound, errors.ErrorTypeNotFound, key)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open GCS object").WithDetail("key", key)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read GCS object").WithDetail("key", key)
	}
	return data, nil
}

// Delete implements Store
func (g *GCSStore) Delete(ctx context.Context, key string) error {
	if err := g.bucket.Object(key).Delete(ctx); err != nil && !stderrors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to delete GCS object").WithDetail("key", key)
	}
	return nil
}

// EnsureBucket implements Store
func (g *GCSStore) EnsureBucket(ctx context.Context) error {
	_, err := g.bucket.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !stderrors.Is(err, storage.ErrBucketNotExist) {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to access bucket")
	}
	if g.projectID == "" {
		return errors.New(errors.ErrorTypeConfig, "object_store.project_id is required to create a GCS bucket")
	}
	if err := g.bucket.Create(ctx, g.projectID, nil); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create bucket")
	}
	g.logger.Info("created GCS bucket")
	return nil
}

// Close releases the client
func (g *GCSStore) Close() error {
	return g.client.Close()
}
