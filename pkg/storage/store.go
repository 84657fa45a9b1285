// Package storage provides the object store holding parquet partitions and
// commit metadata. Two implementations are available: S3Store on the AWS SDK
// and BlobStore on gocloud.dev bucket URLs (file, mem, s3, gs).
package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lochness-labs/facebook-ingestion/pkg/config"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
)

// ObjectInfo describes one stored object
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// ObjectStore is a key-value blob store with prefix listing
type ObjectStore interface {
	// List returns every object under prefix with its modification time
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Get reads an object; a missing key yields an ErrorTypeNotFound error
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes an object
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Exists reports whether key is present
	Exists(ctx context.Context, key string) (bool, error)
	// URI returns the canonical URI of key
	URI(key string) string
	// Close releases the store
	Close() error
}

// Content types used by the job
const (
	ContentTypeParquet = "application/x-parquet"
	ContentTypeJSON    = "application/json"
)

// Open builds the store selected by the configuration
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (ObjectStore, error) {
	switch cfg.Type {
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:       cfg.Bucket,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
			PartSizeMB:   cfg.UploadPartSizeMB,
			Concurrency:  cfg.UploadConcurrency,
		}, logger)
	case "blob":
		return OpenBlobStore(ctx, cfg.URL, logger)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported storage type %q", cfg.Type)
	}
}

func notFound(key string, cause error) error {
	return errors.Wrap(cause, errors.ErrorTypeNotFound, "object not found").WithDetail("key", key)
}
