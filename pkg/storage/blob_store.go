package storage

import (
	"context"
	"io"
	"strings"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"

	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
)

// BlobStore stores objects in any gocloud.dev bucket
type BlobStore struct {
	bucket *blob.Bucket
	url    string
	logger *zap.Logger
}

// OpenBlobStore opens a bucket URL such as file:///tmp/lake, mem:// or gs://bucket
func OpenBlobStore(ctx context.Context, url string, logger *zap.Logger) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "open bucket %s", url)
	}
	return NewBlobStore(bucket, url, logger), nil
}

// NewBlobStore wraps an already opened bucket
func NewBlobStore(bucket *blob.Bucket, url string, logger *zap.Logger) *BlobStore {
	return &BlobStore{
		bucket: bucket,
		url:    strings.TrimSuffix(url, "/"),
		logger: logger.With(zap.String("component", "blob_store")),
	}
}

// List returns all objects under prefix
func (s *BlobStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "list %s", prefix)
		}
		if obj.IsDir {
			continue
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, ModTime: obj.ModTime})
	}

	return out, nil
}

// Get reads an object
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, notFound(key, err)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "read %s", key)
	}
	return data, nil
}

// Put writes an object
func (s *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType}); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeStorage, "write %s", key)
	}
	s.logger.Debug("object written", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Exists reports whether key is present
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, errors.ErrorTypeStorage, "exists %s", key)
	}
	return ok, nil
}

// URI returns the bucket URL joined with key
func (s *BlobStore) URI(key string) string {
	return s.url + "/" + key
}

// Close releases the bucket
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ ObjectStore = (*BlobStore)(nil)
