// Package testutil provides testing utilities shared by package tests
package testutil

import (
	"testing"

	"go.uber.org/zap/zaptest"
	"gocloud.dev/blob/memblob"

	"github.com/lochness-labs/facebook-ingestion/pkg/storage"
)

// MemStore returns an in-memory object store closed with the test
func MemStore(t *testing.T) *storage.BlobStore {
	t.Helper()
	s := storage.NewBlobStore(memblob.OpenBucket(nil), "mem://", zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })
	return s
}
