// Package watermark resolves and commits the incremental sync watermark of a
// scope. A commit is a metadata object written after the data of a run; the
// newest one is the watermark of the next run.
package watermark

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
	"github.com/lochness-labs/facebook-ingestion/pkg/storage"
)

const metadataFile = "metadata.json"

// Overview is the body of a commit
type Overview struct {
	ExecutionTime int64    `json:"execution_time"`
	BucketName    string   `json:"bucket_name"`
	Zone          string   `json:"zone"`
	Tier          string   `json:"tier"`
	Extraction    string   `json:"extraction"`
	NRows         int      `json:"n_rows"`
	NFields       int      `json:"n_fields"`
	Process       string   `json:"process"`
	Fields        []string `json:"fields"`
}

// CommitMetadata is the document stored at a commit key
type CommitMetadata struct {
	Overview Overview `json:"Execution Overview"`
}

// Store reads and writes commits in an object store
type Store struct {
	objects storage.ObjectStore
	logger  *zap.Logger
}

// NewStore creates a watermark store
func NewStore(objects storage.ObjectStore, logger *zap.Logger) *Store {
	return &Store{
		objects: objects,
		logger:  logger.With(zap.String("component", "watermark")),
	}
}

// Prefix is the key prefix holding every commit of a scope
func Prefix(scope models.Scope) string {
	return fmt.Sprintf("metadata/%s/%s/%s/%s/", scope.Zone, scope.Tier, scope.Source, scope.Extraction)
}

// Key is the commit key of one execution
func Key(scope models.Scope, executionTime int64) string {
	return fmt.Sprintf("%sdumpdate=%d/%s", Prefix(scope), executionTime, metadataFile)
}

// Resolve returns the execution_time of the newest commit. Without a usable
// commit it returns defaultEpoch and reports a first run. Storage failures
// are returned rather than treated as a first run.
func (s *Store) Resolve(ctx context.Context, scope models.Scope, defaultEpoch int64) (int64, bool, error) {
	objects, err := s.objects.List(ctx, Prefix(scope))
	if err != nil {
		return 0, false, errors.Wrap(err, errors.ErrorTypeStorage, "list commits").
			WithDetail("scope", scope.String())
	}

	var newest *storage.ObjectInfo
	for i := range objects {
		o := &objects[i]
		if !strings.HasSuffix(o.Key, "/"+metadataFile) {
			continue
		}
		if newest == nil || o.ModTime.After(newest.ModTime) ||
			(o.ModTime.Equal(newest.ModTime) && o.Key > newest.Key) {
			newest = o
		}
	}
	if newest == nil {
		s.logger.Info("no commit found, using default epoch",
			zap.String("scope", scope.String()),
			zap.Int64("epoch", defaultEpoch))
		return defaultEpoch, true, nil
	}

	data, err := s.objects.Get(ctx, newest.Key)
	if err != nil {
		if errors.HasType(err, errors.ErrorTypeNotFound) {
			return defaultEpoch, true, nil
		}
		return 0, false, errors.Wrap(err, errors.ErrorTypeStorage, "read commit").
			WithDetail("key", newest.Key)
	}

	epoch, ok := parseExecutionTime(data)
	if !ok {
		s.logger.Warn("commit has no usable execution_time, using default epoch",
			zap.String("key", newest.Key),
			zap.Int64("epoch", defaultEpoch))
		return defaultEpoch, true, nil
	}

	s.logger.Info("resolved watermark",
		zap.String("scope", scope.String()),
		zap.String("key", newest.Key),
		zap.Int64("epoch", epoch))
	return epoch, false, nil
}

// Commit writes the metadata of a finished execution. Commits are immutable:
// an existing key is a conflict.
func (s *Store) Commit(ctx context.Context, scope models.Scope, meta CommitMetadata) error {
	key := Key(scope, meta.Overview.ExecutionTime)

	exists, err := s.objects.Exists(ctx, key)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "check commit").WithDetail("key", key)
	}
	if exists {
		return errors.New(errors.ErrorTypeConflict, "commit already exists").WithDetail("key", key)
	}

	body, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encode commit")
	}
	if err := s.objects.Put(ctx, key, body, storage.ContentTypeJSON); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "write commit").WithDetail("key", key)
	}

	s.logger.Info("commit written",
		zap.String("uri", s.objects.URI(key)),
		zap.Int("rows", meta.Overview.NRows))
	return nil
}

// parseExecutionTime accepts a JSON number or a numeric string
func parseExecutionTime(data []byte) (int64, bool) {
	var doc struct {
		Overview struct {
			ExecutionTime any `json:"execution_time"`
		} `json:"Execution Overview"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return 0, false
	}

	raw := strings.TrimSpace(models.Text(doc.Overview.ExecutionTime))
	if raw == "" {
		return 0, false
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}
