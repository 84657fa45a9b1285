// Package sink writes a normalized table as Hive-partitioned parquet files,
// registers the table and its partitions in the catalog and, last, writes
// the commit that advances the watermark.
package sink

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lochness-labs/facebook-ingestion/internal/watermark"
	"github.com/lochness-labs/facebook-ingestion/pkg/catalog"
	"github.com/lochness-labs/facebook-ingestion/pkg/config"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/formats/parquet"
	"github.com/lochness-labs/facebook-ingestion/pkg/metrics"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
	"github.com/lochness-labs/facebook-ingestion/pkg/storage"
)

// Partition columns
const (
	DumpDateColumn  = "dumpdate"
	AccountIDColumn = "account_id"
)

// Result describes one sink call
type Result struct {
	Skipped       bool
	ExecutionTime int64
	Rows          int
	// Columns is the data column order of the written files
	Columns    []string
	Files      []string
	Partitions int
	Bytes      int64
	CommitKey  string
}

// Sink persists tables for one configuration
type Sink struct {
	cfg     *config.Config
	store   storage.ObjectStore
	catalog catalog.Catalog
	commits *watermark.Store
	logger  *zap.Logger

	newName func() string
}

// New creates a sink
func New(cfg *config.Config, store storage.ObjectStore, cat catalog.Catalog, commits *watermark.Store, logger *zap.Logger) *Sink {
	if cat == nil {
		cat = catalog.Noop{}
	}
	return &Sink{
		cfg:     cfg,
		store:   store,
		catalog: cat,
		commits: commits,
		logger:  logger.With(zap.String("component", "sink")),
		newName: func() string { return "part-" + uuid.NewString() + ".parquet" },
	}
}

// TablePrefix is the key prefix holding every file of a scope
func TablePrefix(scope models.Scope) string {
	return fmt.Sprintf("%s/%s/%s/%s/", scope.Zone, scope.Tier, scope.Source, scope.Extraction)
}

type partition struct {
	values []string
	rows   [][]*string
}

// Sink writes table under scope for executionTime. An empty table is
// skipped without a commit. Any write or catalog failure returns before the
// commit, so the watermark only advances over data that is fully stored.
func (s *Sink) Sink(ctx context.Context, table *models.Table, scope models.Scope, executionTime int64) (*Result, error) {
	log := s.logger.With(zap.String("scope", scope.String()), zap.Int64("execution_time", executionTime))

	if table.Len() == 0 {
		log.Info("no rows to sink, skipping")
		return &Result{Skipped: true, ExecutionTime: executionTime}, nil
	}

	partCols := s.cfg.PartitionColumns()
	dataCols := dataColumns(table.Columns, partCols)
	dumpdate := fmt.Sprint(executionTime)

	// group rows by partition values in first-seen order
	var parts []*partition
	index := make(map[string]*partition)
	for _, row := range table.Rows {
		values := make([]string, len(partCols))
		for i, c := range partCols {
			if c == DumpDateColumn {
				values[i] = dumpdate
				continue
			}
			values[i] = models.Text(row[c])
		}
		key := strings.Join(values, "\x00")
		p, ok := index[key]
		if !ok {
			p = &partition{values: values}
			index[key] = p
			parts = append(parts, p)
		}
		p.rows = append(p.rows, textRow(row, dataCols))
	}

	res := &Result{ExecutionTime: executionTime, Rows: table.Len(), Columns: dataCols, Partitions: len(parts)}
	prefix := TablePrefix(scope)
	catalogParts := make([]catalog.Partition, 0, len(parts))

	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := prefix + partitionPath(partCols, p.values)
		data, err := parquet.Encode(dataCols, p.rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "encode parquet").WithDetail("partition", dir)
		}

		key := dir + s.newName()
		if err := s.store.Put(ctx, key, data, storage.ContentTypeParquet); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "write parquet").WithDetail("key", key)
		}
		metrics.SinkBytes.WithLabelValues(string(table.ResourceType)).Add(float64(len(data)))

		res.Files = append(res.Files, key)
		res.Bytes += int64(len(data))
		catalogParts = append(catalogParts, catalog.Partition{Values: p.values, Location: s.store.URI(dir)})
		log.Debug("partition written", zap.String("key", key), zap.Int("rows", len(p.rows)))
	}

	db := s.cfg.CatalogDatabase()
	name := s.cfg.TableName(table.ResourceType)
	merged, err := s.catalog.EnsureTable(ctx, catalog.TableDef{
		Database:      db,
		Name:          name,
		Location:      s.store.URI(prefix),
		Columns:       dataCols,
		PartitionKeys: partCols,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "register table").WithDetail("table", db+"."+name)
	}
	if err := s.catalog.AddPartitions(ctx, db, name, catalogParts); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "register partitions").WithDetail("table", db+"."+name)
	}

	meta := watermark.CommitMetadata{Overview: watermark.Overview{
		ExecutionTime: executionTime,
		BucketName:    s.bucketName(),
		Zone:          scope.Zone,
		Tier:          scope.Tier,
		Extraction:    scope.Extraction,
		NRows:         res.Rows,
		NFields:       len(dataCols),
		Process:       s.cfg.Process,
		Fields:        s.cfg.FieldNames(table.ResourceType),
	}}
	if err := s.commits.Commit(ctx, scope, meta); err != nil {
		return nil, err
	}
	res.CommitKey = watermark.Key(scope, executionTime)

	metrics.Commits.WithLabelValues(string(table.ResourceType)).Inc()
	metrics.LastSuccess.WithLabelValues(string(table.ResourceType)).Set(float64(executionTime))
	log.Info("table sunk",
		zap.Int("rows", res.Rows),
		zap.Int("partitions", res.Partitions),
		zap.Int64("bytes", res.Bytes),
		zap.Int("catalog_columns", len(merged)))
	return res, nil
}

func (s *Sink) bucketName() string {
	if s.cfg.Storage.Bucket != "" {
		return s.cfg.Storage.Bucket
	}
	return s.cfg.Storage.URL
}

// dataColumns drops partition columns from the layout
func dataColumns(columns, partCols []string) []string {
	skip := make(map[string]bool, len(partCols))
	for _, c := range partCols {
		skip[c] = true
	}
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if !skip[c] {
			out = append(out, c)
		}
	}
	return out
}

func textRow(row models.Row, columns []string) []*string {
	out := make([]*string, len(columns))
	for i, c := range columns {
		v := models.Text(row[c])
		out[i] = &v
	}
	return out
}

func partitionPath(cols, values []string) string {
	segs := make([]string, len(cols))
	for i, c := range cols {
		segs[i] = c + "=" + values[i]
	}
	return path.Join(segs...) + "/"
}
