// Package catalog registers lake tables and their Hive partitions so query
// engines can read them. Column sets only grow: new columns are appended and
// existing ones keep their position.
package catalog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lochness-labs/facebook-ingestion/pkg/config"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
)

// TableDef describes a parquet table stored under Location
type TableDef struct {
	Database      string
	Name          string
	Location      string
	Columns       []string
	PartitionKeys []string
}

// Partition is one Hive partition of a table
type Partition struct {
	Values   []string
	Location string
}

// Catalog is a table and partition registry
type Catalog interface {
	// EnsureTable creates the table or merges new columns into it and
	// returns the resulting column order
	EnsureTable(ctx context.Context, def TableDef) ([]string, error)
	// AddPartitions registers partitions; already registered ones are ignored
	AddPartitions(ctx context.Context, database, table string, parts []Partition) error
}

// Open builds the catalog selected by the configuration
func Open(ctx context.Context, cfg config.CatalogConfig, logger *zap.Logger) (Catalog, error) {
	switch cfg.Type {
	case "glue":
		return NewGlueCatalog(ctx, cfg.Region, logger)
	case "memory":
		return NewMemoryCatalog(), nil
	case "none", "":
		return Noop{}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported catalog type %q", cfg.Type)
	}
}

// MergeColumns appends to existing every incoming column it lacks
func MergeColumns(existing, incoming []string) []string {
	out := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, c := range existing {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, c := range incoming {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Noop discards every registration
type Noop struct{}

func (Noop) EnsureTable(_ context.Context, def TableDef) ([]string, error) {
	return def.Columns, nil
}

func (Noop) AddPartitions(context.Context, string, string, []Partition) error { return nil }

// MemoryCatalog keeps tables in memory
type MemoryCatalog struct {
	mu     sync.Mutex
	tables map[string]*memoryTable
}

type memoryTable struct {
	def        TableDef
	partitions map[string]Partition
	order      []string
}

// NewMemoryCatalog creates an empty in-memory catalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{tables: make(map[string]*memoryTable)}
}

func (m *MemoryCatalog) EnsureTable(_ context.Context, def TableDef) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := def.Database + "." + def.Name
	t, ok := m.tables[key]
	if !ok {
		def.Columns = MergeColumns(nil, def.Columns)
		m.tables[key] = &memoryTable{def: def, partitions: make(map[string]Partition)}
		return append([]string(nil), def.Columns...), nil
	}

	t.def.Columns = MergeColumns(t.def.Columns, def.Columns)
	return append([]string(nil), t.def.Columns...), nil
}

func (m *MemoryCatalog) AddPartitions(_ context.Context, database, table string, parts []Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[database+"."+table]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "table %s.%s not found", database, table)
	}
	for _, p := range parts {
		k := partitionKey(p.Values)
		if _, exists := t.partitions[k]; exists {
			continue
		}
		t.partitions[k] = p
		t.order = append(t.order, k)
	}
	return nil
}

// Table returns a copy of a registered table definition
func (m *MemoryCatalog) Table(database, table string) (TableDef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[database+"."+table]
	if !ok {
		return TableDef{}, false
	}
	def := t.def
	def.Columns = append([]string(nil), t.def.Columns...)
	return def, true
}

// Partitions returns registered partitions in insertion order
func (m *MemoryCatalog) Partitions(database, table string) []Partition {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[database+"."+table]
	if !ok {
		return nil
	}
	out := make([]Partition, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.partitions[k])
	}
	return out
}

func partitionKey(values []string) string {
	k := ""
	for i, v := range values {
		if i > 0 {
			k += "\x00"
		}
		k += v
	}
	return k
}

var (
	_ Catalog = Noop{}
	_ Catalog = (*MemoryCatalog)(nil)
)
