// Package parquet writes and reads the text-typed parquet files of the lake.
//
// Every column is a nullable UTF-8 string: the sink coerces values to text
// before writing, so a single physical type keeps appends from different runs
// compatible while the column set evolves.
package parquet

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/lochness-labs/facebook-ingestion/pkg/pool"
)

// DefaultBatchSize is the number of rows buffered per row group batch
const DefaultBatchSize = 10000

// Schema builds the all-string arrow schema of a column list
func Schema(columns []string) *arrow.Schema {
	fields := make([]arrow.Field, len(columns))
	for i, c := range columns {
		fields[i] = arrow.Field{Name: c, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// Writer streams string rows into a snappy-compressed parquet file
type Writer struct {
	schema        *arrow.Schema
	fileWriter    *pqarrow.FileWriter
	recordBuilder *array.RecordBuilder
	batchSize     int
	currentBatch  int
	rowsWritten   int64
}

// NewWriter creates a writer for the given column order
func NewWriter(w io.Writer, columns []string) (*Writer, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("parquet writer needs at least one column")
	}

	schema := Schema(columns)
	pool := memory.NewGoAllocator()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithAllocator(pool),
		pqarrow.WithStoreSchema(),
	)

	fw, err := pqarrow.NewFileWriter(schema, w, props, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	return &Writer{
		schema:        schema,
		fileWriter:    fw,
		recordBuilder: array.NewRecordBuilder(pool, schema),
		batchSize:     DefaultBatchSize,
	}, nil
}

// WriteRow appends one row; values are in column order and nil means null
func (pw *Writer) WriteRow(values []*string) error {
	if len(values) != len(pw.schema.Fields()) {
		return fmt.Errorf("row has %d values, schema has %d columns", len(values), len(pw.schema.Fields()))
	}

	for i, v := range values {
		b := pw.recordBuilder.Field(i).(*array.StringBuilder)
		if v == nil {
			b.AppendNull()
			continue
		}
		b.Append(*v)
	}

	pw.currentBatch++
	if pw.currentBatch >= pw.batchSize {
		return pw.flushBatch()
	}
	return nil
}

// RowsWritten returns the number of rows flushed so far
func (pw *Writer) RowsWritten() int64 {
	return pw.rowsWritten
}

// Close flushes buffered rows and writes the file footer
func (pw *Writer) Close() error {
	defer pw.recordBuilder.Release()

	if err := pw.flushBatch(); err != nil {
		return err
	}
	if err := pw.fileWriter.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

func (pw *Writer) flushBatch() error {
	if pw.currentBatch == 0 {
		return nil
	}

	record := pw.recordBuilder.NewRecord()
	defer record.Release()

	if err := pw.fileWriter.WriteBuffered(record); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}

	pw.rowsWritten += int64(pw.currentBatch)
	pw.currentBatch = 0
	return nil
}

// Encode writes a complete file of text rows into memory
func Encode(columns []string, rows [][]*string) ([]byte, error) {
	buf := pool.Buffers.Get()
	defer pool.Buffers.Put(buf)

	w, err := NewWriter(buf, columns)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.WriteRow(r); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Columns returns the column names stored in a parquet file
func Columns(data []byte) ([]string, error) {
	fr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer fr.Close()

	arrowReader, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader: %w", err)
	}
	schema, err := arrowReader.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get arrow schema: %w", err)
	}

	names := make([]string, 0, len(schema.Fields()))
	for _, f := range schema.Fields() {
		names = append(names, f.Name)
	}
	return names, nil
}

// ReadRows reads a file back as rows keyed by column name. Requested columns
// the file does not contain read as nil, which lets files written before a
// schema change be read with the current column list. An empty column list
// returns every column of the file.
func ReadRows(ctx context.Context, data []byte, columns []string) ([]map[string]any, error) {
	fr, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer fr.Close()

	pool := memory.NewGoAllocator()
	arrowReader, err := pqarrow.NewFileReader(fr, pqarrow.ArrowReadProperties{}, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow reader: %w", err)
	}

	tbl, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet table: %w", err)
	}
	defer tbl.Release()

	schema := tbl.Schema()
	if len(columns) == 0 {
		for _, f := range schema.Fields() {
			columns = append(columns, f.Name)
		}
	}

	out := make([]map[string]any, 0, tbl.NumRows())
	tr := array.NewTableReader(tbl, -1)
	defer tr.Release()

	for tr.Next() {
		rec := tr.Record()
		idx := make(map[string]arrow.Array, rec.NumCols())
		for i := 0; i < int(rec.NumCols()); i++ {
			idx[rec.ColumnName(i)] = rec.Column(i)
		}

		for r := 0; r < int(rec.NumRows()); r++ {
			row := make(map[string]any, len(columns))
			for _, c := range columns {
				col, ok := idx[c]
				if !ok || col.IsNull(r) {
					row[c] = nil
					continue
				}
				row[c] = columnValue(col, r)
			}
			out = append(out, row)
		}
	}
	return out, nil
}

func columnValue(col arrow.Array, row int) any {
	switch c := col.(type) {
	case *array.String:
		return c.Value(row)
	case *array.LargeString:
		return c.Value(row)
	case *array.Binary:
		return string(c.Value(row))
	default:
		return col.ValueStr(row)
	}
}
