package catalog

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lochness-labs/facebook-ingestion/pkg/config"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
)

func TestMergeColumns(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		incoming []string
		want     []string
	}{
		{"empty", nil, []string{"a", "b"}, []string{"a", "b"}},
		{"same", []string{"a", "b"}, []string{"b", "a"}, []string{"a", "b"}},
		{"append new", []string{"a", "b"}, []string{"c", "a", "d"}, []string{"a", "b", "c", "d"}},
		{"dedupe incoming", nil, []string{"a", "a"}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeColumns(tt.existing, tt.incoming))
		})
	}
}

func TestMemoryCatalog_SchemaEvolution(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()

	cols, err := c.EnsureTable(ctx, TableDef{Database: "raw", Name: "t_facebook_ad_v1", Columns: []string{"id", "name"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, cols)

	cols, err = c.EnsureTable(ctx, TableDef{Database: "raw", Name: "t_facebook_ad_v1", Columns: []string{"status", "id"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "status"}, cols)

	require.NoError(t, c.AddPartitions(ctx, "raw", "t_facebook_ad_v1", []Partition{
		{Values: []string{"100"}, Location: "s3://b/x/dumpdate=100/"},
		{Values: []string{"100"}, Location: "s3://b/x/dumpdate=100/"},
	}))
	assert.Len(t, c.Partitions("raw", "t_facebook_ad_v1"), 1)

	err = c.AddPartitions(ctx, "raw", "missing", []Partition{{Values: []string{"1"}}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

type fakeGlue struct {
	table      *types.Table
	created    *glue.CreateTableInput
	updated    *glue.UpdateTableInput
	partitions [][]types.PartitionInput
	partErrs   []types.PartitionError
}

func (f *fakeGlue) GetTable(_ context.Context, in *glue.GetTableInput, _ ...func(*glue.Options)) (*glue.GetTableOutput, error) {
	if f.table == nil {
		return nil, &types.EntityNotFoundException{Message: aws.String("no table")}
	}
	return &glue.GetTableOutput{Table: f.table}, nil
}

func (f *fakeGlue) CreateTable(_ context.Context, in *glue.CreateTableInput, _ ...func(*glue.Options)) (*glue.CreateTableOutput, error) {
	f.created = in
	return &glue.CreateTableOutput{}, nil
}

func (f *fakeGlue) UpdateTable(_ context.Context, in *glue.UpdateTableInput, _ ...func(*glue.Options)) (*glue.UpdateTableOutput, error) {
	f.updated = in
	return &glue.UpdateTableOutput{}, nil
}

func (f *fakeGlue) BatchCreatePartition(_ context.Context, in *glue.BatchCreatePartitionInput, _ ...func(*glue.Options)) (*glue.BatchCreatePartitionOutput, error) {
	f.partitions = append(f.partitions, in.PartitionInputList)
	return &glue.BatchCreatePartitionOutput{Errors: f.partErrs}, nil
}

func columnNames(cols []types.Column) []string {
	var out []string
	for _, c := range cols {
		out = append(out, aws.ToString(c.Name))
	}
	return out
}

func TestGlueCatalog_CreatesMissingTable(t *testing.T) {
	fg := &fakeGlue{}
	c := NewGlueCatalogFromClient(fg, zaptest.NewLogger(t))

	cols, err := c.EnsureTable(context.Background(), TableDef{
		Database:      "raw",
		Name:          "t_facebook_ad_v1",
		Location:      "s3://bucket/intake/raw/facebook/ad/",
		Columns:       []string{"id", "name"},
		PartitionKeys: []string{"dumpdate"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, cols)

	require.NotNil(t, fg.created)
	assert.Equal(t, []string{"id", "name"}, columnNames(fg.created.TableInput.StorageDescriptor.Columns))
	assert.Equal(t, []string{"dumpdate"}, columnNames(fg.created.TableInput.PartitionKeys))
	assert.Equal(t, "EXTERNAL_TABLE", aws.ToString(fg.created.TableInput.TableType))
}

func TestGlueCatalog_AppendsNewColumns(t *testing.T) {
	fg := &fakeGlue{table: &types.Table{
		StorageDescriptor: &types.StorageDescriptor{Columns: []types.Column{
			{Name: aws.String("id")}, {Name: aws.String("name")},
		}},
	}}
	c := NewGlueCatalogFromClient(fg, zaptest.NewLogger(t))

	cols, err := c.EnsureTable(context.Background(), TableDef{Database: "raw", Name: "t", Columns: []string{"status", "id"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "status"}, cols)
	require.NotNil(t, fg.updated)
	assert.Equal(t, cols, columnNames(fg.updated.TableInput.StorageDescriptor.Columns))

	fg.updated = nil
	_, err = c.EnsureTable(context.Background(), TableDef{Database: "raw", Name: "t", Columns: []string{"id"}})
	require.NoError(t, err)
	assert.Nil(t, fg.updated, "unchanged schema must not be rewritten")
}

func TestGlueCatalog_AddPartitions(t *testing.T) {
	fg := &fakeGlue{partErrs: []types.PartitionError{{
		PartitionValues: []string{"1"},
		ErrorDetail:     &types.ErrorDetail{ErrorCode: aws.String("AlreadyExistsException")},
	}}}
	c := NewGlueCatalogFromClient(fg, zaptest.NewLogger(t))

	parts := make([]Partition, 150)
	for i := range parts {
		parts[i] = Partition{Values: []string{"1"}, Location: "s3://b/p/"}
	}
	require.NoError(t, c.AddPartitions(context.Background(), "raw", "t", parts))
	require.Len(t, fg.partitions, 2)
	assert.Len(t, fg.partitions[0], 100)
	assert.Len(t, fg.partitions[1], 50)

	fg.partErrs = []types.PartitionError{{ErrorDetail: &types.ErrorDetail{
		ErrorCode: aws.String("InternalServiceException"), ErrorMessage: aws.String("boom"),
	}}}
	err := c.AddPartitions(context.Background(), "raw", "t", parts[:1])
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
}

func TestOpen(t *testing.T) {
	c, err := Open(context.Background(), config.CatalogConfig{Type: "memory"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &MemoryCatalog{}, c)

	c, err = Open(context.Background(), config.CatalogConfig{Type: "none"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, Noop{}, c)

	_, err = Open(context.Background(), config.CatalogConfig{Type: "hive"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
