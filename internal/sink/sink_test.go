package sink

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lochness-labs/facebook-ingestion/internal/watermark"
	"github.com/lochness-labs/facebook-ingestion/pkg/catalog"
	"github.com/lochness-labs/facebook-ingestion/pkg/config"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/formats/parquet"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
	"github.com/lochness-labs/facebook-ingestion/pkg/storage"
	"github.com/lochness-labs/facebook-ingestion/pkg/testutil"
)

const execTime = int64(1710064800)

func testConfig(byAccount bool) *config.Config {
	cfg := config.New()
	cfg.TableVersion = "v1"
	cfg.PartitionByAccountID = byAccount
	cfg.Storage = config.StorageConfig{Type: "blob", URL: "mem://"}
	cfg.FieldKeys = map[string][]config.FieldSpec{
		"campaign": config.Names("id", "name", "spend_cap"),
	}
	return cfg
}

type fixture struct {
	sink    *Sink
	store   storage.ObjectStore
	catalog *catalog.MemoryCatalog
	commits *watermark.Store
	cfg     *config.Config
}

func newFixture(t *testing.T, cfg *config.Config, store storage.ObjectStore) *fixture {
	t.Helper()
	if store == nil {
		store = testutil.MemStore(t)
	}
	logger := zaptest.NewLogger(t)
	cat := catalog.NewMemoryCatalog()
	commits := watermark.NewStore(store, logger)
	s := New(cfg, store, cat, commits, logger)
	n := 0
	s.newName = func() string {
		n++
		return fmt.Sprintf("part-%d.parquet", n)
	}
	return &fixture{sink: s, store: store, catalog: cat, commits: commits, cfg: cfg}
}

func campaignTable(rows ...models.Row) *models.Table {
	tbl := models.NewTable(models.ResourceCampaign, []string{"id", "name", "spend_cap"})
	tbl.Append(rows...)
	return tbl
}

var scope = models.Scope{Zone: "intake", Tier: "raw", Source: "facebook", Extraction: "campaign"}

func TestSink_EmptyTableSkips(t *testing.T) {
	f := newFixture(t, testConfig(false), nil)

	res, err := f.sink.Sink(context.Background(), campaignTable(), scope, execTime)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	objs, err := f.store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, objs, "nothing written, no commit")
}

func TestSink_WritesPartitionsThenCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(false), nil)

	tbl := campaignTable(
		models.Row{"id": "1", "name": "Spring", "spend_cap": 1500.5},
		models.Row{"id": "2", "name": "Summer", "spend_cap": nil},
		models.Row{"id": "3", "name": "Fall"},
	)
	res, err := f.sink.Sink(ctx, tbl, scope, execTime)
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 1, res.Partitions)
	assert.Equal(t, []string{"intake/raw/facebook/campaign/dumpdate=1710064800/part-1.parquet"}, res.Files)
	assert.Equal(t, "metadata/intake/raw/facebook/campaign/dumpdate=1710064800/metadata.json", res.CommitKey)

	data, err := f.store.Get(ctx, res.Files[0])
	require.NoError(t, err)
	cols, err := parquet.Columns(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "spend_cap"}, cols, "partition columns stay out of the file")

	rows, err := parquet.ReadRows(ctx, data, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "1500.5", rows[0]["spend_cap"])
	assert.Equal(t, "", rows[1]["spend_cap"])
	assert.Equal(t, "", rows[2]["spend_cap"])

	def, ok := f.catalog.Table("raw", "t_facebook_campaign_v1")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name", "spend_cap"}, def.Columns)
	assert.Equal(t, []string{"dumpdate"}, def.PartitionKeys)
	parts := f.catalog.Partitions("raw", "t_facebook_campaign_v1")
	require.Len(t, parts, 1)
	assert.Equal(t, []string{"1710064800"}, parts[0].Values)

	epoch, first, err := f.commits.Resolve(ctx, scope, 0)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, execTime, epoch)

	meta, err := f.store.Get(ctx, res.CommitKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Execution Overview":{
		"execution_time":1710064800,"bucket_name":"mem://","zone":"intake","tier":"raw",
		"extraction":"campaign","n_rows":3,"n_fields":3,"process":"ingestion",
		"fields":["id","name","spend_cap"]}}`, string(meta))
}

func TestSink_PartitionsByAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(true), nil)

	tbl := campaignTable(
		models.Row{"id": "1", "account_id": "act_1"},
		models.Row{"id": "2", "account_id": "act_2"},
		models.Row{"id": "3", "account_id": "act_1"},
	)
	res, err := f.sink.Sink(ctx, tbl, scope, execTime)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Partitions)
	assert.Equal(t, []string{
		"intake/raw/facebook/campaign/dumpdate=1710064800/account_id=act_1/part-1.parquet",
		"intake/raw/facebook/campaign/dumpdate=1710064800/account_id=act_2/part-2.parquet",
	}, res.Files)
	assert.NotContains(t, res.Columns, "account_id")

	data, err := f.store.Get(ctx, res.Files[0])
	require.NoError(t, err)
	rows, err := parquet.ReadRows(ctx, data, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"id": "1"}, {"id": "3"}}, rows)

	parts := f.catalog.Partitions("raw", "t_facebook_campaign_v1")
	require.Len(t, parts, 2)
	assert.Equal(t, []string{"1710064800", "act_2"}, parts[1].Values)
	assert.True(t, strings.HasSuffix(parts[1].Location, "account_id=act_2/"))
}

func TestSink_SchemaEvolution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(false), nil)

	old, err := f.sink.Sink(ctx, campaignTable(models.Row{"id": "1", "name": "a", "spend_cap": "10"}), scope, execTime)
	require.NoError(t, err)

	evolved := models.NewTable(models.ResourceCampaign, []string{"id", "name", "spend_cap", "objective"})
	evolved.Append(models.Row{"id": "2", "name": "b", "spend_cap": "20", "objective": "OUTCOME_SALES"})
	next, err := f.sink.Sink(ctx, evolved, scope, execTime+86400)
	require.NoError(t, err)

	def, _ := f.catalog.Table("raw", "t_facebook_campaign_v1")
	assert.Equal(t, []string{"id", "name", "spend_cap", "objective"}, def.Columns)

	all := []string{"id", "objective"}
	var got []map[string]any
	for _, key := range append(old.Files, next.Files...) {
		data, err := f.store.Get(ctx, key)
		require.NoError(t, err)
		rows, err := parquet.ReadRows(ctx, data, all)
		require.NoError(t, err)
		got = append(got, rows...)
	}
	assert.Equal(t, []map[string]any{
		{"id": "1", "objective": nil},
		{"id": "2", "objective": "OUTCOME_SALES"},
	}, got)
}

// failingPuts fails every parquet write
type failingPuts struct {
	storage.ObjectStore
}

func (f failingPuts) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == storage.ContentTypeParquet {
		return errors.New(errors.ErrorTypeConnection, "disk on fire")
	}
	return f.ObjectStore.Put(ctx, key, data, contentType)
}

func TestSink_WriteFailureLeavesNoCommit(t *testing.T) {
	ctx := context.Background()
	mem := testutil.MemStore(t)
	f := newFixture(t, testConfig(false), failingPuts{ObjectStore: mem})

	_, err := f.sink.Sink(ctx, campaignTable(models.Row{"id": "1"}), scope, execTime)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))

	_, first, err := f.commits.Resolve(ctx, scope, 0)
	require.NoError(t, err)
	assert.True(t, first, "watermark must not advance")
	_, ok := f.catalog.Table("raw", "t_facebook_campaign_v1")
	assert.False(t, ok)
}

type failingCatalog struct{ catalog.Noop }

func (failingCatalog) AddPartitions(context.Context, string, string, []catalog.Partition) error {
	return errors.New(errors.ErrorTypePermission, "glue:BatchCreatePartition denied")
}

func TestSink_CatalogFailureLeavesNoCommit(t *testing.T) {
	ctx := context.Background()
	store := testutil.MemStore(t)
	logger := zaptest.NewLogger(t)
	commits := watermark.NewStore(store, logger)
	s := New(testConfig(false), store, failingCatalog{}, commits, logger)

	_, err := s.Sink(ctx, campaignTable(models.Row{"id": "1"}), scope, execTime)
	require.Error(t, err)
	assert.True(t, errors.HasType(err, errors.ErrorTypePermission))

	_, first, err := commits.Resolve(ctx, scope, 0)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestSink_SecondCommitForSameExecutionConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(false), nil)
	tbl := campaignTable(models.Row{"id": "1"})

	_, err := f.sink.Sink(ctx, tbl, scope, execTime)
	require.NoError(t, err)
	_, err = f.sink.Sink(ctx, tbl, scope, execTime)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}
