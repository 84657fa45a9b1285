package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lochness-labs/facebook-ingestion/internal/orchestrator"
	"github.com/lochness-labs/facebook-ingestion/pkg/config"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
	"github.com/lochness-labs/facebook-ingestion/pkg/secrets"
	"github.com/lochness-labs/facebook-ingestion/pkg/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "facebook-ingest v"+version)
}

func TestRunOptions_EnvFallback(t *testing.T) {
	t.Setenv("FBI_ACCOUNT_ID", "act_1,act_2")
	t.Setenv("FBI_MEDIA", "never")
	t.Setenv("FBI_LONG_LIVE_USER_TOKEN", "null")
	t.Setenv("FBI_LOG_LEVEL", "debug")

	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--config", "job.yaml", "--log-level", "warn", "--type", "ad,campaign"}))
	v, err := bindFlags(cmd)
	require.NoError(t, err)

	opts := runOptionsFrom(v)
	assert.Equal(t, "job.yaml", opts.ConfigPath)
	assert.Equal(t, []string{"act_1", "act_2"}, opts.AccountIDs)
	assert.Equal(t, "never", opts.Media)
	assert.Empty(t, opts.LongLivedToken, "the scheduler's null placeholder means unset")
	assert.Equal(t, "warn", opts.LogLevel, "flags win over the environment")
	assert.Equal(t, []string{"ad", "campaign"}, opts.Types)
}

func TestApplyOverrides(t *testing.T) {
	base := func() *config.Config {
		cfg := config.New()
		cfg.TableVersion = "v1"
		cfg.Storage = config.StorageConfig{Type: "blob", URL: "mem://"}
		cfg.FieldKeys = map[string][]config.FieldSpec{"campaign": config.Names("id")}
		return cfg
	}

	cfg := base()
	require.NoError(t, applyOverrides(cfg, runOptions{
		SecretName:     "fb/prod",
		LongLivedToken: "llt",
		DefaultEpoch:   "2023-06-01 00:00:00",
		LogLevel:       "debug",
	}))
	assert.Equal(t, "fb/prod", cfg.Credentials.SecretName)
	assert.Equal(t, "llt", cfg.Credentials.LongLivedUserToken)
	assert.Equal(t, "2023-06-01 00:00:00", cfg.DefaultEpoch)
	assert.Equal(t, "debug", cfg.Logging.Level)

	err := applyOverrides(base(), runOptions{DefaultEpoch: "yesterday"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestParseTypes(t *testing.T) {
	types, err := parseTypes([]string{"ad_insights", "ad"})
	require.NoError(t, err)
	assert.Equal(t, []models.ResourceType{models.ResourceAdInsights, models.ResourceAd}, types)

	_, err = parseTypes([]string{"ad_video"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRun_RequiresConfig(t *testing.T) {
	_, err := execute(t, "run")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRun_EndToEnd(t *testing.T) {
	graph := testutil.NewFakeGraph()
	defer graph.Close()
	graph.Accounts = []map[string]any{{"id": "act_1"}}
	graph.SetObjects("act_1/campaigns", []map[string]any{
		{"id": "c1", "name": "Spring", "updated_time": "2024-03-05T10:00:00+0000"},
		{"id": "c2", "name": "Summer", "updated_time": "2024-03-06T10:00:00+0000"},
	})

	dataDir := t.TempDir()
	t.Setenv("FB_TEST_TOKEN", "tok")
	cfgPath := filepath.Join(t.TempDir(), "facebook.yaml")
	yaml := fmt.Sprintf(`
table_version: v1
default_epoch: "2024-01-01 00:00:00"
field_keys:
  campaign: [id, name]
storage:
  type: blob
  url: file://%s
catalog:
  type: none
api:
  base_url: %s
  version: %s
credentials:
  app_id: app
  app_secret: secret
  access_token: ${FB_TEST_TOKEN}
throttle:
  account_delay: -1s
  preview_delay: -1s
  type_cooldown: -1s
retry:
  max_attempts: 1
logging:
  level: error
  output_paths: [stderr]
`, dataDir, graph.URL(), graph.Version)
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	out, err := execute(t, "run", "--config", cfgPath, "--media", "never", "--type", "campaign")
	require.NoError(t, err)

	var summary orchestrator.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 1, summary.Accounts)
	require.Len(t, summary.Types, 1)
	assert.Equal(t, models.ResourceCampaign, summary.Types[0].ResourceType)
	assert.Equal(t, 2, summary.Types[0].Rows)
	assert.True(t, summary.Types[0].Committed)

	for _, r := range graph.Requests() {
		assert.Equal(t, "Bearer tok", r.Auth)
	}

	commits, err := filepath.Glob(filepath.Join(dataDir, "metadata", "intake", "raw", "facebook", "campaign", "dumpdate=*", "metadata.json"))
	require.NoError(t, err)
	assert.Len(t, commits, 1)
	parts, err := filepath.Glob(filepath.Join(dataDir, "intake", "raw", "facebook", "campaign", "dumpdate=*", "part-*.parquet"))
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}

func TestPlanRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":[{"ad_accont_id":"111","long_live_user_token":"tok1"}]}`))
	}))
	defer srv.Close()

	out, err := execute(t, "plan-runs", "--secrets-url", srv.URL, "--data-bucket", "data", "--latest-epoch", "0")
	require.NoError(t, err)

	var runs []secrets.RunSpec
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "111", runs[0].AccountID)
	assert.Equal(t, "tok1", runs[0].LongLivedUserToken)
	assert.Equal(t, "null", runs[0].SecretName)
	assert.Equal(t, "data", runs[0].DataBucket)
}

func TestPlanRuns_ArgsParseAsRunFlags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":[{"ad_accont_id":"act_111","long_live_user_token":"tok1"}]}`))
	}))
	defer srv.Close()

	out, err := execute(t, "plan-runs",
		"--secrets-url", srv.URL,
		"--data-bucket", "lake-data",
		"--code-bucket", "file:///srv/code",
		"--config-key", "conf/facebook.yaml",
		"--resource-name", "facebook-ingest",
		"--latest-epoch", "2022-01-01 00:00:00")
	require.NoError(t, err)

	var planned []plannedRun
	require.NoError(t, json.Unmarshal([]byte(out), &planned))
	require.Len(t, planned, 1)

	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse(planned[0].Args))
	v, err := bindFlags(cmd)
	require.NoError(t, err)
	opts := runOptionsFrom(v)

	assert.Equal(t, "file:///srv/code", opts.CodeBucket)
	assert.Equal(t, "conf/facebook.yaml", opts.ConfigKey)
	assert.Equal(t, "lake-data", opts.DataBucket)
	assert.Equal(t, "facebook-ingest", opts.ResourceName)
	assert.Equal(t, "2022-01-01 00:00:00", opts.DefaultEpoch)
	assert.Equal(t, []string{"act_111"}, opts.AccountIDs)
	assert.Equal(t, "tok1", opts.LongLivedToken)
	assert.Empty(t, opts.SecretName, "null secret name means unset")

	cfg := config.New()
	cfg.TableVersion = "v1"
	cfg.Storage = config.StorageConfig{Type: "blob", URL: "mem://"}
	cfg.FieldKeys = map[string][]config.FieldSpec{"campaign": config.Names("id")}
	require.NoError(t, applyOverrides(cfg, opts))
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "lake-data", cfg.Storage.Bucket)
	assert.Equal(t, "2022-01-01 00:00:00", cfg.DefaultEpoch)
}

func TestRunOptions_DefaultEpochWinsOverLatestEpoch(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{
		"--latest-epoch", "2022-01-01 00:00:00",
		"--default-epoch", "2023-01-01 00:00:00",
		"--data-bucket", "file:///tmp/lake",
	}))
	v, err := bindFlags(cmd)
	require.NoError(t, err)
	opts := runOptionsFrom(v)
	assert.Equal(t, "2023-01-01 00:00:00", opts.DefaultEpoch)

	cfg := config.New()
	cfg.TableVersion = "v1"
	cfg.FieldKeys = map[string][]config.FieldSpec{"campaign": config.Names("id")}
	require.NoError(t, applyOverrides(cfg, opts))
	assert.Equal(t, "blob", cfg.Storage.Type)
	assert.Equal(t, "file:///tmp/lake", cfg.Storage.URL)
}

func TestRun_UnknownFieldRuleWritesNothing(t *testing.T) {
	graph := testutil.NewFakeGraph()
	defer graph.Close()
	graph.Accounts = []map[string]any{{"id": "act_1"}}
	graph.SetObjects("act_1/adsets", []map[string]any{
		{"id": "s1", "name": "Set", "updated_time": "2024-03-05T10:00:00+0000"},
	})

	dataDir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "facebook.yaml")
	yaml := fmt.Sprintf(`
table_version: v1
field_keys:
  ad_set: [id, name]
  campaign:
    - name: id
      rule: bogus-rule
storage:
  type: blob
  url: file://%s
catalog:
  type: none
api:
  base_url: %s
credentials:
  long_live_user_token: tok
`, dataDir, graph.URL())
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	_, err := execute(t, "run", "--config", cfgPath, "--media", "never")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Contains(t, err.Error(), "bogus-rule")

	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no type may write or commit")
	assert.Empty(t, graph.Requests())
}
