package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lochness-labs/facebook-ingestion/internal/orchestrator"
	"github.com/lochness-labs/facebook-ingestion/pkg/catalog"
	"github.com/lochness-labs/facebook-ingestion/pkg/clients"
	"github.com/lochness-labs/facebook-ingestion/pkg/config"
	metaads "github.com/lochness-labs/facebook-ingestion/pkg/connector/sources/meta_ads"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/logger"
	"github.com/lochness-labs/facebook-ingestion/pkg/metrics"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
	"github.com/lochness-labs/facebook-ingestion/pkg/observability"
	"github.com/lochness-labs/facebook-ingestion/pkg/secrets"
	"github.com/lochness-labs/facebook-ingestion/pkg/storage"
)

// runOptions are the flag and environment inputs of the run command
type runOptions struct {
	ConfigPath     string
	CodeBucket     string
	ConfigKey      string
	SecretName     string
	LongLivedToken string
	DefaultEpoch   string
	DataBucket     string
	ResourceName   string
	AccountIDs     []string
	Types          []string
	Media          string
	LogLevel       string
	Pushgateway    string
	Trace          bool
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one incremental sync",
		Long: `Run one incremental sync of every configured resource type.

The configuration is read from a local YAML file (--config) or from an object
in the code bucket (--code-bucket and --config-key). Every flag can also be set
through an FBI_ prefixed environment variable, e.g. FBI_ACCOUNT_ID. The
"args" of every entry printed by plan-runs are valid run flags.

Example:
  facebook-ingest run --config facebook.yaml --media never`,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindFlags(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, cmd, runOptionsFrom(v))
		},
	}

	f := cmd.Flags()
	f.StringP("config", "c", "", "Path to the YAML configuration file")
	f.String("code-bucket", "", "Bucket URL holding the configuration object (s3://, file://, mem://)")
	f.String("config-key", "", "Configuration object key inside --code-bucket")
	f.String("secret-name", "", "Secrets Manager secret holding the app credentials")
	f.String("long-live-user-token", "", "Long-lived user token; overrides every other credential source")
	f.String("default-epoch", "", "Watermark used when a resource type has no commit yet (YYYY-MM-DD HH:MM:SS)")
	f.String("latest-epoch", "", "Alias of --default-epoch, as written by plan-runs")
	f.String("data-bucket", "", "Data bucket overriding storage; an s3 bucket name or a bucket URL")
	f.String("resource-name", "", "Job name attached to the run logs")
	f.StringSlice("account-id", nil, "Restrict the run to these ad accounts")
	f.StringSlice("type", nil, "Restrict the run to these resource types")
	f.String("media", "schedule", "Media extraction: schedule, always or never")
	f.String("log-level", "", "Log level (debug, info, warn, error)")
	f.String("pushgateway", "", "Prometheus Pushgateway URL receiving the run metrics")
	f.Bool("trace", false, "Export tracing spans to stdout")
	return cmd
}

func runOptionsFrom(v *viper.Viper) runOptions {
	return runOptions{
		ConfigPath:     v.GetString("config"),
		CodeBucket:     v.GetString("code-bucket"),
		ConfigKey:      v.GetString("config-key"),
		SecretName:     nullable(v.GetString("secret-name")),
		LongLivedToken: nullable(v.GetString("long-live-user-token")),
		DefaultEpoch:   firstSet(v.GetString("default-epoch"), v.GetString("latest-epoch")),
		DataBucket:     nullable(v.GetString("data-bucket")),
		ResourceName:   nullable(v.GetString("resource-name")),
		AccountIDs:     dropNull(splitList(v.GetStringSlice("account-id"))),
		Types:          splitList(v.GetStringSlice("type")),
		Media:          v.GetString("media"),
		LogLevel:       v.GetString("log-level"),
		Pushgateway:    v.GetString("pushgateway"),
		Trace:          v.GetBool("trace"),
	}
}

// nullable maps the scheduler's "null" placeholder to empty
func nullable(s string) string {
	if s == "null" {
		return ""
	}
	return s
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func dropNull(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v != "null" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func runSync(ctx context.Context, cmd *cobra.Command, opts runOptions) error {
	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	if err := applyOverrides(cfg, opts); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.With(zap.String("component", "facebook-ingest-cli"))
	if opts.ResourceName != "" {
		log = log.With(zap.String("resource_name", opts.ResourceName))
	}

	if opts.Trace {
		shutdown, err := observability.InitTracing(observability.DefaultTracingConfig(version))
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn("failed to flush traces", zap.Error(err))
			}
		}()
	}

	mode, err := orchestrator.ParseMediaMode(opts.Media)
	if err != nil {
		return err
	}
	types, err := parseTypes(opts.Types)
	if err != nil {
		return err
	}

	provider, err := secrets.NewProvider(ctx, cfg.Credentials, log)
	if err != nil {
		return err
	}
	creds, err := provider.Credentials(ctx)
	if err != nil {
		return err
	}
	client, err := newGraphClient(cfg, creds, log)
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer store.Close()
	cat, err := catalog.Open(ctx, cfg.Catalog, log)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		API:        client,
		Store:      store,
		Catalog:    cat,
		Logger:     log,
		MediaMode:  mode,
		AccountIDs: opts.AccountIDs,
		Types:      types,
	})
	if err != nil {
		return err
	}

	log.Info("starting sync",
		zap.String("source", cfg.Source),
		zap.String("zone", cfg.Zone),
		zap.String("tier", cfg.Tier),
		zap.String("media", mode.String()))

	summary, runErr := orch.Run(ctx)
	if summary != nil {
		if err := printJSON(cmd, summary); err != nil {
			log.Warn("failed to print run summary", zap.Error(err))
		}
	}

	if opts.Pushgateway != "" {
		grouping := map[string]string{"source": cfg.Source, "tier": cfg.Tier}
		if err := metrics.Push(opts.Pushgateway, "facebook_ingest", grouping); err != nil {
			log.Warn("failed to push metrics", zap.String("pushgateway", opts.Pushgateway), zap.Error(err))
		}
	}

	if runErr != nil {
		log.Error("sync failed", zap.Error(runErr))
		return runErr
	}
	return nil
}

// loadConfig reads the configuration file or object
func loadConfig(ctx context.Context, opts runOptions) (*config.Config, error) {
	switch {
	case opts.ConfigPath != "":
		return config.Load(opts.ConfigPath)
	case opts.CodeBucket != "" && opts.ConfigKey != "":
		bucket, err := storage.OpenBlobStore(ctx, opts.CodeBucket, logger.Get())
		if err != nil {
			return nil, err
		}
		defer bucket.Close()
		return config.LoadFromStore(ctx, bucket, opts.ConfigKey)
	default:
		return nil, errors.New(errors.ErrorTypeConfig, "either --config or --code-bucket with --config-key is required")
	}
}

// applyOverrides layers command line values over the file configuration
func applyOverrides(cfg *config.Config, opts runOptions) error {
	if opts.SecretName != "" {
		cfg.Credentials.SecretName = opts.SecretName
	}
	if opts.LongLivedToken != "" {
		cfg.Credentials.LongLivedUserToken = opts.LongLivedToken
	}
	if opts.DefaultEpoch != "" {
		cfg.DefaultEpoch = opts.DefaultEpoch
	}
	if opts.DataBucket != "" {
		if strings.Contains(opts.DataBucket, "://") {
			cfg.Storage.Type = "blob"
			cfg.Storage.URL = opts.DataBucket
		} else {
			cfg.Storage.Type = "s3"
			cfg.Storage.Bucket = opts.DataBucket
		}
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	return cfg.Validate()
}

func parseTypes(names []string) ([]models.ResourceType, error) {
	var types []models.ResourceType
	for _, name := range names {
		rt := models.ResourceType(name)
		if !rt.Valid() {
			return nil, errors.Newf(errors.ErrorTypeConfig, "unknown resource type %q", name)
		}
		types = append(types, rt)
	}
	return types, nil
}

func newGraphClient(cfg *config.Config, creds secrets.Credentials, log *zap.Logger) (*metaads.Client, error) {
	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RequestTimeout = cfg.API.Timeout

	retry := clients.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.InitialDelay)
	retry.MaxDelay = cfg.Retry.MaxDelay
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn("retrying graph call",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	return metaads.NewClient(metaads.Options{
		BaseURL:        cfg.API.BaseURL,
		Version:        cfg.API.Version,
		PageLimit:      cfg.API.PageLimit,
		Credentials:    creds,
		HTTPClient:     clients.NewHTTPClient(httpCfg, log),
		Limiter:        clients.NewTokenBucketRateLimiter(cfg.Throttle.RequestsPerSecond, cfg.Throttle.Burst),
		Retry:          retry,
		UsageThreshold: cfg.Throttle.UsageThreshold,
		UsagePause:     cfg.Throttle.UsagePause,
	}, log)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
