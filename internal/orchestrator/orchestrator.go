// Package orchestrator runs one incremental sync: for each resource type it
// resolves the watermark, plans the requests, fetches every ad account,
// normalizes the records and hands the table to the sink.
package orchestrator

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lochness-labs/facebook-ingestion/internal/normalize"
	"github.com/lochness-labs/facebook-ingestion/internal/planner"
	"github.com/lochness-labs/facebook-ingestion/internal/poller"
	"github.com/lochness-labs/facebook-ingestion/internal/sink"
	"github.com/lochness-labs/facebook-ingestion/internal/watermark"
	"github.com/lochness-labs/facebook-ingestion/pkg/catalog"
	"github.com/lochness-labs/facebook-ingestion/pkg/clients"
	"github.com/lochness-labs/facebook-ingestion/pkg/clock"
	"github.com/lochness-labs/facebook-ingestion/pkg/config"
	metaads "github.com/lochness-labs/facebook-ingestion/pkg/connector/sources/meta_ads"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/logger"
	"github.com/lochness-labs/facebook-ingestion/pkg/metrics"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
	"github.com/lochness-labs/facebook-ingestion/pkg/observability"
	"github.com/lochness-labs/facebook-ingestion/pkg/storage"
)

// Order is the fixed extraction order; media types are appended when scheduled
var Order = []models.ResourceType{
	models.ResourceAd,
	models.ResourceAdSet,
	models.ResourceCampaign,
	models.ResourceAdCreative,
	models.ResourceAdInsights,
}

// MediaTypes run only on scheduled days
var MediaTypes = []models.ResourceType{models.ResourceAdImage}

// GraphAPI is the subset of the Graph client a sync uses
type GraphAPI interface {
	ListAdAccounts(ctx context.Context) ([]metaads.AdAccount, error)
	ListObjects(ctx context.Context, accountID string, rt models.ResourceType, fields []string, params models.Params) ([]models.Record, error)
	SubmitInsightsJob(ctx context.Context, accountID string, fields []string, params models.Params) (string, error)
	AsyncStatus(ctx context.Context, jobID string) (string, error)
	JobResults(ctx context.Context, jobID string, limit int) ([]models.Record, error)
	Previews(ctx context.Context, adID, format string) ([]string, error)
}

// Options wires an Orchestrator
type Options struct {
	Config  *config.Config
	API     GraphAPI
	Store   storage.ObjectStore
	Catalog catalog.Catalog
	Clock   clock.Clock
	Logger  *zap.Logger

	// MediaMode overrides the media schedule
	MediaMode MediaMode
	// AccountIDs restricts the run, taking precedence over the configuration
	AccountIDs []string
	// Types restricts the run to these resource types
	Types []models.ResourceType
}

// TypeSummary reports one resource type of a run
type TypeSummary struct {
	ResourceType  models.ResourceType `json:"resource_type"`
	Skipped       bool                `json:"skipped"`
	SkipReason    string              `json:"skip_reason,omitempty"`
	Watermark     int64               `json:"watermark"`
	FirstRun      bool                `json:"first_run"`
	ExecutionTime int64               `json:"execution_time"`
	Rows          int                 `json:"rows"`
	Committed     bool                `json:"committed"`
	Files         int                 `json:"files"`
	Bytes         int64               `json:"bytes"`

	PreviewFailures  int      `json:"preview_failures,omitempty"`
	FailedPreviewIDs []string `json:"failed_preview_ids,omitempty"`
	MediaFiltered    int      `json:"media_filtered,omitempty"`
	DroppedRecords   int      `json:"dropped_records,omitempty"`
}

// RunSummary reports a run
type RunSummary struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Accounts int           `json:"accounts"`
	Media    bool          `json:"media"`
	Types    []TypeSummary `json:"types"`
}

// Orchestrator runs syncs
type Orchestrator struct {
	cfg        *config.Config
	api        GraphAPI
	clock      clock.Clock
	loc        *time.Location
	media      *MediaSchedule
	accountIDs []string
	types      []models.ResourceType
	fields     map[models.ResourceType][]normalize.Field

	commits    *watermark.Store
	planner    *planner.Planner
	normalizer *normalize.Normalizer
	poller     *poller.Poller
	previews   *normalize.PreviewResolver
	sink       *sink.Sink

	accountLimiter clients.RateLimiter
	logger         *zap.Logger
}

// New validates the options and builds an orchestrator
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "configuration is required")
	}
	if opts.API == nil || opts.Store == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "graph client and object store are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}
	log := opts.Logger.With(zap.String("component", "orchestrator"))

	loc, err := cfg.Location()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load timezone")
	}
	media, err := NewMediaSchedule(cfg.MediaSchedule, opts.MediaMode)
	if err != nil {
		return nil, err
	}

	// every field schema compiles up front so a bad rule fails the run
	// before any type commits
	fields := make(map[models.ResourceType][]normalize.Field, len(cfg.FieldKeys))
	for _, name := range slices.Sorted(maps.Keys(cfg.FieldKeys)) {
		compiled, err := normalize.Compile(cfg.FieldKeys[name])
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "field_keys.%s", name)
		}
		fields[models.ResourceType(name)] = compiled
	}

	accountIDs := opts.AccountIDs
	if len(accountIDs) == 0 {
		accountIDs = cfg.AccountIDs
	}

	commits := watermark.NewStore(opts.Store, opts.Logger)
	return &Orchestrator{
		cfg:        cfg,
		api:        opts.API,
		clock:      opts.Clock,
		loc:        loc,
		media:      media,
		accountIDs: accountIDs,
		types:      opts.Types,
		fields:     fields,
		commits:    commits,
		planner:    planner.New(opts.Clock, loc),
		normalizer: normalize.New(opts.Logger),
		poller: poller.New(poller.Config{
			Interval: cfg.Poll.Interval,
			MaxPolls: cfg.Poll.MaxPolls,
			MaxWait:  cfg.Poll.MaxWait,
		}, opts.Clock, opts.Logger),
		previews: normalize.NewPreviewResolver(opts.API,
			clients.NewIntervalLimiter(cfg.Throttle.PreviewDelay, opts.Clock),
			cfg.Concurrency.Previews, opts.Logger),
		sink:           sink.New(cfg, opts.Store, opts.Catalog, commits, opts.Logger),
		accountLimiter: clients.NewIntervalLimiter(cfg.Throttle.AccountDelay, opts.Clock),
		logger:         log,
	}, nil
}

// Plan returns the resource types a run started now would extract
func (o *Orchestrator) Plan() ([]models.ResourceType, bool) {
	order := Order
	if len(o.types) > 0 {
		order = o.types
	}
	runMedia := o.media.Matches(o.clock.Now().In(o.loc))

	var out []models.ResourceType
	for _, rt := range order {
		if rt.Kind() != models.KindMedia {
			out = append(out, rt)
		}
	}
	if runMedia {
		for _, rt := range MediaTypes {
			if len(o.types) == 0 || contains(o.types, rt) {
				out = append(out, rt)
			}
		}
	}
	return out, runMedia
}

// Run syncs every planned resource type in order. It stops at the first
// failing type; types committed before it stay committed.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{RunID: uuid.NewString(), Started: o.clock.Now()}
	ctx = logger.WithRunID(ctx, summary.RunID)
	log := logger.FromContext(ctx, o.logger)

	defaultEpoch, err := o.cfg.DefaultEpochUnix()
	if err != nil {
		return summary, errors.Wrap(err, errors.ErrorTypeConfig, "parse default_epoch")
	}

	types, runMedia := o.Plan()
	summary.Media = runMedia
	log.Info("starting sync run",
		zap.Stringers("types", types),
		zap.Stringer("media_schedule", o.media),
		zap.Bool("media", runMedia))

	accounts, err := o.accounts(ctx)
	if err != nil {
		return summary, err
	}
	summary.Accounts = len(accounts)
	log.Info("ad accounts resolved", zap.Int("accounts", len(accounts)))

	prevRows := 0
	for _, rt := range types {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		fields := o.fields[rt]
		if len(fields) == 0 {
			log.Info("resource type has no configured fields, skipping", zap.String("resource_type", string(rt)))
			summary.Types = append(summary.Types, TypeSummary{ResourceType: rt, Skipped: true, SkipReason: "no fields configured"})
			continue
		}

		if prevRows > 0 && o.cfg.Throttle.TypeCooldown > 0 {
			log.Debug("cooling down between resource types", zap.Duration("cooldown", o.cfg.Throttle.TypeCooldown))
			if err := clock.Sleep(ctx, o.clock, o.cfg.Throttle.TypeCooldown); err != nil {
				return summary, err
			}
		}

		ts, err := o.syncType(ctx, rt, fields, accounts, defaultEpoch)
		summary.Types = append(summary.Types, ts)
		if err != nil {
			summary.Finished = o.clock.Now()
			return summary, err
		}
		prevRows = ts.Rows
	}

	summary.Finished = o.clock.Now()
	log.Info("sync run finished",
		zap.Int("types", len(summary.Types)),
		zap.Duration("duration", summary.Finished.Sub(summary.Started)))
	return summary, nil
}

func (o *Orchestrator) syncType(ctx context.Context, rt models.ResourceType, fields []normalize.Field, accounts []metaads.AdAccount, defaultEpoch int64) (ts TypeSummary, err error) {
	ts.ResourceType = rt
	ctx = logger.WithResourceType(ctx, string(rt))
	log := logger.FromContext(ctx, o.logger)

	ctx, span := observability.StartSpan(ctx, "sync.resource", observability.AttrResourceType.String(string(rt)))
	defer func() {
		span.SetAttribute(string(observability.AttrRows), ts.Rows)
		span.End(err)
	}()

	scope := o.cfg.Scope(rt)
	ts.ExecutionTime = o.clock.Now().In(o.loc).Unix()
	span.SetAttribute(string(observability.AttrExecution), ts.ExecutionTime)

	ts.Watermark, ts.FirstRun, err = o.commits.Resolve(ctx, scope, defaultEpoch)
	if err != nil {
		return ts, err
	}
	span.SetAttribute(string(observability.AttrWatermark), ts.Watermark)
	span.SetAttribute(string(observability.AttrFirstRun), ts.FirstRun)
	if !ts.FirstRun && ts.ExecutionTime < ts.Watermark {
		return ts, errors.Newf(errors.ErrorTypeConflict,
			"execution time %d is earlier than watermark %d", ts.ExecutionTime, ts.Watermark).
			WithDetail("scope", scope.String())
	}

	bundles, err := o.planner.Plan(rt, ts.Watermark, ts.FirstRun)
	if err != nil {
		return ts, err
	}
	log.Info("syncing resource type",
		zap.Int64("watermark", ts.Watermark),
		zap.Bool("first_run", ts.FirstRun),
		zap.Int("bundles", len(bundles)))

	batches := make([]normalize.Batch, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency.Accounts)
	for i, acc := range accounts {
		i, acc := i, acc
		g.Go(func() error {
			if err := o.accountLimiter.Wait(gctx); err != nil {
				return err
			}
			b, err := o.syncAccount(gctx, rt, acc, fields, bundles, ts.Watermark)
			if err != nil {
				return err
			}
			batches[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ts, err
	}

	table := models.NewTable(rt, normalize.Columns(fields, rt))
	if o.cfg.PartitionByAccountID {
		table.AddColumn(sink.AccountIDColumn)
	}
	for _, b := range batches {
		table.Append(b.Rows...)
		ts.MediaFiltered += b.Filtered
		ts.DroppedRecords += b.Invalid
	}

	if rt == models.ResourceAd && table.Len() > 0 {
		report, err := o.previews.Resolve(ctx, table.Rows)
		if err != nil {
			return ts, err
		}
		ts.PreviewFailures = report.Failed
		ts.FailedPreviewIDs = report.FailedIDs
	}

	// a cancelled run sinks nothing
	if err := ctx.Err(); err != nil {
		return ts, err
	}

	res, err := o.sink.Sink(ctx, table, scope, ts.ExecutionTime)
	if err != nil {
		return ts, err
	}
	ts.Rows = table.Len()
	ts.Skipped = res.Skipped
	if res.Skipped {
		ts.SkipReason = "no new rows"
	}
	ts.Committed = !res.Skipped
	ts.Files = len(res.Files)
	ts.Bytes = res.Bytes
	metrics.RowsSynced.WithLabelValues(string(rt)).Add(float64(ts.Rows))

	log.Info("resource type synced",
		zap.Int("rows", ts.Rows),
		zap.Bool("committed", ts.Committed),
		zap.Int("preview_failures", ts.PreviewFailures),
		zap.Int("dropped_records", ts.DroppedRecords))
	return ts, nil
}

func (o *Orchestrator) syncAccount(ctx context.Context, rt models.ResourceType, acc metaads.AdAccount, fields []normalize.Field, bundles []models.Params, wm int64) (b normalize.Batch, err error) {
	ctx = logger.WithAccountID(ctx, acc.ID)
	ctx, span := observability.StartSpan(ctx, "sync.account",
		observability.AttrResourceType.String(string(rt)),
		observability.AttrAccountID.String(acc.ID))
	defer func() {
		span.SetAttribute(string(observability.AttrRows), len(b.Rows))
		span.End(err)
	}()

	names := normalize.Names(fields)
	var records []models.Record
	// windows of one account run one after the other
	for _, params := range bundles {
		recs, err := o.fetch(ctx, rt, acc.ID, names, params)
		if err != nil {
			return b, errors.Wrapf(err, errors.TypeOf(err), "fetch %s for account %s", rt, acc.ID)
		}
		records = append(records, recs...)
	}

	b = o.normalizer.NormalizeAll(records, fields, rt, wm)
	if o.cfg.PartitionByAccountID {
		for _, r := range b.Rows {
			r[sink.AccountIDColumn] = acc.ID
		}
	}
	logger.FromContext(ctx, o.logger).Debug("account fetched",
		zap.Int("records", len(records)),
		zap.Int("rows", len(b.Rows)))
	return b, nil
}

func (o *Orchestrator) fetch(ctx context.Context, rt models.ResourceType, accountID string, fields []string, params models.Params) ([]models.Record, error) {
	if rt.Kind() != models.KindTimeSeries {
		return o.api.ListObjects(ctx, accountID, rt, fields, params)
	}

	jobID, err := o.poller.Run(ctx, o.api, func(ctx context.Context) (string, error) {
		return o.api.SubmitInsightsJob(ctx, accountID, fields, params)
	})
	if err != nil {
		return nil, err
	}
	return o.api.JobResults(ctx, jobID, planner.PageLimit)
}

func (o *Orchestrator) accounts(ctx context.Context) ([]metaads.AdAccount, error) {
	if len(o.accountIDs) > 0 {
		out := make([]metaads.AdAccount, len(o.accountIDs))
		for i, id := range o.accountIDs {
			out[i] = metaads.AdAccount{ID: metaads.AccountNode(id)}
		}
		return out, nil
	}
	accounts, err := o.api.ListAdAccounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.TypeOf(err), "list ad accounts")
	}
	return accounts, nil
}

func contains(types []models.ResourceType, rt models.ResourceType) bool {
	for _, t := range types {
		if t == rt {
			return true
		}
	}
	return false
}
