// Package poller drives async insights report jobs from submission to a
// terminal state, bounded by a poll count and a wall-clock budget.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lochness-labs/facebook-ingestion/pkg/clock"
	metaads "github.com/lochness-labs/facebook-ingestion/pkg/connector/sources/meta_ads"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/metrics"
)

// State is the lifecycle state of a job
type State int

const (
	StateSubmitted State = iota
	StatePolling
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// JobAPI reads the status of a submitted job
type JobAPI interface {
	AsyncStatus(ctx context.Context, jobID string) (string, error)
}

// SubmitFunc starts a job and returns its id
type SubmitFunc func(ctx context.Context) (string, error)

// Config bounds polling. A zero MaxPolls or MaxWait disables that bound.
type Config struct {
	Interval time.Duration
	MaxPolls int
	MaxWait  time.Duration
}

// DefaultConfig returns the default bounds
func DefaultConfig() Config {
	return Config{Interval: 3 * time.Second, MaxPolls: 400, MaxWait: 30 * time.Minute}
}

// Job is the outcome of one Run
type Job struct {
	ID      string
	State   State
	Polls   int
	Elapsed time.Duration
}

// Poller runs jobs against a clock
type Poller struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
}

// New creates a poller
func New(cfg Config, c clock.Clock, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if c == nil {
		c = clock.New()
	}
	return &Poller{cfg: cfg, clock: c, logger: logger.With(zap.String("component", "poller"))}
}

// Run submits a job and polls it until it completes. A failed or skipped
// job is an ErrorTypeData error, an exhausted budget an ErrorTypeTimeout
// error. Retryable status errors use up a poll without failing the job.
func (p *Poller) Run(ctx context.Context, api JobAPI, submit SubmitFunc) (string, error) {
	job, err := p.RunJob(ctx, api, submit)
	if job == nil {
		return "", err
	}
	return job.ID, err
}

// RunJob is Run returning the final state of the job
func (p *Poller) RunJob(ctx context.Context, api JobAPI, submit SubmitFunc) (*Job, error) {
	start := p.clock.Now()

	id, err := submit(ctx)
	if err != nil {
		return nil, err
	}
	job := &Job{ID: id, State: StateSubmitted}
	log := p.logger.With(zap.String("job_id", id))
	log.Info("async job submitted")

	finish := func(s State, err error) (*Job, error) {
		job.State = s
		job.Elapsed = p.clock.Now().Sub(start)
		metrics.PollDuration.WithLabelValues(s.String()).Observe(job.Elapsed.Seconds())
		log.Info("async job finished",
			zap.Stringer("state", s),
			zap.Int("polls", job.Polls),
			zap.Duration("elapsed", job.Elapsed))
		return job, err
	}

	job.State = StatePolling
	for {
		if p.cfg.MaxPolls > 0 && job.Polls >= p.cfg.MaxPolls {
			return finish(StateTimedOut, errors.Newf(errors.ErrorTypeTimeout,
				"async job %s not completed after %d polls", id, job.Polls).WithDetail("job_id", id))
		}
		if p.cfg.MaxWait > 0 && p.clock.Now().Sub(start) >= p.cfg.MaxWait {
			return finish(StateTimedOut, errors.Newf(errors.ErrorTypeTimeout,
				"async job %s not completed within %s", id, p.cfg.MaxWait).WithDetail("job_id", id))
		}

		status, err := api.AsyncStatus(ctx, id)
		job.Polls++
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return job, ctx.Err()
			}
			if !errors.IsRetryable(err) {
				return finish(StateFailed, err)
			}
			log.Warn("status check failed, polling again", zap.Error(err))
		case status == metaads.StatusJobCompleted:
			return finish(StateCompleted, nil)
		case status == metaads.StatusJobFailed || status == metaads.StatusJobSkipped:
			return finish(StateFailed, errors.Newf(errors.ErrorTypeData,
				"async job %s ended with status %q", id, status).WithDetail("job_id", id))
		default:
			log.Debug("async job pending", zap.String("status", status), zap.Int("polls", job.Polls))
		}

		if err := clock.Sleep(ctx, p.clock, p.cfg.Interval); err != nil {
			return job, err
		}
	}
}
