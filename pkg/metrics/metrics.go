// Package metrics exposes the Prometheus metrics of the ingestion job.
//
// Metrics are registered on the default registry at package init, the way
// the rest of the codebase uses promauto. A batch run has no scrape
// endpoint, so Push sends the final values to a Pushgateway when one is
// configured.
//
// # Basic Usage
//
//	metrics.RowsSynced.WithLabelValues("ad").Add(float64(n))
//
//	timer := metrics.NewTimer()
//	jobID, err := poller.Run(ctx, api, submit)
//	metrics.PollDuration.WithLabelValues(outcome).Observe(timer.Seconds())
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "facebook_ingest"

var (
	// RowsSynced counts rows handed to the sink per resource type
	RowsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_synced_total",
			Help:      "Rows written to the lake by resource type",
		},
		[]string{"resource_type"},
	)

	// APIRequests counts Graph API calls by endpoint kind and outcome
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Graph API requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	// APIThrottled counts responses that triggered a limiter penalty
	APIThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_throttled_total",
			Help:      "Graph API responses reporting throttling or high usage",
		},
	)

	// PollDuration observes async report jobs from submit to terminal state
	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Async report job duration by outcome",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"outcome"},
	)

	// PreviewFailures counts ads whose preview URL could not be resolved
	PreviewFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preview_failures_total",
			Help:      "Ad previews replaced by the not_resolved placeholder",
		},
	)

	// MediaRowsDropped counts ad_image rows with unparseable timestamps
	MediaRowsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_rows_dropped_total",
			Help:      "Media rows dropped because updated_time could not be parsed",
		},
	)

	// SinkBytes counts parquet bytes written per resource type
	SinkBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_bytes_total",
			Help:      "Parquet bytes written by resource type",
		},
		[]string{"resource_type"},
	)

	// Commits counts commit metadata writes
	Commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commit metadata documents written by resource type",
		},
		[]string{"resource_type"},
	)

	// LastSuccess records the execution time of the latest commit
	LastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Execution time of the latest committed run by resource type",
		},
		[]string{"resource_type"},
	)
)

// Timer measures elapsed wall time
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Seconds returns the elapsed time in seconds
func (t *Timer) Seconds() float64 {
	return time.Since(t.start).Seconds()
}

// Push sends every registered metric to a Pushgateway under job
func Push(url, job string, grouping map[string]string) error {
	p := push.New(url, job).Gatherer(prometheus.DefaultGatherer)
	for k, v := range grouping {
		p = p.Grouping(k, v)
	}
	return p.Push()
}
