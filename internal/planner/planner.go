// Package planner turns a resource type and its watermark into the request
// parameter bundles of one extraction.
package planner

import (
	"time"

	"github.com/lochness-labs/facebook-ingestion/pkg/clock"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
)

const (
	// DateLayout is the layout of time_range bounds
	DateLayout = "2006-01-02"
	// PageLimit is the page size requested for every list call
	PageLimit = 1000
	// InsightsLevel is the aggregation level of insights reports
	InsightsLevel = "ad"
)

// Planner computes parameter bundles against a clock and a timezone
type Planner struct {
	clock clock.Clock
	loc   *time.Location
}

// New creates a planner; a nil location means UTC
func New(c clock.Clock, loc *time.Location) *Planner {
	if c == nil {
		c = clock.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Planner{clock: c, loc: loc}
}

// Plan returns the bundles to request for rt. Entity types get one bundle
// filtered on updated_time, insights get a since-window up to yesterday and
// a today-window, and media get one unfiltered bundle.
func (p *Planner) Plan(rt models.ResourceType, watermark int64, isFirstRun bool) ([]models.Params, error) {
	if !rt.Valid() {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no plan for resource type %q", rt)
	}

	switch rt.Kind() {
	case models.KindTimeSeries:
		return p.windows(watermark, isFirstRun), nil
	case models.KindMedia:
		return []models.Params{{Limit: PageLimit}}, nil
	default:
		return []models.Params{{
			Filtering: []models.Filter{{
				Field:    "updated_time",
				Operator: "GREATER_THAN",
				Value:    watermark,
			}},
			Limit: PageLimit,
		}}, nil
	}
}

func (p *Planner) windows(watermark int64, isFirstRun bool) []models.Params {
	now := p.clock.Now().In(p.loc)
	today := civil(now)
	yesterday := today.AddDate(0, 0, -1)

	since := yesterday
	if isFirstRun {
		since = civil(time.Unix(watermark, 0).In(p.loc))
	}

	var out []models.Params
	if !since.After(yesterday) {
		out = append(out, window(since, yesterday))
	}
	return append(out, window(today, today))
}

func window(since, until time.Time) models.Params {
	return models.Params{
		TimeRange: &models.TimeRange{Since: since.Format(DateLayout), Until: until.Format(DateLayout)},
		Level:     InsightsLevel,
		Limit:     PageLimit,
	}
}

// civil truncates t to midnight of its own day, in UTC so that AddDate never
// crosses a DST gap
func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
