package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
)

// MediaMode decides whether media types run
type MediaMode int

const (
	// MediaScheduled follows the cron schedule
	MediaScheduled MediaMode = iota
	// MediaAlways runs media on every run
	MediaAlways
	// MediaNever skips media
	MediaNever
)

// ParseMediaMode parses "schedule", "always" or "never"
func ParseMediaMode(s string) (MediaMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "schedule", "scheduled":
		return MediaScheduled, nil
	case "always", "on", "true":
		return MediaAlways, nil
	case "never", "off", "false":
		return MediaNever, nil
	default:
		return MediaScheduled, errors.Newf(errors.ErrorTypeConfig, "unknown media mode %q", s)
	}
}

func (m MediaMode) String() string {
	switch m {
	case MediaAlways:
		return "always"
	case MediaNever:
		return "never"
	default:
		return "schedule"
	}
}

// MediaSchedule selects the days media types are extracted
type MediaSchedule struct {
	expr     string
	schedule cron.Schedule
	mode     MediaMode
}

// NewMediaSchedule parses a standard five-field cron expression
func NewMediaSchedule(expr string, mode MediaMode) (*MediaSchedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "media_schedule %q", expr)
	}
	return &MediaSchedule{expr: expr, schedule: sched, mode: mode}, nil
}

// Matches reports whether the schedule fires at some point on the calendar
// day of t, in t's location
func (m *MediaSchedule) Matches(t time.Time) bool {
	switch m.mode {
	case MediaAlways:
		return true
	case MediaNever:
		return false
	}
	y, mo, d := t.Date()
	start := time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
	end := start.AddDate(0, 0, 1)
	next := m.schedule.Next(start.Add(-time.Second))
	return !next.IsZero() && next.Before(end)
}

func (m *MediaSchedule) String() string {
	return fmt.Sprintf("%s (%s)", m.expr, m.mode)
}
