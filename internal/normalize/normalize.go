// Package normalize flattens raw Graph API records into rows. Each configured
// field is read through its Rule; ad images are exploded per creative and
// filtered client-side against the watermark; ads get a resolved preview URL.
package normalize

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/metrics"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
)

// Placement columns lifted out of targeting
var Placements = []string{
	"publisher_platforms",
	"instagram_positions",
	"facebook_positions",
	"device_platforms",
}

const (
	// PreviewColumn holds the resolved preview URL of an ad
	PreviewColumn = "preview_url"

	creativesField   = "creatives"
	updatedTimeField = "updated_time"
	// updated_time without its "+0000" offset suffix
	mediaTimeLayout = "2006-01-02T15:04:05"
)

// Columns returns the row layout produced for a field schema
func Columns(fields []Field, rt models.ResourceType) []string {
	cols := make([]string, 0, len(fields)+len(Placements)+1)
	seen := make(map[string]bool, cap(cols))
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	for _, f := range fields {
		add(f.Name)
		if f.Rule == RuleExpandTargeting {
			for _, p := range Placements {
				add(p)
			}
		}
	}
	if rt == models.ResourceAd {
		add(PreviewColumn)
	}
	return cols
}

// Batch is the outcome of normalizing a list of records
type Batch struct {
	Rows []models.Row
	// Filtered counts media rows older than the watermark
	Filtered int
	// Invalid counts records that could not be normalized
	Invalid int
}

// Normalizer applies field rules to records
type Normalizer struct {
	logger *zap.Logger
}

// New creates a normalizer
func New(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger.With(zap.String("component", "normalizer"))}
}

// Normalize turns one record into rows. Media records may yield several rows
// or none. A record that cannot be read returns an ErrorTypeData error.
func (n *Normalizer) Normalize(rec models.Record, fields []Field, rt models.ResourceType, watermark int64) ([]models.Row, error) {
	rows, _, err := n.normalize(rec, fields, rt, watermark)
	return rows, err
}

// NormalizeAll normalizes every record. Invalid records are logged, counted
// and skipped.
func (n *Normalizer) NormalizeAll(records []models.Record, fields []Field, rt models.ResourceType, watermark int64) Batch {
	var b Batch
	for _, rec := range records {
		rows, filtered, err := n.normalize(rec, fields, rt, watermark)
		b.Filtered += filtered
		if err != nil {
			b.Invalid++
			n.logger.Warn("dropping record",
				zap.String("resource_type", string(rt)),
				zap.String("id", models.Text(rec["id"])),
				zap.Error(err))
			continue
		}
		b.Rows = append(b.Rows, rows...)
	}
	if rt.Kind() == models.KindMedia {
		metrics.MediaRowsDropped.Add(float64(b.Invalid))
	}
	return b
}

func (n *Normalizer) normalize(rec models.Record, fields []Field, rt models.ResourceType, watermark int64) ([]models.Row, int, error) {
	row := make(models.Row, len(fields))
	for _, f := range fields {
		if err := apply(f, rec, row); err != nil {
			return nil, 0, err
		}
	}

	if rt.Kind() != models.KindMedia {
		return []models.Row{row}, 0, nil
	}

	updated, err := mediaTime(rec)
	if err != nil {
		return nil, 0, err
	}
	exploded := explode(row)
	if updated.Unix() < watermark {
		return nil, len(exploded), nil
	}
	return exploded, 0, nil
}

func apply(f Field, rec models.Record, row models.Row) error {
	v, present := rec[f.Name]

	switch f.Rule {
	case RuleNestedID:
		if !present || v == nil {
			row[f.Name] = ""
			return nil
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return shapeError(f, "an object")
		}
		row[f.Name] = orEmpty(obj["id"])

	case RuleFirstOfList:
		row[f.Name] = first(v)

	case RuleScalarFromValueWrapper:
		head := first(v)
		if head == "" {
			row[f.Name] = ""
			return nil
		}
		obj, ok := head.(map[string]any)
		if !ok {
			return shapeError(f, "a list of value objects")
		}
		row[f.Name] = orEmpty(obj["value"])

	case RuleExpandTargeting:
		row[f.Name] = orEmpty(v)
		obj, _ := v.(map[string]any)
		for _, p := range Placements {
			row[p] = ""
			if obj != nil {
				if pv, ok := obj[p]; ok {
					row[p] = pv
				}
			}
		}

	default:
		row[f.Name] = orEmpty(v)
	}
	return nil
}

func shapeError(f Field, want string) error {
	return errors.Newf(errors.ErrorTypeData, "field %q is not %s", f.Name, want).
		WithDetail("rule", f.Rule.String())
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

// first returns the first element of a list, or "" for anything else
func first(v any) any {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	return orEmpty(list[0])
}

// explode emits one row per element of creatives. An absent or empty list
// keeps a single row.
func explode(row models.Row) []models.Row {
	list, ok := row[creativesField].([]any)
	if !ok || len(list) == 0 {
		if ok {
			row[creativesField] = ""
		}
		return []models.Row{row}
	}
	out := make([]models.Row, 0, len(list))
	for _, c := range list {
		r := row.Clone()
		r[creativesField] = orEmpty(c)
		out = append(out, r)
	}
	return out
}

// mediaTime parses updated_time with its offset suffix cut off, in UTC
func mediaTime(rec models.Record) (time.Time, error) {
	raw := strings.TrimSpace(models.Text(rec[updatedTimeField]))
	if len(raw) <= 5 {
		return time.Time{}, errors.Newf(errors.ErrorTypeData, "media record has no usable updated_time %q", raw)
	}
	t, err := time.ParseInLocation(mediaTimeLayout, raw[:len(raw)-5], time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, errors.ErrorTypeData, "media record updated_time %q", raw)
	}
	return t, nil
}
