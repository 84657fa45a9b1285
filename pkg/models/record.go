// Package models holds the domain types shared by the sync engine: resource
// types, raw API records, normalized rows, tables and watermark scopes.
package models

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
)

// ResourceType identifies a kind of extractable Marketing API entity
type ResourceType string

const (
	ResourceAd         ResourceType = "ad"
	ResourceAdSet      ResourceType = "ad_set"
	ResourceCampaign   ResourceType = "campaign"
	ResourceAdInsights ResourceType = "ad_insights"
	ResourceAdImage    ResourceType = "ad_image"
	ResourceAdCreative ResourceType = "ad_creative"
)

// Kind groups resource types by how they are extracted
type Kind int

const (
	// KindEntity types are listed with a server-side updated_time filter
	KindEntity Kind = iota
	// KindTimeSeries types are produced by async report jobs over date windows
	KindTimeSeries
	// KindMedia types cannot be filtered server-side
	KindMedia
)

// Kind returns how the resource type is extracted
func (r ResourceType) Kind() Kind {
	switch r {
	case ResourceAdInsights:
		return KindTimeSeries
	case ResourceAdImage:
		return KindMedia
	default:
		return KindEntity
	}
}

// Valid reports whether r is a known resource type
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceAd, ResourceAdSet, ResourceCampaign, ResourceAdInsights, ResourceAdImage, ResourceAdCreative:
		return true
	}
	return false
}

func (r ResourceType) String() string { return string(r) }

// Record is one raw object as decoded from the Graph API
type Record map[string]any

// Row is one normalized, flat row. Values keep their decoded type until the
// sink coerces them to text.
type Row map[string]any

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is an ordered set of rows sharing one column layout
type Table struct {
	ResourceType ResourceType
	Columns      []string
	Rows         []Row

	index map[string]struct{}
}

// NewTable creates an empty table with the given column layout
func NewTable(rt ResourceType, columns []string) *Table {
	t := &Table{ResourceType: rt, index: make(map[string]struct{}, len(columns))}
	for _, c := range columns {
		t.AddColumn(c)
	}
	return t
}

// AddColumn appends a column if it is not already present
func (t *Table) AddColumn(name string) {
	if t.index == nil {
		t.index = make(map[string]struct{})
		for _, c := range t.Columns {
			t.index[c] = struct{}{}
		}
	}
	if _, ok := t.index[name]; ok {
		return
	}
	t.index[name] = struct{}{}
	t.Columns = append(t.Columns, name)
}

// HasColumn reports whether the column exists
func (t *Table) HasColumn(name string) bool {
	if t.index == nil {
		for _, c := range t.Columns {
			if c == name {
				return true
			}
		}
		return false
	}
	_, ok := t.index[name]
	return ok
}

// Append adds rows, registering any column the layout does not know yet
func (t *Table) Append(rows ...Row) {
	for _, r := range rows {
		for k := range r {
			if !t.HasColumn(k) {
				t.AddColumn(k)
			}
		}
		t.Rows = append(t.Rows, r)
	}
}

// Len returns the number of rows
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Scope identifies one watermark lineage
type Scope struct {
	Zone       string
	Tier       string
	Source     string
	Extraction string
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", s.Zone, s.Tier, s.Source, s.Extraction)
}

// Text coerces a decoded JSON value to its stored text form. Absent values
// become the empty string; lists and objects are stored as compact JSON.
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}
