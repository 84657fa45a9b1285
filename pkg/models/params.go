package models

import (
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"
)

// Filter is one server-side filtering clause
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// TimeRange is an inclusive date window in YYYY-MM-DD form
type TimeRange struct {
	Since string `json:"since"`
	Until string `json:"until"`
}

// Params is one bundle of request parameters for a remote list call
type Params struct {
	Filtering []Filter   `json:"filtering,omitempty"`
	TimeRange *TimeRange `json:"time_range,omitempty"`
	Level     string     `json:"level,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// Query encodes the bundle as Graph API query parameters. Structured values
// are sent as JSON strings.
func (p Params) Query() (url.Values, error) {
	q := url.Values{}
	if len(p.Filtering) > 0 {
		b, err := json.Marshal(p.Filtering)
		if err != nil {
			return nil, err
		}
		q.Set("filtering", string(b))
	}
	if p.TimeRange != nil {
		b, err := json.Marshal(p.TimeRange)
		if err != nil {
			return nil, err
		}
		q.Set("time_range", string(b))
	}
	if p.Level != "" {
		q.Set("level", p.Level)
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	return q, nil
}
