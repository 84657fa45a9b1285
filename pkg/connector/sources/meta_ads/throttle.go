package metaads

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lochness-labs/facebook-ingestion/pkg/metrics"
)

// Usage headers returned by the Graph API
const (
	HeaderBusinessUseCaseUsage = "X-Business-Use-Case-Usage"
	HeaderAdAccountUsage       = "X-Ad-Account-Usage"
	HeaderAppUsage             = "X-App-Usage"
)

// Usage summarizes the usage headers of one response
type Usage struct {
	// Percent is the highest usage percentage reported
	Percent float64
	// RegainAccess is the longest wait announced by the API
	RegainAccess time.Duration
}

type bucUsage struct {
	Type                        string  `json:"type"`
	CallCount                   float64 `json:"call_count"`
	TotalCPUTime                float64 `json:"total_cputime"`
	TotalTime                   float64 `json:"total_time"`
	EstimatedTimeToRegainAccess float64 `json:"estimated_time_to_regain_access"`
}

type appUsage struct {
	CallCount    float64 `json:"call_count"`
	TotalCPUTime float64 `json:"total_cputime"`
	TotalTime    float64 `json:"total_time"`
}

type adAccountUsage struct {
	AccIDUtilPct      float64 `json:"acc_id_util_pct"`
	ResetTimeDuration float64 `json:"reset_time_duration"`
}

// ParseUsage reads the usage headers. Malformed headers are ignored.
func ParseUsage(h http.Header) Usage {
	var u Usage

	if v := h.Get(HeaderAppUsage); v != "" {
		var app appUsage
		if json.Unmarshal([]byte(v), &app) == nil {
			u.Percent = maxOf(u.Percent, app.CallCount, app.TotalCPUTime, app.TotalTime)
		}
	}

	if v := h.Get(HeaderAdAccountUsage); v != "" {
		var acc adAccountUsage
		if json.Unmarshal([]byte(v), &acc) == nil {
			u.Percent = maxOf(u.Percent, acc.AccIDUtilPct)
			if acc.AccIDUtilPct >= 100 && acc.ResetTimeDuration > 0 {
				u.RegainAccess = maxDuration(u.RegainAccess, time.Duration(acc.ResetTimeDuration)*time.Second)
			}
		}
	}

	if v := h.Get(HeaderBusinessUseCaseUsage); v != "" {
		var buc map[string][]bucUsage
		if json.Unmarshal([]byte(v), &buc) == nil {
			for _, entries := range buc {
				for _, e := range entries {
					u.Percent = maxOf(u.Percent, e.CallCount, e.TotalCPUTime, e.TotalTime)
					if e.EstimatedTimeToRegainAccess > 0 {
						// reported in minutes
						u.RegainAccess = maxDuration(u.RegainAccess, time.Duration(e.EstimatedTimeToRegainAccess*float64(time.Minute)))
					}
				}
			}
		}
	}

	return u
}

// observeUsage pauses the shared limiter when the API reports high usage
func (c *Client) observeUsage(h http.Header) {
	u := ParseUsage(h)

	var pause time.Duration
	switch {
	case u.RegainAccess > 0:
		pause = u.RegainAccess
	case u.Percent >= c.threshold:
		pause = c.usagePause
	default:
		return
	}

	metrics.APIThrottled.Inc()
	c.limiter.Penalize(pause)
	c.logger.Warn("api usage high, pausing outbound calls",
		zap.Float64("usage_pct", u.Percent),
		zap.Duration("pause", pause))
}

func maxOf(cur float64, vals ...float64) float64 {
	for _, v := range vals {
		if v > cur {
			cur = v
		}
	}
	return cur
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
