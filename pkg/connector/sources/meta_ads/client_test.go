package metaads

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lochness-labs/facebook-ingestion/pkg/clients"
	"github.com/lochness-labs/facebook-ingestion/pkg/clock"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
	"github.com/lochness-labs/facebook-ingestion/pkg/secrets"
	"github.com/lochness-labs/facebook-ingestion/pkg/testutil"
)

var epoch = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, baseURL string, mutate func(o *Options)) *Client {
	t.Helper()
	opts := Options{
		BaseURL:     baseURL,
		Version:     "v18.0",
		PageLimit:   1000,
		Credentials: secrets.Credentials{AppID: "app", AppSecret: "shh", AccessToken: "tok"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestListObjects_FollowsCursors(t *testing.T) {
	g := testutil.NewFakeGraph()
	defer g.Close()

	var ads []map[string]any
	for i := 0; i < 5; i++ {
		ads = append(ads, map[string]any{"id": string(rune('a' + i)), "updated_time": "2024-03-01T10:00:00+0000"})
	}
	g.SetObjects("act_1/ads", ads)

	c := newTestClient(t, g.URL(), nil)
	records, err := c.ListObjects(context.Background(), "act_1", models.ResourceAd, []string{"id", "updated_time"}, models.Params{Limit: 1000})
	require.NoError(t, err)

	require.Len(t, records, 5)
	assert.Equal(t, "e", records[4]["id"])
	assert.Equal(t, 3, g.CountPath("act_1/ads"))

	reqs := g.Requests()
	assert.Equal(t, "Bearer tok", reqs[0].Auth)
	assert.Equal(t, AppSecretProof("tok", "shh"), reqs[0].Query.Get("appsecret_proof"))
	assert.Equal(t, "id,updated_time", reqs[0].Query.Get("fields"))
	assert.Equal(t, "1000", reqs[0].Query.Get("limit"))
	assert.Equal(t, "2", reqs[1].Query.Get("after"))
}

func TestListObjects_EncodesFiltering(t *testing.T) {
	g := testutil.NewFakeGraph()
	defer g.Close()
	g.SetObjects("act_1/campaigns", []map[string]any{
		{"id": "old", "updated_time": "2024-01-01T00:00:00+0000"},
		{"id": "new", "updated_time": "2024-03-01T00:00:00+0000"},
	})

	c := newTestClient(t, g.URL(), nil)
	params := models.Params{
		Filtering: []models.Filter{{Field: "updated_time", Operator: "GREATER_THAN", Value: int64(1706745600)}},
		Limit:     1000,
	}
	records, err := c.ListObjects(context.Background(), "1", models.ResourceCampaign, []string{"id"}, params)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0]["id"])

	assert.JSONEq(t,
		`[{"field":"updated_time","operator":"GREATER_THAN","value":1706745600}]`,
		g.Requests()[0].Query.Get("filtering"))
}

func TestListAdAccounts(t *testing.T) {
	g := testutil.NewFakeGraph()
	defer g.Close()
	g.Accounts = []map[string]any{
		{"id": "act_1", "name": "One"},
		{"id": "act_2", "name": "Two"},
		{"id": "act_3", "name": "Three"},
	}

	c := newTestClient(t, g.URL(), nil)
	accounts, err := c.ListAdAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []AdAccount{{"act_1", "One"}, {"act_2", "Two"}, {"act_3", "Three"}}, accounts)
	assert.Equal(t, "id,name", g.Requests()[0].Query.Get("fields"))
}

func TestInsightsJobLifecycle(t *testing.T) {
	g := testutil.NewFakeGraph()
	defer g.Close()
	g.Insights["act_1"] = []map[string]any{{"ad_id": "1", "spend": "1.5"}}

	c := newTestClient(t, g.URL(), nil)
	ctx := context.Background()

	params := models.Params{TimeRange: &models.TimeRange{Since: "2024-03-09", Until: "2024-03-09"}, Level: "ad", Limit: 1000}
	jobID, err := c.SubmitInsightsJob(ctx, "act_1", []string{"ad_id", "spend"}, params)
	require.NoError(t, err)
	assert.Equal(t, "job_1", jobID)

	status, err := c.AsyncStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusJobRunning, status)
	status, err = c.AsyncStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusJobCompleted, status)

	rows, err := c.JobResults(ctx, jobID, 1000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1.5", rows[0]["spend"])

	submit := g.Requests()[0]
	assert.Equal(t, http.MethodPost, submit.Method)
	assert.Equal(t, "ad", submit.Query.Get("level"))
	assert.JSONEq(t, `{"since":"2024-03-09","until":"2024-03-09"}`, submit.Query.Get("time_range"))
}

func TestPreviews(t *testing.T) {
	g := testutil.NewFakeGraph()
	defer g.Close()
	g.Previews["42"] = `<iframe src="https://fb.com/p?a=1&amp;t=2" width="540"></iframe>`

	c := newTestClient(t, g.URL(), nil)
	bodies, err := c.Previews(context.Background(), "42", FormatInstagramStory)
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "iframe")
	assert.Equal(t, FormatInstagramStory, g.Requests()[0].Query.Get("ad_format"))

	_, err = c.Previews(context.Background(), "missing", FormatDesktopFeedStandard)
	assert.Error(t, err)
}

func TestThrottlingErrorPenalizesLimiter(t *testing.T) {
	g := testutil.NewFakeGraph()
	defer g.Close()
	g.Failures["act_1/ads"] = [2]int{http.StatusBadRequest, 17}

	fc := clock.NewFake(epoch)
	limiter := clients.NewTokenBucketRateLimiterWithClock(100, 10, fc)
	c := newTestClient(t, g.URL(), func(o *Options) {
		o.Limiter = limiter
		o.UsagePause = 30 * time.Second
	})

	_, err := c.ListObjects(context.Background(), "act_1", models.ResourceAd, []string{"id"}, models.Params{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))
	assert.True(t, errors.IsRetryable(err))

	stats := limiter.GetStats()
	assert.Equal(t, int64(1), stats.Penalties)
	assert.Equal(t, epoch.Add(30*time.Second), stats.PausedUntil)
}

func TestClassify(t *testing.T) {
	c := newTestClient(t, "http://unused", nil)

	tests := []struct {
		name   string
		status int
		body   string
		want   errors.ErrorType
	}{
		{"app limit", 400, `{"error":{"code":4}}`, errors.ErrorTypeRateLimit},
		{"user limit", 400, `{"error":{"code":17}}`, errors.ErrorTypeRateLimit},
		{"ads insights limit", 400, `{"error":{"code":80000}}`, errors.ErrorTypeRateLimit},
		{"ads management limit", 400, `{"error":{"code":80004}}`, errors.ErrorTypeRateLimit},
		{"too many calls", 400, `{"error":{"code":613}}`, errors.ErrorTypeRateLimit},
		{"http 429", 429, ``, errors.ErrorTypeRateLimit},
		{"expired token", 400, `{"error":{"code":190}}`, errors.ErrorTypeAuthentication},
		{"missing permission", 403, `{"error":{"code":200}}`, errors.ErrorTypePermission},
		{"transient", 400, `{"error":{"code":1,"is_transient":true}}`, errors.ErrorTypeConnection},
		{"server error", 503, `oops`, errors.ErrorTypeConnection},
		{"bad field", 400, `{"error":{"code":100,"message":"Invalid field"}}`, errors.ErrorTypeData},
		{"not json", 400, `<html>`, errors.ErrorTypeData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.classify(tt.status, []byte(tt.body))
			assert.Equal(t, tt.want, errors.TypeOf(err))
		})
	}
}

func TestClassify_KeepsRunesWhole(t *testing.T) {
	c := newTestClient(t, "http://unused", nil)

	body := strings.Repeat("a", maxErrorBody-1) + "é" + strings.Repeat("b", 100)
	err := c.classify(502, []byte(body))
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.NotContains(t, err.Error(), "b")

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
		{"日本", 4, "日"},
		{"日本", 0, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truncate(tt.in, tt.n), "%q[:%d]", tt.in, tt.n)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"act_9","name":"Nine"}]}`))
	}))
	defer srv.Close()

	fc := clock.NewAutoFake(epoch)
	retry := clients.NewRetryPolicy(5, time.Second)
	retry.Clock = fc

	c := newTestClient(t, srv.URL, func(o *Options) { o.Retry = retry })
	accounts, err := c.ListAdAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Greater(t, fc.Slept(), time.Duration(0))
}

func TestParseUsage(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		wantPct    float64
		wantRegain time.Duration
	}{
		{"none", nil, 0, 0},
		{"app usage", map[string]string{HeaderAppUsage: `{"call_count":28,"total_time":95,"total_cputime":12}`}, 95, 0},
		{"ad account usage", map[string]string{HeaderAdAccountUsage: `{"acc_id_util_pct":40.5}`}, 40.5, 0},
		{
			"business use case regain",
			map[string]string{HeaderBusinessUseCaseUsage: `{"123":[{"type":"ads_insights","call_count":100,"total_cputime":10,"total_time":10,"estimated_time_to_regain_access":3}]}`},
			100, 3 * time.Minute,
		},
		{"malformed", map[string]string{HeaderAppUsage: `{nope`}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			u := ParseUsage(h)
			assert.Equal(t, tt.wantPct, u.Percent)
			assert.Equal(t, tt.wantRegain, u.RegainAccess)
		})
	}
}

func TestHighUsageHeaderPausesLimiter(t *testing.T) {
	g := testutil.NewFakeGraph()
	defer g.Close()
	g.Header.Set(HeaderAppUsage, `{"call_count":92,"total_time":10,"total_cputime":10}`)

	fc := clock.NewFake(epoch)
	limiter := clients.NewTokenBucketRateLimiterWithClock(100, 10, fc)
	c := newTestClient(t, g.URL(), func(o *Options) {
		o.Limiter = limiter
		o.UsageThreshold = 90
		o.UsagePause = time.Minute
	})

	_, err := c.ListAdAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute), limiter.GetStats().PausedUntil)
}

func TestExchangeToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v18.0/oauth/access_token", r.URL.Path)
		assert.Equal(t, "fb_exchange_token", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "short", r.URL.Query().Get("fb_exchange_token"))
		_, _ = w.Write([]byte(`{"access_token":"long","token_type":"bearer","expires_in":5184000}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	tok, ttl, err := c.ExchangeToken(context.Background(), "short")
	require.NoError(t, err)
	assert.Equal(t, "long", tok)
	assert.Equal(t, 60*24*time.Hour, ttl)

	noApp := newTestClient(t, srv.URL, func(o *Options) {
		o.Credentials = secrets.Credentials{LongLivedUserToken: "llt"}
	})
	_, _, err = noApp.ExchangeToken(context.Background(), "short")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestEdgeAndAccountNode(t *testing.T) {
	edge, err := Edge(models.ResourceAdSet)
	require.NoError(t, err)
	assert.Equal(t, "adsets", edge)

	_, err = Edge(models.ResourceType("ad_video"))
	assert.Error(t, err)

	assert.Equal(t, "act_1", AccountNode("1"))
	assert.Equal(t, "act_1", AccountNode("act_1"))
}
