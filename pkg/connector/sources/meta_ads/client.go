// Package metaads is a Graph API client for the Meta Marketing API. It lists
// ad accounts and their objects with cursor pagination, runs async insights
// reports and renders ad previews. Every call passes through a shared rate
// limiter and a retry policy, and usage headers reported by the API slow the
// limiter down before hard throttling kicks in.
package metaads

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/lochness-labs/facebook-ingestion/pkg/clients"
	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/metrics"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
	"github.com/lochness-labs/facebook-ingestion/pkg/secrets"
)

const userAgent = "facebook-ingest/1.0"

// Options configures a Client
type Options struct {
	BaseURL     string
	Version     string
	PageLimit   int
	Credentials secrets.Credentials

	// HTTPClient is the base client; its transport is wrapped with auth
	HTTPClient *http.Client
	// Limiter is shared by every outbound call
	Limiter clients.RateLimiter
	Retry   *clients.RetryPolicy

	// UsageThreshold is the usage percentage above which the limiter is paused
	UsageThreshold float64
	UsagePause     time.Duration
}

// Client calls the Graph API
type Client struct {
	baseURL    string
	version    string
	pageLimit  int
	creds      secrets.Credentials
	appProof   string
	httpClient *http.Client
	limiter    clients.RateLimiter
	retry      *clients.RetryPolicy
	threshold  float64
	usagePause time.Duration
	logger     *zap.Logger
}

// NewClient builds a client authenticated with the credentials' token
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if err := opts.Credentials.Validate(); err != nil {
		return nil, err
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://graph.facebook.com"
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 1000
	}
	if opts.Limiter == nil {
		opts.Limiter = clients.Unlimited{}
	}
	if opts.Retry == nil {
		opts.Retry = clients.NewRetryPolicy(1, 0)
	}
	if opts.UsageThreshold <= 0 {
		opts.UsageThreshold = 90
	}
	if opts.UsagePause <= 0 {
		opts.UsagePause = time.Minute
	}

	logger = logger.With(zap.String("component", "graph_client"))
	base := opts.HTTPClient
	if base == nil {
		base = clients.NewHTTPClient(nil, logger)
	}

	token := opts.Credentials.Token()
	authed := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   base.Transport,
		},
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		version:    opts.Version,
		pageLimit:  opts.PageLimit,
		creds:      opts.Credentials,
		httpClient: authed,
		limiter:    opts.Limiter,
		retry:      opts.Retry,
		threshold:  opts.UsageThreshold,
		usagePause: opts.UsagePause,
		logger:     logger,
	}
	if opts.Credentials.AppSecret != "" {
		c.appProof = AppSecretProof(token, opts.Credentials.AppSecret)
	}
	return c, nil
}

// AppSecretProof returns the HMAC-SHA256 of token keyed by the app secret
func AppSecretProof(token, appSecret string) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// ListAdAccounts returns every ad account the token can read
func (c *Client) ListAdAccounts(ctx context.Context) ([]AdAccount, error) {
	q := url.Values{}
	q.Set("fields", "id,name")
	q.Set("limit", strconv.Itoa(c.pageLimit))

	records, err := c.paginate(ctx, "adaccounts", "me/adaccounts", q)
	if err != nil {
		return nil, err
	}

	accounts := make([]AdAccount, 0, len(records))
	for _, r := range records {
		accounts = append(accounts, AdAccount{ID: models.Text(r["id"]), Name: models.Text(r["name"])})
	}
	return accounts, nil
}

// ListObjects lists one resource type of an account with the given fields
// and parameter bundle, following every page
func (c *Client) ListObjects(ctx context.Context, accountID string, rt models.ResourceType, fields []string, params models.Params) ([]models.Record, error) {
	edge, err := Edge(rt)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "unsupported resource type")
	}

	q, err := params.Query()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "encode params")
	}
	q.Set("fields", strings.Join(fields, ","))

	return c.paginate(ctx, string(rt), AccountNode(accountID)+"/"+edge, q)
}

// SubmitInsightsJob starts an async insights report and returns its id
func (c *Client) SubmitInsightsJob(ctx context.Context, accountID string, fields []string, params models.Params) (string, error) {
	q, err := params.Query()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "encode params")
	}
	q.Set("fields", strings.Join(fields, ","))

	body, err := c.call(ctx, "insights_submit", http.MethodPost, AccountNode(accountID)+"/insights", q)
	if err != nil {
		return "", err
	}

	var out asyncJobResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "decode async job response")
	}
	if out.ReportRunID == "" {
		return "", errors.New(errors.ErrorTypeData, "async job response has no report_run_id")
	}
	return out.ReportRunID, nil
}

// JobStatus reads the state of an async report
func (c *Client) JobStatus(ctx context.Context, jobID string) (*ReportRun, error) {
	q := url.Values{}
	q.Set("fields", "id,async_status,async_percent_completion")

	body, err := c.call(ctx, "insights_status", http.MethodGet, jobID, q)
	if err != nil {
		return nil, err
	}

	var run ReportRun
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decode report run")
	}
	return &run, nil
}

// AsyncStatus returns only the async_status of a report
func (c *Client) AsyncStatus(ctx context.Context, jobID string) (string, error) {
	run, err := c.JobStatus(ctx, jobID)
	if err != nil {
		return "", err
	}
	return run.AsyncStatus, nil
}

// JobResults pages through the rows of a completed report
func (c *Client) JobResults(ctx context.Context, jobID string, limit int) ([]models.Record, error) {
	if limit <= 0 {
		limit = c.pageLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	return c.paginate(ctx, "insights_results", jobID+"/insights", q)
}

// Previews renders an ad in the given format and returns the HTML bodies
func (c *Client) Previews(ctx context.Context, adID, format string) ([]string, error) {
	q := url.Values{}
	q.Set("ad_format", format)

	body, err := c.call(ctx, "previews", http.MethodGet, adID+"/previews", q)
	if err != nil {
		return nil, err
	}

	var out previewPage
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "decode previews")
	}
	bodies := make([]string, 0, len(out.Data))
	for _, d := range out.Data {
		bodies = append(bodies, d.Body)
	}
	return bodies, nil
}

// ExchangeToken trades a short-lived user token for a long-lived one
func (c *Client) ExchangeToken(ctx context.Context, shortLived string) (string, time.Duration, error) {
	if c.creds.AppID == "" || c.creds.AppSecret == "" {
		return "", 0, errors.New(errors.ErrorTypeConfig, "token exchange needs app id and app secret")
	}

	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", c.creds.AppID)
	q.Set("client_secret", c.creds.AppSecret)
	q.Set("fb_exchange_token", shortLived)

	body, err := c.call(ctx, "token_exchange", http.MethodGet, "oauth/access_token", q)
	if err != nil {
		return "", 0, err
	}

	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", 0, errors.Wrap(err, errors.ErrorTypeData, "decode token response")
	}
	if out.AccessToken == "" {
		return "", 0, errors.New(errors.ErrorTypeAuthentication, "token exchange returned no token")
	}
	return out.AccessToken, time.Duration(out.ExpiresIn) * time.Second, nil
}

// paginate follows cursors until the last page
func (c *Client) paginate(ctx context.Context, op, path string, q url.Values) ([]models.Record, error) {
	var out []models.Record
	pages := 0

	for {
		body, err := c.call(ctx, op, http.MethodGet, path, q)
		if err != nil {
			return nil, err
		}

		var p page
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&p); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode API response")
		}
		out = append(out, p.Data...)
		pages++

		if p.Paging == nil || p.Paging.Next == "" {
			break
		}

		cursor := ""
		if p.Paging.Cursors != nil && p.Paging.Cursors.After != "" {
			cursor = p.Paging.Cursors.After
		} else if parsed, err := url.Parse(p.Paging.Next); err == nil {
			cursor = parsed.Query().Get("after")
		}
		if cursor == "" || cursor == q.Get("after") {
			break
		}
		q.Set("after", cursor)
	}

	c.logger.Debug("pagination complete",
		zap.String("operation", op),
		zap.Int("pages", pages),
		zap.Int("records", len(out)))
	return out, nil
}

// call runs one request through the limiter and the retry policy
func (c *Client) call(ctx context.Context, op, method, path string, q url.Values) ([]byte, error) {
	var body []byte
	err := c.retry.Execute(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		b, err := c.do(ctx, op, method, path, q)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values) ([]byte, error) {
	params := url.Values{}
	for k, v := range q {
		params[k] = v
	}
	if c.appProof != "" {
		params.Set("appsecret_proof", c.appProof)
	}

	endpoint := c.endpoint(path)
	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create HTTP request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APIRequests.WithLabelValues(op, "transport_error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "HTTP request failed")
	}
	defer resp.Body.Close()

	c.observeUsage(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.APIRequests.WithLabelValues(op, "read_error").Inc()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read response body")
	}
	metrics.APIRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		apiErr := c.classify(resp.StatusCode, body)
		if errors.IsType(apiErr, errors.ErrorTypeRateLimit) {
			metrics.APIThrottled.Inc()
			c.limiter.Penalize(c.usagePause)
		}
		c.logger.Warn("graph api error",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
			zap.Error(apiErr))
		return nil, apiErr
	}
	return body, nil
}

func (c *Client) endpoint(path string) string {
	path = strings.TrimPrefix(path, "/")
	if c.version == "" {
		return c.baseURL + "/" + path
	}
	return c.baseURL + "/" + c.version + "/" + path
}

// throttling error codes of the Graph API
func isThrottleCode(code int) bool {
	switch code {
	case 4, 17, 32, 613:
		return true
	}
	return code >= 80000 && code <= 80014
}

// maxErrorBody caps a raw error body quoted in an error message
const maxErrorBody = 512

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// classify maps an error response to a typed error
func (c *Client) classify(status int, body []byte) error {
	var env apiError
	_ = json.Unmarshal(body, &env)
	e := env.Error

	msg := e.Message
	if msg == "" {
		msg = truncate(strings.TrimSpace(string(body)), maxErrorBody)
	}

	var errType errors.ErrorType
	switch {
	case isThrottleCode(e.Code) || status == http.StatusTooManyRequests:
		errType = errors.ErrorTypeRateLimit
	case e.Code == 190 || status == http.StatusUnauthorized:
		errType = errors.ErrorTypeAuthentication
	case e.Code == 10 || (e.Code >= 200 && e.Code <= 299) || status == http.StatusForbidden:
		errType = errors.ErrorTypePermission
	case e.IsTransient || e.Code == 1 || e.Code == 2 || status >= 500:
		errType = errors.ErrorTypeConnection
	case status == http.StatusNotFound:
		errType = errors.ErrorTypeNotFound
	default:
		errType = errors.ErrorTypeData
	}

	return errors.Newf(errType, "graph api status %d: %s", status, msg).
		WithDetail("code", e.Code).
		WithDetail("subcode", e.ErrorSubcode).
		WithDetail("fbtrace_id", e.FBTraceID)
}
