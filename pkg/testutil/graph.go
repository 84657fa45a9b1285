package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// GraphUpdatedTimeLayout is the timestamp layout of updated_time fields
const GraphUpdatedTimeLayout = "2006-01-02T15:04:05-0700"

// RecordedRequest is one request received by FakeGraph
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Auth   string
}

// FakeGraph is an in-process Graph API serving accounts, object edges,
// async insights jobs and ad previews
type FakeGraph struct {
	Server  *httptest.Server
	Version string

	mu sync.Mutex
	// Accounts listed by me/adaccounts
	Accounts []map[string]any
	// Objects maps "<account node>/<edge>" to the objects of that edge.
	// A filtering clause on updated_time is applied server-side.
	Objects map[string][]map[string]any
	// PageSize is the number of objects per page
	PageSize int
	// Insights maps an account node to the rows of its reports
	Insights map[string][]map[string]any
	// JobStatuses is the async_status sequence returned while polling; the
	// last entry repeats
	JobStatuses []string
	// Previews maps an ad id to its rendered preview body
	Previews map[string]string
	// Failures maps a path to a status code and error code to answer with
	Failures map[string][2]int
	// Header is added to every response
	Header http.Header

	requests []RecordedRequest
	jobs     map[string]*fakeJob
	nextJob  int
}

type fakeJob struct {
	account   string
	timeRange string
	polls     int
}

// NewFakeGraph starts a fake Graph API; it is closed with Close
func NewFakeGraph() *FakeGraph {
	g := &FakeGraph{
		Version:     "v18.0",
		Objects:     make(map[string][]map[string]any),
		Insights:    make(map[string][]map[string]any),
		Previews:    make(map[string]string),
		Failures:    make(map[string][2]int),
		Header:      http.Header{},
		PageSize:    2,
		JobStatuses: []string{"Job Running", "Job Completed"},
		jobs:        make(map[string]*fakeJob),
	}
	g.Server = httptest.NewServer(http.HandlerFunc(g.handle))
	return g
}

// URL returns the base URL to configure clients with
func (g *FakeGraph) URL() string { return g.Server.URL }

// Close stops the server
func (g *FakeGraph) Close() { g.Server.Close() }

// Requests returns a copy of the recorded requests
func (g *FakeGraph) Requests() []RecordedRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]RecordedRequest(nil), g.requests...)
}

// CountPath counts requests whose path ends with suffix
func (g *FakeGraph) CountPath(suffix string) int {
	n := 0
	for _, r := range g.Requests() {
		if strings.HasSuffix(r.Path, suffix) {
			n++
		}
	}
	return n
}

// SetObjects replaces the objects of an account edge
func (g *FakeGraph) SetObjects(key string, objs []map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Objects[key] = objs
}

func (g *FakeGraph) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	prefix := "/" + g.Version + "/"
	path := strings.TrimPrefix(r.URL.Path, prefix)

	g.mu.Lock()
	g.requests = append(g.requests, RecordedRequest{
		Method: r.Method,
		Path:   path,
		Query:  cloneValues(r.Form),
		Auth:   r.Header.Get("Authorization"),
	})
	for k, vs := range g.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	failure, failing := g.Failures[path]
	g.mu.Unlock()

	if failing {
		writeJSON(w, failure[0], map[string]any{"error": map[string]any{
			"message": fmt.Sprintf("forced failure on %s", path),
			"code":    failure[1],
		}})
		return
	}

	parts := strings.Split(path, "/")
	switch {
	case path == "me/adaccounts":
		g.mu.Lock()
		objs := g.Accounts
		g.mu.Unlock()
		g.writePage(w, r, objs)

	case len(parts) == 2 && strings.HasPrefix(parts[0], "act_") && parts[1] == "insights" && r.Method == http.MethodPost:
		g.mu.Lock()
		g.nextJob++
		id := "job_" + strconv.Itoa(g.nextJob)
		g.jobs[id] = &fakeJob{account: parts[0], timeRange: r.Form.Get("time_range")}
		g.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"report_run_id": id})

	case len(parts) == 1 && strings.HasPrefix(parts[0], "job_"):
		g.mu.Lock()
		job, ok := g.jobs[parts[0]]
		status := ""
		if ok {
			idx := job.polls
			if idx >= len(g.JobStatuses) {
				idx = len(g.JobStatuses) - 1
			}
			status = g.JobStatuses[idx]
			job.polls++
		}
		g.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"message": "unknown job", "code": 100}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": parts[0], "async_status": status, "async_percent_completion": 50})

	case len(parts) == 2 && strings.HasPrefix(parts[0], "job_") && parts[1] == "insights":
		g.mu.Lock()
		job := g.jobs[parts[0]]
		var rows []map[string]any
		if job != nil {
			for _, row := range g.Insights[job.account] {
				out := make(map[string]any, len(row)+1)
				for k, v := range row {
					out[k] = v
				}
				out["time_range"] = job.timeRange
				rows = append(rows, out)
			}
		}
		g.mu.Unlock()
		g.writePage(w, r, rows)

	case len(parts) == 2 && parts[1] == "previews":
		g.mu.Lock()
		body, ok := g.Previews[parts[0]]
		g.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "no preview", "code": 100}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"body": body}}})

	case len(parts) == 2 && strings.HasPrefix(parts[0], "act_"):
		g.mu.Lock()
		objs := g.Objects[path]
		g.mu.Unlock()
		filtered, err := applyFiltering(objs, r.Form.Get("filtering"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.writePage(w, r, filtered)

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{"message": "unknown path " + path, "code": 803}})
	}
}

func (g *FakeGraph) writePage(w http.ResponseWriter, r *http.Request, objs []map[string]any) {
	size := g.PageSize
	if size <= 0 {
		size = len(objs)
	}
	start := 0
	if after := r.Form.Get("after"); after != "" {
		start, _ = strconv.Atoi(after)
	}
	if start > len(objs) {
		start = len(objs)
	}
	end := start + size
	if end > len(objs) {
		end = len(objs)
	}

	resp := map[string]any{"data": objs[start:end]}
	if end < len(objs) {
		next := *r.URL
		q := cloneValues(r.Form)
		q.Set("after", strconv.Itoa(end))
		next.RawQuery = q.Encode()
		resp["paging"] = map[string]any{
			"cursors": map[string]any{"after": strconv.Itoa(end)},
			"next":    g.Server.URL + next.String(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func applyFiltering(objs []map[string]any, filtering string) ([]map[string]any, error) {
	if filtering == "" {
		return objs, nil
	}
	var clauses []struct {
		Field    string `json:"field"`
		Operator string `json:"operator"`
		Value    any    `json:"value"`
	}
	if err := json.Unmarshal([]byte(filtering), &clauses); err != nil {
		return nil, err
	}

	out := objs
	for _, c := range clauses {
		if c.Field != "updated_time" || c.Operator != "GREATER_THAN" {
			continue
		}
		threshold, err := strconv.ParseFloat(fmt.Sprint(c.Value), 64)
		if err != nil {
			return nil, err
		}
		var kept []map[string]any
		for _, o := range out {
			ts, err := time.Parse(GraphUpdatedTimeLayout, fmt.Sprint(o["updated_time"]))
			if err != nil || ts.Unix() > int64(threshold) {
				kept = append(kept, o)
			}
		}
		out = kept
	}
	return out, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	b, _ := json.Marshal(v)
	_, _ = w.Write(b)
}
