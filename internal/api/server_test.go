package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thevivek0408/couchsurfing/internal/api"
	"github.com/thevivek0408/couchsurfing/internal/auth"
	"github.com/thevivek0408/couchsurfing/internal/jobs"
	"github.com/thevivek0408/couchsurfing/internal/store"
)

type fakeStore struct {
	pingErr error
	jobs    map[int64]store.Job
	filter  store.JobFilter
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetJob(_ context.Context, id int64) (*store.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}

func (f *fakeStore) ListJobs(_ context.Context, filter store.JobFilter) ([]store.Job, error) {
	f.filter = filter
	var out []store.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeStore) RetryJob(_ context.Context, id int64, tries int) (*store.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.State != store.StateFailed {
		return nil, store.ErrNotRetryable
	}
	j.State, j.MaxTries = store.StatePending, j.TryCount+tries
	f.jobs[id] = j
	return &j, nil
}

func (f *fakeStore) CountByState(context.Context) (map[store.State]int64, error) {
	return map[store.State]int64{
		store.StatePending: 2, store.StateCompleted: 5, store.StateFailed: 1, store.StateError: 0,
	}, nil
}

func (f *fakeStore) CountReady(context.Context) (int64, error) { return 2, nil }

type fakeEnqueuer struct {
	jobType string
	payload any
	opts    []jobs.EnqueueOption
	err     error
}

func (f *fakeEnqueuer) Registry() *jobs.Registry {
	r, err := jobs.NewRegistry(jobs.Defaults{},
		jobs.Define("echo", func(context.Context, jobs.Empty) error { return nil }, jobs.WithMaxTries(3)),
	)
	if err != nil {
		panic(err)
	}
	return r
}

func (f *fakeEnqueuer) EnqueueNow(_ context.Context, jobType string, payload any, opts ...jobs.EnqueueOption) (int64, error) {
	f.jobType, f.payload, f.opts = jobType, payload, opts
	return 42, f.err
}

func newTestServer(t *testing.T, s *fakeStore, e *fakeEnqueuer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(api.NewServer(s, e, prometheus.NewRegistry(), api.Options{}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func failedJob() store.Job {
	return store.Job{
		ID:          7,
		JobType:     "echo",
		Payload:     []byte(`{"msg":"hi"}`),
		State:       store.StateFailed,
		TryCount:    5,
		MaxTries:    5,
		Priority:    10,
		Queued:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		FailureInfo: sql.NullString{String: "boom", Valid: true},
	}
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeStore{}, &fakeEnqueuer{})
	resp, body := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	down := newTestServer(t, &fakeStore{pingErr: errors.New("down")}, &fakeEnqueuer{})
	resp, body = do(t, down, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeStore{}, &fakeEnqueuer{})
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetJob(t *testing.T) {
	s := &fakeStore{jobs: map[int64]store.Job{7: failedJob()}}
	srv := newTestServer(t, s, &fakeEnqueuer{})

	resp, body := do(t, srv, http.MethodGet, "/api/v1/jobs/7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo", body["job_type"])
	assert.Equal(t, "failed", body["state"])
	assert.Equal(t, "boom", body["failure_info"])
	assert.Equal(t, map[string]any{"msg": "hi"}, body["payload"])

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/jobs/8", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobs_PassesFilter(t *testing.T) {
	s := &fakeStore{jobs: map[int64]store.Job{7: failedJob()}}
	srv := newTestServer(t, s, &fakeEnqueuer{})

	resp, body := do(t, srv, http.MethodGet, "/api/v1/jobs?state=failed&state=error&job_type=echo&limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)
	assert.Equal(t, []store.State{store.StateFailed, store.StateError}, s.filter.States)
	assert.Equal(t, "echo", s.filter.JobType)
	assert.Equal(t, uint64(10), s.filter.Limit)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/jobs?state=bogus", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestJobStats(t *testing.T) {
	srv := newTestServer(t, &fakeStore{}, &fakeEnqueuer{})
	resp, body := do(t, srv, http.MethodGet, "/api/v1/jobs/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 2, body["ready"], 0)
	states := body["states"].(map[string]any)
	assert.InDelta(t, 5, states["completed"], 0)
}

func TestEnqueueJob(t *testing.T) {
	e := &fakeEnqueuer{}
	srv := newTestServer(t, &fakeStore{}, e)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/jobs",
		`{"job_type":"echo","payload":{"msg":"hello"},"max_tries":2,"priority":0}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.InDelta(t, 42, body["id"], 0)
	assert.Equal(t, "echo", e.jobType)
	assert.JSONEq(t, `{"msg":"hello"}`, string(e.payload.(json.RawMessage)))
	assert.Len(t, e.opts, 2)

	var j store.NewJob
	for _, opt := range e.opts {
		opt(&j)
	}
	assert.Equal(t, 2, j.MaxTries)
	assert.Equal(t, 0, j.Priority)
}

func TestEnqueueJob_Errors(t *testing.T) {
	e := &fakeEnqueuer{err: jobs.ErrUnknownJobType}
	srv := newTestServer(t, &fakeStore{}, e)
	resp, _ := do(t, srv, http.MethodPost, "/api/v1/jobs", `{"job_type":"nope"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Nil(t, e.payload)

	e.err = jobs.ErrPayload
	resp, _ = do(t, srv, http.MethodPost, "/api/v1/jobs", `{"job_type":"echo","payload":[1]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	e.err = errors.New("db down")
	resp, _ = do(t, srv, http.MethodPost, "/api/v1/jobs", `{"job_type":"echo"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRetryJob(t *testing.T) {
	done := failedJob()
	done.ID, done.State = 8, store.StateCompleted
	s := &fakeStore{jobs: map[int64]store.Job{7: failedJob(), 8: done}}
	srv := newTestServer(t, s, &fakeEnqueuer{})

	resp, body := do(t, srv, http.MethodPost, "/api/v1/jobs/7/retry", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["state"])
	// try_count is kept; the echo type's budget of 3 is added on top.
	assert.InDelta(t, 5, body["try_count"], 0)
	assert.InDelta(t, 8, body["max_tries"], 0)

	s.jobs[7] = failedJob()
	resp, body = do(t, srv, http.MethodPost, "/api/v1/jobs/7/retry?tries=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 7, body["max_tries"], 0)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/jobs/8/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/jobs/9/retry", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeyRequired(t *testing.T) {
	rawKey, hash, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	srv := httptest.NewServer(api.NewServer(&fakeStore{}, &fakeEnqueuer{}, prometheus.NewRegistry(), api.Options{APIKeyHash: hash}).Handler())
	t.Cleanup(srv.Close)

	get := func(path, key string) int {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/jobs/stats", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/jobs/stats", "cjq_wrong"))
	assert.Equal(t, http.StatusOK, get("/api/v1/jobs/stats", rawKey))
	// Infrastructure endpoints stay open for health checks and scrapers.
	assert.Equal(t, http.StatusOK, get("/healthz", ""))
	assert.Equal(t, http.StatusOK, get("/metrics", ""))
}
