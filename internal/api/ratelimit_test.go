package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestIPRateLimiter_Burst(t *testing.T) {
	rl := newIPRateLimiter(rate.Every(time.Hour), 2, time.Minute)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	// Buckets are per IP.
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestIPRateLimiter_EvictsIdle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newIPRateLimiter(rate.Every(time.Hour), 1, 10*time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.Equal(t, 1, rl.size())

	now = now.Add(11 * time.Minute)
	assert.True(t, rl.Allow("10.0.0.2"))
	assert.Equal(t, 1, rl.size(), "idle 10.0.0.1 should be evicted")

	// A fresh bucket after eviction.
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestRateLimit_Middleware(t *testing.T) {
	srv := NewServer(nil, nil, nil, Options{RateLimit: rate.Every(time.Hour), RateBurst: 1})
	h := srv.Handler()

	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/openapi.json", nil)
		req.RemoteAddr = "192.0.2.7:4321"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, get().Code)
	rec := get()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))

	// Infrastructure endpoints are not limited.
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.0.2.7:4321"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
