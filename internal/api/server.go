// ABOUTME: Admin HTTP server: /healthz, /metrics and the huma job inspection API under /api/v1.
// ABOUTME: Served by the serve subcommand next to (or instead of) the worker and scheduler.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/thevivek0408/couchsurfing/internal/jobs"
	"github.com/thevivek0408/couchsurfing/internal/store"
)

// JobStore is the part of the store the admin API reads and writes.
type JobStore interface {
	Ping(ctx context.Context) error
	GetJob(ctx context.Context, id int64) (*store.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]store.Job, error)
	RetryJob(ctx context.Context, id int64, tries int) (*store.Job, error)
	CountByState(ctx context.Context) (map[store.State]int64, error)
	CountReady(ctx context.Context) (int64, error)
}

// Enqueuer inserts jobs on behalf of POST /jobs. Its registry supplies the
// attempt budget granted by POST /jobs/{id}/retry.
type Enqueuer interface {
	EnqueueNow(ctx context.Context, jobType string, payload any, opts ...jobs.EnqueueOption) (int64, error)
	Registry() *jobs.Registry
}

// Options configures access to /api/v1.
type Options struct {
	// APIKeyHash is the sha256 hex of the admin API key (see
	// auth.GenerateAPIKey). Empty leaves /api/v1 unauthenticated.
	APIKeyHash string

	// RateLimit is the sustained per-IP request rate on /api/v1; zero
	// disables rate limiting.
	RateLimit         rate.Limit
	RateBurst         int
	RateLimitEvictTTL time.Duration
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       JobStore
	enqueuer    Enqueuer
	gatherer    prometheus.Gatherer
	apiKeyHash  string
	rateLimiter *ipRateLimiter // nil: no rate limiting
}

// NewServer creates a Server. A nil gatherer serves the default registry.
func NewServer(s JobStore, e Enqueuer, g prometheus.Gatherer, opts Options) *Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if opts.APIKeyHash == "" {
		slog.Warn("admin API key not configured; /api/v1 is open")
	}
	srv := &Server{store: s, enqueuer: e, gatherer: g, apiKeyHash: opts.APIKeyHash}
	if opts.RateLimit > 0 {
		srv.rateLimiter = newIPRateLimiter(opts.RateLimit, max(opts.RateBurst, 1), opts.RateLimitEvictTTL)
	}
	return srv
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit; job payloads are small JSON documents.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(srv.store))
	r.Handle("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	// Rate limiting runs before auth so key guessing is throttled too.
	if srv.rateLimiter != nil {
		apiRouter.Use(srv.rateLimit())
	}
	if srv.apiKeyHash != "" {
		apiRouter.Use(srv.RequireAPIKey())
	}
	humaConfig := huma.DefaultConfig("Couchers Background Jobs API", "0.1.0")
	humaConfig.Info.Description = "Inspect, enqueue and retry background jobs"
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv.store, srv.enqueuer)

	r.Mount("/api/v1", apiRouter)
	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(s JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if s == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := s.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
