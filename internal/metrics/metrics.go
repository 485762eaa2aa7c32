// ABOUTME: Prometheus collectors for the background job worker and scheduler.
// ABOUTME: Exposed by the HTTP server at /metrics; nil Registerer = unregistered (tests).
package metrics

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// queuedBuckets spans 10ms to an hour: jobs normally start within a second,
// retries after backoff wait minutes.
var queuedBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10, 20, 30, 40, 50, 60, 90, 120, 300, 600, 1800, 3600}

// Metrics holds the job system's collectors.
type Metrics struct {
	GotJob              prometheus.Counter
	NoJobs              prometheus.Counter
	SerializationErrors prometheus.Counter
	Queued              prometheus.Histogram
	Duration            *prometheus.HistogramVec
	Scheduled           *prometheus.CounterVec
	ScheduleErrors      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GotJob: f.NewCounter(prometheus.CounterOpts{
			Name: "couchers_background_jobs_got_job_total",
			Help: "Number of times a bg worker grabbed a job",
		}),
		NoJobs: f.NewCounter(prometheus.CounterOpts{
			Name: "couchers_background_jobs_no_jobs_total",
			Help: "Number of times a bg worker tries to grab a job but there is none",
		}),
		SerializationErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "couchers_background_jobs_serialization_errors_total",
			Help: "Number of times a bg worker has a serialization error",
		}),
		Queued: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "couchers_background_jobs_queued_seconds",
			Help:    "Time background job spent queued before being picked up",
			Buckets: queuedBuckets,
		}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "couchers_background_jobs_seconds",
			Help: "Durations of background jobs",
		}, []string{"job", "status", "attempt", "exception"}),
		Scheduled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "couchers_background_jobs_scheduled_total",
			Help: "Number of jobs enqueued by the scheduler",
		}, []string{"job"}),
		ScheduleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "couchers_background_jobs_schedule_errors_total",
			Help: "Number of scheduler firings that failed to enqueue",
		}, []string{"job"}),
	}
}

// ObserveJob records one finished attempt. exception is the failure type
// name, empty on success.
func (m *Metrics) ObserveJob(jobType, state string, attempt int, exception string, d time.Duration) {
	m.Duration.WithLabelValues(jobType, state, strconv.Itoa(attempt), exception).Observe(d.Seconds())
}

// RegisterReadyGauge exposes the number of jobs ready to execute, computed by
// count at scrape time.
func RegisterReadyGauge(reg prometheus.Registerer, count func(context.Context) (int64, error)) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "couchers_background_jobs_ready_to_execute",
		Help: "Total number of background jobs ready to execute",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := count(ctx)
		if err != nil {
			slog.Warn("count ready jobs for metrics", "error", err)
			return math.NaN()
		}
		return float64(n)
	})
}
