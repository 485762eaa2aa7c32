package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/thevivek0408/couchsurfing/internal/jobs"
	"github.com/thevivek0408/couchsurfing/internal/metrics"
	"github.com/thevivek0408/couchsurfing/internal/store"
)

const (
	// defaultPollInterval is how long a worker sleeps after finding no job.
	defaultPollInterval = 1 * time.Second

	// defaultSweepInterval is how often exhausted, abandoned jobs are failed.
	defaultSweepInterval = 1 * time.Minute

	// defaultLease is how long a claimed job stays hidden from other workers.
	defaultLease = 1 * time.Hour
)

// JobStore is the part of the store the pool drives.
type JobStore interface {
	ClaimJob(ctx context.Context, lease time.Duration) (*store.ClaimedJob, error)
	CompleteJob(ctx context.Context, id int64, tryCount int) error
	FailJob(ctx context.Context, id int64, tryCount int, failureInfo string, backoff time.Duration) (store.State, error)
	FailExhaustedJobs(ctx context.Context) ([]int64, error)
}

// Options tunes a Pool. Zero values take the defaults noted on each field.
type Options struct {
	// Concurrency is the number of worker goroutines (default 1).
	Concurrency int
	// PollInterval is the sleep after a claim finds nothing (default 1s).
	PollInterval time.Duration
	// Lease is the claim lease (default 1h).
	Lease time.Duration
	// Backoff is the retry policy (default jobs.DefaultBackoff).
	Backoff jobs.Backoff
	// SweepInterval is how often FailExhaustedJobs runs (default 1m).
	SweepInterval time.Duration
	// Debug makes ProcessOne return handler errors and re-raise handler
	// panics after recording the outcome. Never enable in production.
	Debug bool
}

// Pool runs worker goroutines that claim and execute background jobs.
type Pool struct {
	store    JobStore
	registry *jobs.Registry
	metrics  *metrics.Metrics
	opts     Options
	workerID string
	log      *slog.Logger
}

// New creates a Pool. A random workerID is generated at construction time to
// tell this process apart in logs.
func New(s JobStore, registry *jobs.Registry, m *metrics.Metrics, opts Options) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = jobs.DefaultBackoff
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if m == nil {
		m = metrics.New(nil)
	}
	workerID := uuid.New().String()
	return &Pool{
		store:    s,
		registry: registry,
		metrics:  m,
		opts:     opts,
		workerID: workerID,
		log:      slog.Default().With("worker_id", workerID),
	}
}

// Run starts the worker goroutines and the exhausted-job sweeper, then
// blocks. It returns nil once ctx is cancelled and every in-flight job has
// recorded its outcome, or the first unexpected error (for example a lost
// database connection), after which the caller is expected to cool off and
// restart.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		i := i
		g.Go(func() error {
			return p.serviceJobs(gctx, i)
		})
	}
	g.Go(func() error {
		p.sweepExhausted(gctx)
		return nil
	})

	p.log.Info("worker pool started", "concurrency", p.opts.Concurrency)
	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	p.log.Info("worker pool stopped")
	return nil
}

// serviceJobs drains ready jobs until ctx is cancelled. After a job is found
// it looks again straight away; after an empty claim it sleeps PollInterval.
// Uses time.NewTimer (not time.After) to avoid timer leaks.
func (p *Pool) serviceJobs(ctx context.Context, slot int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		found, err := p.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: %w", slot, err)
		}
		if found {
			continue
		}
		timer := time.NewTimer(p.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// ProcessOne attempts to claim and execute one job. It reports whether a job
// was found, regardless of whether its handler succeeded. Handler failures
// are recorded on the job and never returned, except in Debug mode.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	p.log.Debug("looking for a job")
	job, err := p.store.ClaimJob(ctx, p.opts.Lease)
	if errors.Is(err, store.ErrClaimConflict) {
		p.metrics.SerializationErrors.Inc()
		p.log.Debug("claim conflict")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job == nil {
		p.metrics.NoJobs.Inc()
		p.log.Debug("no pending jobs")
		return false, nil
	}

	p.metrics.GotJob.Inc()
	p.metrics.Queued.Observe(job.ClaimedAt.Sub(job.Queued).Seconds())
	log := p.log.With("job_id", job.ID, "job_type", job.JobType, "try_count", job.TryCount)
	log.Info("job claimed")

	// The attempt is already committed; finish it and record the outcome even
	// if the pool is shutting down.
	runCtx := context.WithoutCancel(ctx)
	out := p.execute(runCtx, job, log)

	state, err := p.record(runCtx, job, out)
	if err != nil {
		if errors.Is(err, store.ErrStaleAttempt) {
			log.Warn("job outcome not recorded, attempt superseded", "error", err)
			return true, nil
		}
		return true, err
	}
	p.metrics.ObserveJob(job.JobType, string(state), job.TryCount, out.Exception, out.Duration)

	if p.opts.Debug && !out.OK() {
		if out.panicked {
			panic(out.panicValue)
		}
		return true, fmt.Errorf("job %d (%s): %w", job.ID, job.JobType, out.Err)
	}
	return true, nil
}

// execute runs the job's handler and converts its return or panic into an
// Outcome.
func (p *Pool) execute(ctx context.Context, job *store.ClaimedJob, log *slog.Logger) (out Outcome) {
	def, ok := p.registry.Lookup(job.JobType)
	if !ok {
		// A job type enqueued by code this binary doesn't have. Retried with
		// the normal budget so a rolling deploy can still pick it up.
		log.Error("no handler registered for job type")
		return failure(fmt.Errorf("%w: %s", jobs.ErrUnknownJobType, job.JobType), 0)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = recovered(r, debug.Stack(), time.Since(start))
			log.Error("job handler panicked", "panic", r)
		}
	}()
	if err := def.Run(ctx, job.Payload); err != nil {
		log.Error("job handler failed", "error", err)
		return failure(err, time.Since(start))
	}
	return success(time.Since(start))
}

// record writes the outcome of the attempt and returns the resulting state.
func (p *Pool) record(ctx context.Context, job *store.ClaimedJob, out Outcome) (store.State, error) {
	log := p.log.With("job_id", job.ID, "job_type", job.JobType, "try_count", job.TryCount)
	if out.OK() {
		if err := p.store.CompleteJob(ctx, job.ID, job.TryCount); err != nil {
			return "", err
		}
		log.Info("job complete", "duration", out.Duration)
		return store.StateCompleted, nil
	}

	backoff := p.opts.Backoff.Delay(job.TryCount)
	state, err := p.store.FailJob(ctx, job.ID, job.TryCount, out.Detail, backoff)
	if err != nil {
		return "", err
	}
	if state == store.StateFailed {
		log.Warn("job failed permanently", "max_tries", job.MaxTries)
	} else {
		log.Info("job errored, will retry", "backoff", backoff)
	}
	return state, nil
}

// sweepExhausted periodically fails jobs whose last attempt never reported
// back. Errors are logged; the sweep retries on the next tick.
func (p *Pool) sweepExhausted(ctx context.Context) {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := p.store.FailExhaustedJobs(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("fail exhausted jobs", "error", err)
				}
				continue
			}
			if len(ids) > 0 {
				p.log.Warn("failed jobs abandoned on their last try", "count", len(ids), "job_ids", ids)
			}
		}
	}
}
