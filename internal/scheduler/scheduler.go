// ABOUTME: Cadence generator: enqueues one job per scheduled job type each period.
// ABOUTME: Single goroutine over a min-heap of fire times; clock is injected for tests.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"github.com/thevivek0408/couchsurfing/internal/jobs"
	"github.com/thevivek0408/couchsurfing/internal/metrics"
)

// Clock is the time source the scheduler sleeps on. The real clock uses
// time.Now, whose monotonic reading keeps periods immune to wall-clock steps.
type Clock interface {
	Now() time.Time
	// Wait blocks for d and reports true, or reports false as soon as ctx is
	// done.
	Wait(ctx context.Context, d time.Duration) bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Wait(ctx context.Context, d time.Duration) bool {
	// time.NewTimer (not time.After) so a cancelled wait on a long cron gap
	// does not leave the timer running.
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Enqueuer is the part of jobs.Enqueuer the scheduler uses.
type Enqueuer interface {
	EnqueueNow(ctx context.Context, jobType string, payload any, opts ...jobs.EnqueueOption) (int64, error)
}

// Scheduler enqueues scheduled job types on their cadence. It never looks at
// the state of jobs it enqueued: a slow worker pool shows up as a growing
// ready count, not as skipped firings.
type Scheduler struct {
	defs     []jobs.Definition
	enqueuer Enqueuer
	clock    Clock
	metrics  *metrics.Metrics
	log      *slog.Logger
	seq      int
}

// New creates a Scheduler for the scheduled job types in registry. A nil
// clock means the real clock; nil metrics are unregistered collectors.
func New(registry *jobs.Registry, enqueuer Enqueuer, clock Clock, m *metrics.Metrics) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Scheduler{
		defs:     registry.Scheduled(),
		enqueuer: enqueuer,
		clock:    clock,
		metrics:  m,
		log:      slog.Default().With("component", "scheduler"),
	}
}

// Run fires every scheduled job type immediately, then each again on its
// cadence, until ctx is cancelled. Enqueue failures are logged and counted;
// the cadence carries on. All timer state lives in memory, so a restarted
// scheduler simply fires everything again at once.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.defs) == 0 {
		s.log.Info("no scheduled jobs registered")
		<-ctx.Done()
		return nil
	}

	now := s.clock.Now()
	q := make(fireQueue, 0, len(s.defs))
	for i := range s.defs {
		q = append(q, &entry{at: now, seq: s.nextSeq(), def: i})
	}
	heap.Init(&q)
	s.log.Info("scheduler started", "jobs", len(s.defs))

	for {
		next := q[0]
		if wait := next.at.Sub(s.clock.Now()); wait > 0 {
			if !s.clock.Wait(ctx, wait) {
				s.log.Info("scheduler stopping")
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			s.log.Info("scheduler stopping")
			return nil
		}
		s.fire(ctx, &q)
	}
}

func (s *Scheduler) nextSeq() int {
	s.seq++
	return s.seq
}

// fire pops the earliest entry, re-arms it relative to now, and enqueues one
// job for it.
func (s *Scheduler) fire(ctx context.Context, q *fireQueue) {
	e := heap.Pop(q).(*entry)
	def := s.defs[e.def]

	now := s.clock.Now()
	e.at = def.NextFire(now)
	e.seq = s.nextSeq()
	heap.Push(q, e)

	s.log.Info("enqueueing scheduled job", "job_type", def.Type)
	id, err := s.enqueuer.EnqueueNow(ctx, def.Type, nil)
	if err != nil {
		s.metrics.ScheduleErrors.WithLabelValues(def.Type).Inc()
		s.log.Error("enqueue scheduled job", "job_type", def.Type, "error", err)
		return
	}
	s.metrics.Scheduled.WithLabelValues(def.Type).Inc()
	s.log.Debug("scheduled job enqueued", "job_type", def.Type, "job_id", id, "next_fire", e.at)
}

// entry is one pending fire time. seq breaks ties so that entries due at the
// same instant fire in the order they were armed.
type entry struct {
	at  time.Time
	seq int
	def int
}

// fireQueue is a min-heap of entries ordered by (at, seq).
type fireQueue []*entry

func (q fireQueue) Len() int { return len(q) }

func (q fireQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q fireQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *fireQueue) Push(x any) { *q = append(*q, x.(*entry)) }

func (q *fireQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
