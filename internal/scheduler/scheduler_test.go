package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thevivek0408/couchsurfing/internal/jobs"
	"github.com/thevivek0408/couchsurfing/internal/metrics"
	"github.com/thevivek0408/couchsurfing/internal/scheduler"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// virtualClock jumps forward by the requested duration on every Wait call,
// so Run walks through simulated time without sleeping.
type virtualClock struct {
	now time.Time
}

func (c *virtualClock) Now() time.Time { return c.now }

func (c *virtualClock) Wait(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	c.now = c.now.Add(d)
	return true
}

type firing struct {
	at      time.Duration
	jobType string
}

// recordingEnqueuer records each scheduled enqueue and cancels the run once
// simulated time passes horizon.
type recordingEnqueuer struct {
	clock   *virtualClock
	horizon time.Duration
	cancel  context.CancelFunc
	fail    map[string]bool
	fired   []firing
}

func (e *recordingEnqueuer) EnqueueNow(_ context.Context, jobType string, payload any, _ ...jobs.EnqueueOption) (int64, error) {
	at := e.clock.Now().Sub(epoch)
	if at > e.horizon {
		e.cancel()
		return 0, context.Canceled
	}
	if payload != nil {
		return 0, errors.New("scheduled jobs take no payload")
	}
	e.fired = append(e.fired, firing{at: at, jobType: jobType})
	if e.fail[jobType] {
		return 0, errors.New("database unavailable")
	}
	return int64(len(e.fired)), nil
}

func noop(context.Context, jobs.Empty) error { return nil }

func run(t *testing.T, horizon time.Duration, m *metrics.Metrics, fail map[string]bool, defs ...jobs.Definition) []firing {
	t.Helper()
	reg, err := jobs.NewRegistry(jobs.Defaults{}, defs...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &virtualClock{now: epoch}
	enq := &recordingEnqueuer{clock: clock, horizon: horizon, cancel: cancel, fail: fail}

	require.NoError(t, scheduler.New(reg, enq, clock, m).Run(ctx))
	return enq.fired
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func TestRun_InterleavesPeriods(t *testing.T) {
	fired := run(t, 70*time.Second, nil, nil,
		jobs.Define("every_7", noop, jobs.Every(7*time.Second)),
		jobs.Define("every_11", noop, jobs.Every(11*time.Second)),
	)

	want := []firing{
		{secs(0), "every_7"},
		{secs(0), "every_11"},
		{secs(7), "every_7"},
		{secs(11), "every_11"},
		{secs(14), "every_7"},
		{secs(21), "every_7"},
		{secs(22), "every_11"},
		{secs(28), "every_7"},
		{secs(33), "every_11"},
		{secs(35), "every_7"},
		{secs(42), "every_7"},
		{secs(44), "every_11"},
		{secs(49), "every_7"},
		{secs(55), "every_11"},
		{secs(56), "every_7"},
		{secs(63), "every_7"},
		{secs(66), "every_11"},
		{secs(70), "every_7"},
	}
	assert.Equal(t, want, fired)
}

func TestRun_Cadence(t *testing.T) {
	fired := run(t, 25*time.Second, nil, nil,
		jobs.Define("tick", noop, jobs.Every(10*time.Second)),
	)
	assert.Len(t, fired, 3)
}

func TestRun_OnlyScheduledTypes(t *testing.T) {
	fired := run(t, 30*time.Second, nil, nil,
		jobs.Define("adhoc", noop),
		jobs.Define("tick", noop, jobs.Every(15*time.Second)),
	)
	for _, f := range fired {
		assert.Equal(t, "tick", f.jobType)
	}
	assert.Len(t, fired, 3)
}

func TestRun_Cron(t *testing.T) {
	// epoch is 12:00:00; */5 fires at 12:05, 12:10 and so on after the
	// immediate firing at startup.
	fired := run(t, 16*time.Minute, nil, nil,
		jobs.Define("five_minutely", noop, jobs.OnCron("*/5 * * * *")),
	)
	want := []firing{
		{0, "five_minutely"},
		{5 * time.Minute, "five_minutely"},
		{10 * time.Minute, "five_minutely"},
		{15 * time.Minute, "five_minutely"},
	}
	assert.Equal(t, want, fired)
}

func TestRun_EnqueueErrorKeepsCadence(t *testing.T) {
	m := metrics.New(nil)
	fired := run(t, 20*time.Second, m, map[string]bool{"flaky": true},
		jobs.Define("flaky", noop, jobs.Every(10*time.Second)),
		jobs.Define("steady", noop, jobs.Every(10*time.Second)),
	)
	assert.Len(t, fired, 6)
	assert.InDelta(t, 3, promtest.ToFloat64(m.ScheduleErrors.WithLabelValues("flaky")), 0)
	assert.InDelta(t, 3, promtest.ToFloat64(m.Scheduled.WithLabelValues("steady")), 0)
	assert.InDelta(t, 0, promtest.ToFloat64(m.Scheduled.WithLabelValues("flaky")), 0)
}

func TestRun_NoScheduledJobs(t *testing.T) {
	reg, err := jobs.NewRegistry(jobs.Defaults{}, jobs.Define("adhoc", noop))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, scheduler.New(reg, &recordingEnqueuer{}, nil, nil).Run(ctx))
}

func TestRealClock_WaitStopsOnCancel(t *testing.T) {
	clock := scheduler.RealClock()
	assert.True(t, clock.Wait(context.Background(), 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	assert.False(t, clock.Wait(ctx, time.Hour))
	assert.Less(t, time.Since(start), 5*time.Second)
}
