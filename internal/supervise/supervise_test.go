package supervise_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thevivek0408/couchsurfing/internal/supervise"
)

func TestForever_RestartsAfterErrorAndPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	err := supervise.Forever(ctx, "flaky", 10*time.Millisecond, func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("lost connection")
		case 2:
			panic("kaboom")
		case 3:
			return nil
		default:
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}
	})
	assert.NoError(t, err)
	assert.Equal(t, int32(4), runs.Load())
}

func TestForever_CoolsOff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	var runs atomic.Int32
	start := time.Now()
	err := supervise.Forever(ctx, "failing", 100*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return errors.New("still broken")
	})
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	// Immediate start, then one restart per cool-off: never a hot loop.
	assert.LessOrEqual(t, runs.Load(), int32(3))
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

func TestForever_CoolsOffAfterLongRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const cooloff = 100 * time.Millisecond
	var failedAt, restartedAt time.Time
	var runs int
	err := supervise.Forever(ctx, "db-worker", cooloff, func(ctx context.Context) error {
		runs++
		if runs == 1 {
			// Healthy for longer than the cool-off, then the database goes away.
			time.Sleep(3 * cooloff)
			failedAt = time.Now()
			return errors.New("db connection lost")
		}
		restartedAt = time.Now()
		cancel()
		return ctx.Err()
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, runs)
	assert.GreaterOrEqual(t, restartedAt.Sub(failedAt), cooloff)
}

func TestForever_StopsWhileCoolingOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- supervise.Forever(ctx, "down", time.Hour, func(context.Context) error {
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Forever did not return after cancel")
	}
}
