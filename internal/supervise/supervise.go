// Package supervise keeps a long-running loop alive across crashes without
// hammering a dependency that is down.
package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Forever runs fn until ctx is cancelled. When fn returns an error or panics
// the failure is logged at ERROR and fn is started again once cooloff has
// passed since the failure, however long the failed run lasted. A nil return
// with ctx still live is treated the same way, since a service loop is never
// supposed to finish on its own.
func Forever(ctx context.Context, name string, cooloff time.Duration, fn func(context.Context) error) error {
	log := slog.Default().With("loop", name)
	for {
		log.Info("background loop starting")
		err := runRecovered(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("%s returned unexpectedly", name)
		}
		log.Error("unhandled error in background loop, cooling off",
			"error", err, "cooloff", cooloff)

		// time.NewTimer (not time.After) so a shutdown during the cool-off
		// does not leave the timer running.
		timer := time.NewTimer(cooloff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func runRecovered(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
