// Package worker provides the goroutine pool that claims and executes jobs
// from the background_jobs table using FOR UPDATE SKIP LOCKED.
//
// Each worker goroutine claims one ready job at a time, runs its registered
// handler outside the claim transaction and records the outcome. Any number
// of pools in any number of processes may run against the same table; the
// database's skip-locked read is the only coordination between them.
package worker

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Outcome is the result of one handler invocation: Ok when Err is nil,
// otherwise Err carries the failure and Detail the diagnostics stored in
// failure_info.
type Outcome struct {
	Err error
	// Detail is the error text, plus the goroutine stack for panics.
	Detail string
	// Exception is the Go type name of the root error, "panic" for recovered
	// panics, empty on success.
	Exception string
	Duration  time.Duration

	panicked   bool
	panicValue any
}

// OK reports whether the handler succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

func success(d time.Duration) Outcome {
	return Outcome{Duration: d}
}

func failure(err error, d time.Duration) Outcome {
	return Outcome{
		Err:       err,
		Detail:    err.Error(),
		Exception: exceptionName(err),
		Duration:  d,
	}
}

func recovered(r any, stack []byte, d time.Duration) Outcome {
	return Outcome{
		Err:        fmt.Errorf("handler panic: %v", r),
		Detail:     fmt.Sprintf("panic: %v\n\n%s", r, stack),
		Exception:  "panic",
		Duration:   d,
		panicked:   true,
		panicValue: r,
	}
}

// exceptionName labels a failure by the type of its innermost wrapped error,
// e.g. "errors.errorString" or "net.OpError".
func exceptionName(err error) string {
	for {
		u := errors.Unwrap(err)
		if u == nil {
			break
		}
		err = u
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
