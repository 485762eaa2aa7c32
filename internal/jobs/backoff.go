package jobs

import "time"

// maxBackoffShift caps the exponent so Delay never overflows time.Duration.
const maxBackoffShift = 20

// Backoff is the retry policy for failed attempts: an attempt that failed on
// try n waits Base * 2^n before the job is ready again.
type Backoff struct {
	Base time.Duration
}

// DefaultBackoff waits 30s after the first failure, 60s after the second, and
// so on.
var DefaultBackoff = Backoff{Base: 15 * time.Second}

// Delay returns how long a job must wait after failing on try tryCount.
func (b Backoff) Delay(tryCount int) time.Duration {
	if tryCount < 0 {
		tryCount = 0
	}
	if tryCount > maxBackoffShift {
		tryCount = maxBackoffShift
	}
	return b.Base << tryCount
}
