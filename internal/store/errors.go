package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when no job row matches the requested id.
	ErrNotFound = errors.New("background job not found")

	// ErrClaimConflict means another transaction won the race for a ready row.
	// Workers treat it as "no job this round".
	ErrClaimConflict = errors.New("claim conflict with concurrent worker")

	// ErrStaleAttempt is returned when an outcome is recorded for an attempt
	// that is no longer the job's latest (try_count moved on, or the row has
	// already reached a terminal state).
	ErrStaleAttempt = errors.New("job attempt is stale")

	// ErrNotRetryable is returned by RetryJob for jobs that are not failed.
	ErrNotRetryable = errors.New("only failed jobs can be retried")
)

// Postgres SQLSTATE codes that mean "someone else got there first".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// IsClaimConflict reports whether err is a concurrency conflict that a worker
// should absorb rather than surface.
func IsClaimConflict(err error) bool {
	if errors.Is(err, ErrClaimConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}
