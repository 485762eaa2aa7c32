package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

// State is the lifecycle state of a background job row.
type State string

const (
	// StatePending is a freshly enqueued job that has never failed.
	StatePending State = "pending"
	// StateCompleted is terminal success.
	StateCompleted State = "completed"
	// StateFailed is terminal failure: the attempt budget is spent.
	StateFailed State = "failed"
	// StateError is a failed attempt that will be retried after backoff.
	StateError State = "error"
)

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateCompleted, StateFailed, StateError:
		return true
	}
	return false
}

// Job is one row of background_jobs.
type Job struct {
	ID               int64
	JobType          string
	Payload          []byte
	State            State
	TryCount         int
	MaxTries         int
	Priority         int
	Queued           time.Time
	NextAttemptAfter time.Time
	FailureInfo      sql.NullString
}

// ClaimedJob is a job whose attempt has been durably counted and which the
// caller now owns until it records an outcome or the claim lease lapses.
type ClaimedJob struct {
	Job
	// ClaimedAt is the database time at which the attempt was recorded.
	ClaimedAt time.Time
}

// NewJob holds the fields an enqueuer controls. The Enqueue API fills
// MaxTries and Priority from the job registry before calling InsertJob.
type NewJob struct {
	JobType  string
	Payload  []byte
	MaxTries int
	Priority int
}

const jobColumns = `id, job_type, payload, state::text, try_count, max_tries,
	priority, queued, next_attempt_after, failure_info`

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var state string
	if err := row.Scan(
		&j.ID,
		&j.JobType,
		&j.Payload,
		&state,
		&j.TryCount,
		&j.MaxTries,
		&j.Priority,
		&j.Queued,
		&j.NextAttemptAfter,
		&j.FailureInfo,
	); err != nil {
		return nil, err
	}
	j.State = State(state)
	return &j, nil
}

// readyPredicate selects rows a worker may claim now. try_count < max_tries
// keeps a row whose last attempt was interrupted from being run again; such
// rows are moved to failed by FailExhaustedJobs.
const readyPredicate = `state IN ('pending', 'error')
	AND next_attempt_after <= now()
	AND try_count < max_tries`

const claimSelectSQL = `-- jobs.ClaimSelect
SELECT ` + jobColumns + `
FROM background_jobs
WHERE ` + readyPredicate + `
ORDER BY priority DESC, next_attempt_after ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`

const claimUpdateSQL = `-- jobs.ClaimUpdate
UPDATE background_jobs
SET try_count = try_count + 1,
	next_attempt_after = now() + make_interval(secs => $2)
WHERE id = $1
RETURNING try_count, next_attempt_after, now()`

// ClaimJob claims the highest-priority ready job, increments its try_count
// and commits, all inside one REPEATABLE READ transaction using
// FOR UPDATE SKIP LOCKED. Returns (nil, nil) when no job is ready and
// ErrClaimConflict when a concurrent transaction won the row.
//
// lease pushes next_attempt_after forward so the committed claim stays
// invisible to other workers while the handler runs. If the process dies the
// job becomes ready again after lease, with the interrupted attempt counted.
func (s *Store) ClaimJob(ctx context.Context, lease time.Duration) (*ClaimedJob, error) {
	var claimed *ClaimedJob
	err := s.withTxOptions(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, claimSelectSQL))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select ready job: %w", err)
		}
		c := &ClaimedJob{Job: *j}
		if err := tx.QueryRow(ctx, claimUpdateSQL, j.ID, lease.Seconds()).
			Scan(&c.TryCount, &c.NextAttemptAfter, &c.ClaimedAt); err != nil {
			return fmt.Errorf("increment try_count for job %d: %w", j.ID, err)
		}
		claimed = c
		return nil
	})
	if err != nil {
		if IsClaimConflict(err) {
			return nil, ErrClaimConflict
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claimed, nil
}

// CompleteJob marks the attempt identified by (id, tryCount) as succeeded.
func (s *Store) CompleteJob(ctx context.Context, id int64, tryCount int) error {
	tag, err := s.pool.Exec(ctx, `-- jobs.Complete
UPDATE background_jobs
SET state = 'completed'
WHERE id = $1
	AND try_count = $2
	AND state IN ('pending', 'error')`, id, tryCount)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %d try %d: %w", id, tryCount, ErrStaleAttempt)
	}
	return nil
}

// FailJob records a failed attempt. If the attempt budget is spent the job
// becomes failed; otherwise it moves to error and becomes ready again after
// backoff. Returns the resulting state.
func (s *Store) FailJob(ctx context.Context, id int64, tryCount int, failureInfo string, backoff time.Duration) (State, error) {
	var state string
	err := s.pool.QueryRow(ctx, `-- jobs.Fail
UPDATE background_jobs
SET state = CASE WHEN try_count >= max_tries
		THEN 'failed'::background_job_state
		ELSE 'error'::background_job_state END,
	next_attempt_after = CASE WHEN try_count >= max_tries
		THEN next_attempt_after
		ELSE now() + make_interval(secs => $3) END,
	failure_info = $4
WHERE id = $1
	AND try_count = $2
	AND state IN ('pending', 'error')
RETURNING state::text`, id, tryCount, backoff.Seconds(), failureInfo).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("fail job %d try %d: %w", id, tryCount, ErrStaleAttempt)
	}
	if err != nil {
		return "", fmt.Errorf("fail job %d: %w", id, err)
	}
	return State(state), nil
}

// InsertJob adds a pending job through q and returns its id. It never
// commits: when q is a transaction the row lives or dies with it.
func (s *Store) InsertJob(ctx context.Context, q Querier, j NewJob) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `-- jobs.Insert
INSERT INTO background_jobs (job_type, payload, max_tries, priority)
VALUES ($1, $2, $3, $4)
RETURNING id`, j.JobType, j.Payload, j.MaxTries, j.Priority).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job %s: %w", j.JobType, err)
	}
	return id, nil
}

// FailExhaustedJobs moves to failed every retryable row whose budget was used
// up by an attempt that never reported back (the worker died mid-handler and
// the claim lease has lapsed). Returns the ids it failed.
func (s *Store) FailExhaustedJobs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `-- jobs.FailExhausted
UPDATE background_jobs
SET state = 'failed',
	failure_info = COALESCE(failure_info || E'\n', '') || 'attempt interrupted; no tries left'
WHERE state IN ('pending', 'error')
	AND try_count >= max_tries
	AND next_attempt_after <= now()
RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("fail exhausted jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("fail exhausted jobs: %w", err)
	}
	return ids, nil
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `-- jobs.Get
SELECT `+jobColumns+`
FROM background_jobs
WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// RetryJob puts a failed job back in the queue with tries more attempts.
// try_count is left alone, only the claim step moves it, so an attempt that
// was running before the retry still fails its try_count guard with
// ErrStaleAttempt. Returns ErrNotFound for an unknown id and ErrNotRetryable
// when the job is not in the failed state.
func (s *Store) RetryJob(ctx context.Context, id int64, tries int) (*Job, error) {
	if tries < 1 {
		return nil, fmt.Errorf("retry job %d: tries must be >= 1, got %d", id, tries)
	}
	j, err := scanJob(s.pool.QueryRow(ctx, `-- jobs.Retry
UPDATE background_jobs
SET state = 'pending',
	max_tries = try_count + $2,
	next_attempt_after = now()
WHERE id = $1
	AND state = 'failed'
RETURNING `+jobColumns, id, tries))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("retry job %d: %w", id, ErrNotRetryable)
	}
	if err != nil {
		return nil, fmt.Errorf("retry job %d: %w", id, err)
	}
	return j, nil
}

// CountReady returns the number of jobs a worker could claim right now.
func (s *Store) CountReady(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `-- jobs.CountReady
SELECT count(*) FROM background_jobs WHERE `+readyPredicate).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ready jobs: %w", err)
	}
	return n, nil
}

// CountByState returns the number of rows in each state. States with no rows
// are present with a zero count.
func (s *Store) CountByState(ctx context.Context) (map[State]int64, error) {
	rows, err := s.pool.Query(ctx, `-- jobs.CountByState
SELECT state::text, count(*) FROM background_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()
	counts := map[State]int64{
		StatePending:   0,
		StateCompleted: 0,
		StateFailed:    0,
		StateError:     0,
	}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	return counts, nil
}

// JobFilter narrows ListJobs. Zero values mean "no filter"; Limit defaults
// to 50.
type JobFilter struct {
	States  []State
	JobType string
	Limit   uint64
	Offset  uint64
}

// ListJobs returns jobs matching f, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	q := psql.Select(jobColumns).From("background_jobs").OrderBy("id DESC")
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		q = q.Where(sq.Expr("state::text = ANY(?)", pq.Array(states)))
	}
	if f.JobType != "" {
		q = q.Where(sq.Eq{"job_type": f.JobType})
	}
	limit := f.Limit
	if limit == 0 {
		limit = 50
	}
	q = q.Limit(limit).Offset(f.Offset)

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// PurgeFinishedJobs deletes completed and failed jobs queued more than
// olderThan ago, batchSize rows per statement, and returns the total deleted.
func (s *Store) PurgeFinishedJobs(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 10000
	}
	var total int64
	for {
		tag, err := s.pool.Exec(ctx, `-- jobs.PurgeFinished
DELETE FROM background_jobs
WHERE id IN (
	SELECT id FROM background_jobs
	WHERE state IN ('completed', 'failed')
		AND queued < now() - make_interval(secs => $1)
	LIMIT $2
)`, olderThan.Seconds(), batchSize)
		if err != nil {
			return total, fmt.Errorf("purge finished jobs: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
