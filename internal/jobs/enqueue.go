package jobs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/thevivek0408/couchsurfing/internal/store"
)

// Inserter is the part of the store the Enqueue API needs.
type Inserter interface {
	InsertJob(ctx context.Context, q store.Querier, j store.NewJob) (int64, error)
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

// EnqueueOption overrides per-job policy at enqueue time.
type EnqueueOption func(*store.NewJob)

// MaxTries overrides the job type's attempt budget for one job.
func MaxTries(n int) EnqueueOption {
	return func(j *store.NewJob) { j.MaxTries = n }
}

// Priority overrides the job type's priority for one job.
func Priority(n int) EnqueueOption {
	return func(j *store.NewJob) { j.Priority = n }
}

// Enqueuer inserts jobs for registered job types.
type Enqueuer struct {
	db       Inserter
	registry *Registry
}

// NewEnqueuer returns an Enqueuer that validates job types against registry.
func NewEnqueuer(db Inserter, registry *Registry) *Enqueuer {
	return &Enqueuer{db: db, registry: registry}
}

// Registry returns the registry the Enqueuer validates against.
func (e *Enqueuer) Registry() *Registry { return e.registry }

// Enqueue serializes payload with the job type's schema and inserts a pending
// job through q. It does not commit; pass the caller's transaction so the job
// is rolled back together with the work that triggered it.
func (e *Enqueuer) Enqueue(ctx context.Context, q store.Querier, jobType string, payload any, opts ...EnqueueOption) (int64, error) {
	def, ok := e.registry.Lookup(jobType)
	if !ok {
		return 0, fmt.Errorf("enqueue %q: %w", jobType, ErrUnknownJobType)
	}
	raw, err := def.Encode(payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue %q: %w", jobType, err)
	}
	j := store.NewJob{
		JobType:  jobType,
		Payload:  raw,
		MaxTries: def.MaxTries,
		Priority: def.Priority,
	}
	for _, opt := range opts {
		opt(&j)
	}
	if j.MaxTries < 1 {
		return 0, fmt.Errorf("enqueue %q: max tries must be >= 1, got %d", jobType, j.MaxTries)
	}
	return e.db.InsertJob(ctx, q, j)
}

// EnqueueNow enqueues a job in its own transaction and commits it.
func (e *Enqueuer) EnqueueNow(ctx context.Context, jobType string, payload any, opts ...EnqueueOption) (int64, error) {
	var id int64
	err := e.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		id, err = e.Enqueue(ctx, tx, jobType, payload, opts...)
		return err
	})
	return id, err
}
