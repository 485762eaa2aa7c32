// Package jobs holds the job registry (job type → payload codec, handler,
// retry budget, schedule) and the Enqueue API used by request code, handlers
// and the scheduler to insert background_jobs rows.
//
// A Registry is built once at process start and never mutated afterwards, so
// the worker pool and the scheduler share it without locking.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrUnknownJobType is returned when a job type has no registered handler.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrDuplicateJobType is returned by NewRegistry when two definitions share
	// a job type.
	ErrDuplicateJobType = errors.New("duplicate job type")

	// ErrPayload is returned when a payload cannot be encoded or decoded with
	// the job type's schema.
	ErrPayload = errors.New("invalid job payload")
)

// Empty is the payload type of jobs that take no arguments, which includes
// every scheduled job.
type Empty struct{}

// Definition binds a job type to its payload schema, handler and policy.
// Build one with Define.
type Definition struct {
	Type     string
	MaxTries int
	Priority int
	// Period is the fixed cadence of a scheduled job; zero if unscheduled or
	// cron-scheduled.
	Period time.Duration
	// CronExpr is the standard five-field cron expression of a cron-scheduled
	// job; empty otherwise.
	CronExpr string

	prioritySet bool

	cron   cron.Schedule
	run    func(ctx context.Context, payload []byte) error
	encode func(v any) ([]byte, error)
	err    error
}

// Option configures a Definition.
type Option func(*Definition)

// WithMaxTries fixes the attempt budget for this job type, overriding the
// registry default.
func WithMaxTries(n int) Option {
	return func(d *Definition) {
		if n < 1 {
			d.err = errors.Join(d.err, fmt.Errorf("max tries must be >= 1, got %d", n))
			return
		}
		d.MaxTries = n
	}
}

// WithPriority sets the default priority for this job type. Higher runs first.
// Zero is a valid priority and is not replaced by the registry default.
func WithPriority(n int) Option {
	return func(d *Definition) {
		d.Priority = n
		d.prioritySet = true
	}
}

// Every schedules the job type to be enqueued once per period.
func Every(period time.Duration) Option {
	return func(d *Definition) {
		if period <= 0 {
			d.err = errors.Join(d.err, fmt.Errorf("schedule period must be positive, got %s", period))
			return
		}
		d.Period = period
	}
}

// OnCron schedules the job type with a standard cron expression
// ("minute hour dom month dow", or descriptors such as "@daily").
func OnCron(expr string) Option {
	return func(d *Definition) {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			d.err = errors.Join(d.err, fmt.Errorf("parse cron %q: %w", expr, err))
			return
		}
		d.CronExpr = expr
		d.cron = sched
	}
}

// Define creates the Definition for a job type whose payload decodes into P.
// The handler signals failure by returning an error; panics are recovered by
// the worker and treated the same way.
func Define[P any](jobType string, handler func(ctx context.Context, payload P) error, opts ...Option) Definition {
	d := Definition{
		Type: jobType,
		run: func(ctx context.Context, raw []byte) error {
			var p P
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &p); err != nil {
					return fmt.Errorf("%w: decode %s: %v", ErrPayload, jobType, err)
				}
			}
			return handler(ctx, p)
		},
		encode: func(v any) ([]byte, error) {
			switch p := v.(type) {
			case nil:
				var zero P
				return json.Marshal(zero)
			case P:
				return json.Marshal(p)
			case *P:
				return json.Marshal(p)
			case json.RawMessage:
				var decoded P
				if err := json.Unmarshal(p, &decoded); err != nil {
					return nil, fmt.Errorf("%w: %s: %v", ErrPayload, jobType, err)
				}
				return json.Marshal(decoded)
			}
			var zero P
			return nil, fmt.Errorf("%w: %s wants %T, got %T", ErrPayload, jobType, zero, v)
		},
	}
	if jobType == "" {
		d.err = errors.New("job type must not be empty")
	}
	if handler == nil {
		d.err = errors.Join(d.err, errors.New("handler must not be nil"))
	}
	for _, opt := range opts {
		opt(&d)
	}
	if d.Period > 0 && d.cron != nil {
		d.err = errors.Join(d.err, errors.New("a job is scheduled by period or by cron, not both"))
	}
	return d
}

// Scheduled reports whether the job type is periodically enqueued.
func (d Definition) Scheduled() bool {
	return d.Period > 0 || d.cron != nil
}

// NextFire returns when the scheduler should next enqueue this job type,
// given the time it last fired. Fixed periods are measured from now, never
// from the previous planned fire time.
func (d Definition) NextFire(now time.Time) time.Time {
	if d.cron != nil {
		return d.cron.Next(now)
	}
	return now.Add(d.Period)
}

// Run decodes payload with the job type's schema and invokes the handler.
func (d Definition) Run(ctx context.Context, payload []byte) error {
	return d.run(ctx, payload)
}

// Encode serializes v with the job type's schema. v may be a P, a *P, a
// json.RawMessage that decodes into P, or nil for the zero payload.
func (d Definition) Encode(v any) ([]byte, error) {
	return d.encode(v)
}

// DefaultPriority is the priority of job types when neither the definition
// nor the registry defaults set one.
const DefaultPriority = 10

// Defaults are the policy values applied to job types that do not set their own.
type Defaults struct {
	MaxTries int
	// Priority is nil for DefaultPriority; any value, including 0, is used as is.
	Priority *int
}

// Registry maps job types to definitions. It is immutable once built.
type Registry struct {
	defs  map[string]Definition
	order []string
}

// NewRegistry validates defs, fills unset MaxTries and Priority from
// defaults (5 tries and DefaultPriority when unset) and returns the registry.
func NewRegistry(defaults Defaults, defs ...Definition) (*Registry, error) {
	if defaults.MaxTries == 0 {
		defaults.MaxTries = 5
	}
	priority := DefaultPriority
	if defaults.Priority != nil {
		priority = *defaults.Priority
	}
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	var errs []error
	for _, d := range defs {
		if d.err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", d.Type, d.err))
			continue
		}
		if _, dup := r.defs[d.Type]; dup {
			errs = append(errs, fmt.Errorf("job %q: %w", d.Type, ErrDuplicateJobType))
			continue
		}
		if d.MaxTries == 0 {
			d.MaxTries = defaults.MaxTries
		}
		if !d.prioritySet {
			d.Priority = priority
		}
		r.defs[d.Type] = d
		r.order = append(r.order, d.Type)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("build job registry: %w", errors.Join(errs...))
	}
	return r, nil
}

// Lookup returns the definition for jobType.
func (r *Registry) Lookup(jobType string) (Definition, bool) {
	d, ok := r.defs[jobType]
	return d, ok
}

// Types returns every registered job type in registration order.
func (r *Registry) Types() []string {
	return slices.Clone(r.order)
}

// Scheduled returns the scheduled definitions in registration order.
func (r *Registry) Scheduled() []Definition {
	var out []Definition
	for _, t := range r.order {
		if d := r.defs[t]; d.Scheduled() {
			out = append(out, d)
		}
	}
	return out
}
