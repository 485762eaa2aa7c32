package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/thevivek0408/couchsurfing/internal/jobs"
	"github.com/thevivek0408/couchsurfing/internal/store"
)

// registerJobRoutes wires up the job inspection endpoints on the huma API.
//
//	GET  /jobs               list jobs, newest first, filtered by state and type
//	GET  /jobs/stats         row counts per state plus the ready count
//	GET  /jobs/{id}          single job
//	POST /jobs               enqueue a job of a registered type
//	POST /jobs/{id}/retry    put a failed job back in the queue
func registerJobRoutes(api huma.API, s JobStore, e Enqueuer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List background jobs",
		Tags:        []string{"Jobs"},
	}, listJobsHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "job-stats",
		Method:      http.MethodGet,
		Path:        "/jobs/stats",
		Summary:     "Job counts by state",
		Tags:        []string{"Jobs"},
	}, jobStatsHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a background job",
		Tags:        []string{"Jobs"},
	}, getJobHandler(s))

	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Enqueue a background job",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, enqueueJobHandler(e))

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/retry",
		Summary:     "Retry a failed job",
		Description: "Grants the job more attempts (default: the job type's attempt budget) and makes it ready immediately. try_count is kept. Only failed jobs can be retried.",
		Tags:        []string{"Jobs"},
	}, retryJobHandler(s, e))
}

// ── Response types ────────────────────────────────────────────────────────────

// JobItem is the API representation of a background_jobs row.
type JobItem struct {
	ID               int64   `json:"id"`
	JobType          string  `json:"job_type"`
	Payload          any     `json:"payload"`
	State            string  `json:"state"`
	TryCount         int     `json:"try_count"`
	MaxTries         int     `json:"max_tries"`
	Priority         int     `json:"priority"`
	Queued           string  `json:"queued"`             // RFC3339
	NextAttemptAfter string  `json:"next_attempt_after"` // RFC3339
	FailureInfo      *string `json:"failure_info,omitempty"`
}

func jobToItem(j store.Job) JobItem {
	item := JobItem{
		ID:               j.ID,
		JobType:          j.JobType,
		State:            string(j.State),
		TryCount:         j.TryCount,
		MaxTries:         j.MaxTries,
		Priority:         j.Priority,
		Queued:           j.Queued.UTC().Format(time.RFC3339Nano),
		NextAttemptAfter: j.NextAttemptAfter.UTC().Format(time.RFC3339Nano),
	}
	if len(j.Payload) > 0 {
		var v any
		if err := json.Unmarshal(j.Payload, &v); err != nil {
			// Rows written by something other than the Enqueue API.
			v = string(j.Payload)
		}
		item.Payload = v
	}
	if j.FailureInfo.Valid {
		item.FailureInfo = &j.FailureInfo.String
	}
	return item
}

// ── GET /jobs ─────────────────────────────────────────────────────────────────

// ListJobsInput defines query parameters for the job list.
type ListJobsInput struct {
	State   []string `query:"state" enum:"pending,completed,failed,error" doc:"Filter by state; repeat for several"`
	JobType string   `query:"job_type" doc:"Filter by job type"`
	Limit   int      `query:"limit" default:"50" minimum:"1" maximum:"500"`
	Offset  int      `query:"offset" default:"0" minimum:"0"`
}

// ListJobsOutput is the response for GET /jobs.
type ListJobsOutput struct {
	Body struct {
		Items []JobItem `json:"items"`
	}
}

func listJobsHandler(s JobStore) func(context.Context, *ListJobsInput) (*ListJobsOutput, error) {
	return func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		f := store.JobFilter{
			JobType: input.JobType,
			Limit:   uint64(input.Limit),  //nolint:gosec // bounded by minimum:"1"
			Offset:  uint64(input.Offset), //nolint:gosec // bounded by minimum:"0"
		}
		for _, st := range input.State {
			f.States = append(f.States, store.State(st))
		}
		rows, err := s.ListJobs(ctx, f)
		if err != nil {
			return nil, huma.Error500InternalServerError("internal server error")
		}
		out := &ListJobsOutput{}
		out.Body.Items = make([]JobItem, 0, len(rows))
		for _, j := range rows {
			out.Body.Items = append(out.Body.Items, jobToItem(j))
		}
		return out, nil
	}
}

// ── GET /jobs/stats ───────────────────────────────────────────────────────────

// JobStatsOutput is the response for GET /jobs/stats.
type JobStatsOutput struct {
	Body struct {
		States map[string]int64 `json:"states"`
		Ready  int64            `json:"ready"`
	}
}

func jobStatsHandler(s JobStore) func(context.Context, *struct{}) (*JobStatsOutput, error) {
	return func(ctx context.Context, _ *struct{}) (*JobStatsOutput, error) {
		counts, err := s.CountByState(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("internal server error")
		}
		ready, err := s.CountReady(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("internal server error")
		}
		out := &JobStatsOutput{}
		out.Body.States = make(map[string]int64, len(counts))
		for st, n := range counts {
			out.Body.States[string(st)] = n
		}
		out.Body.Ready = ready
		return out, nil
	}
}

// ── GET /jobs/{id} ────────────────────────────────────────────────────────────

// JobIDInput is the path parameter shared by the single-job endpoints.
type JobIDInput struct {
	ID int64 `path:"id" minimum:"1"`
}

// JobOutput wraps a single job.
type JobOutput struct {
	Body JobItem
}

func getJobHandler(s JobStore) func(context.Context, *JobIDInput) (*JobOutput, error) {
	return func(ctx context.Context, input *JobIDInput) (*JobOutput, error) {
		j, err := s.GetJob(ctx, input.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, huma.Error404NotFound("job not found")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("internal server error")
		}
		return &JobOutput{Body: jobToItem(*j)}, nil
	}
}

// ── POST /jobs ────────────────────────────────────────────────────────────────

// EnqueueJobInput is the request body for POST /jobs.
type EnqueueJobInput struct {
	Body struct {
		JobType  string `json:"job_type" minLength:"1" doc:"Registered job type"`
		Payload  any    `json:"payload,omitempty" doc:"Job payload; must match the job type's schema"`
		MaxTries int    `json:"max_tries,omitempty" minimum:"1" doc:"Override the job type's attempt budget"`
		Priority *int   `json:"priority,omitempty" doc:"Override the job type's priority"`
	}
}

// EnqueueJobOutput is the response for POST /jobs.
type EnqueueJobOutput struct {
	Body struct {
		ID int64 `json:"id"`
	}
}

func enqueueJobHandler(e Enqueuer) func(context.Context, *EnqueueJobInput) (*EnqueueJobOutput, error) {
	return func(ctx context.Context, input *EnqueueJobInput) (*EnqueueJobOutput, error) {
		var payload any
		if input.Body.Payload != nil {
			raw, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, huma.Error422UnprocessableEntity("payload is not valid JSON")
			}
			payload = json.RawMessage(raw)
		}
		var opts []jobs.EnqueueOption
		if input.Body.MaxTries > 0 {
			opts = append(opts, jobs.MaxTries(input.Body.MaxTries))
		}
		if input.Body.Priority != nil {
			opts = append(opts, jobs.Priority(*input.Body.Priority))
		}

		id, err := e.EnqueueNow(ctx, input.Body.JobType, payload, opts...)
		switch {
		case errors.Is(err, jobs.ErrUnknownJobType):
			return nil, huma.Error422UnprocessableEntity("unknown job type", &huma.ErrorDetail{
				Location: "body.job_type",
				Value:    input.Body.JobType,
			})
		case errors.Is(err, jobs.ErrPayload):
			return nil, huma.Error422UnprocessableEntity(err.Error())
		case err != nil:
			return nil, huma.Error500InternalServerError("internal server error")
		}
		out := &EnqueueJobOutput{}
		out.Body.ID = id
		return out, nil
	}
}

// ── POST /jobs/{id}/retry ─────────────────────────────────────────────────────

// RetryJobInput selects the job and how many more attempts it gets.
type RetryJobInput struct {
	ID    int64 `path:"id" minimum:"1"`
	Tries int   `query:"tries" minimum:"0" maximum:"100" doc:"Extra attempts; 0 uses the job type's attempt budget"`
}

func retryJobHandler(s JobStore, e Enqueuer) func(context.Context, *RetryJobInput) (*JobOutput, error) {
	return func(ctx context.Context, input *RetryJobInput) (*JobOutput, error) {
		tries := input.Tries
		if tries == 0 {
			cur, err := s.GetJob(ctx, input.ID)
			if errors.Is(err, store.ErrNotFound) {
				return nil, huma.Error404NotFound("job not found")
			}
			if err != nil {
				return nil, huma.Error500InternalServerError("internal server error")
			}
			tries = 1
			if def, ok := e.Registry().Lookup(cur.JobType); ok {
				tries = def.MaxTries
			}
		}
		j, err := s.RetryJob(ctx, input.ID, tries)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, huma.Error404NotFound("job not found")
		case errors.Is(err, store.ErrNotRetryable):
			return nil, huma.Error409Conflict("only failed jobs can be retried")
		case err != nil:
			return nil, huma.Error500InternalServerError("internal server error")
		}
		return &JobOutput{Body: jobToItem(*j)}, nil
	}
}
