// ABOUTME: Job endpoints: enqueue, single status read, and the paginated list.
// ABOUTME: List pagination uses an opaque base64 keyset cursor.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
	"github.com/naga-ruthvik/edutrack-tasks/internal/queue"
	"github.com/naga-ruthvik/edutrack-tasks/internal/store"
)

// registerJobRoutes wires up the job endpoints on the huma API.
//
//	POST /jobs       — enqueue a background job
//	GET  /jobs       — paginated job list with kind/state filters
//	GET  /jobs/{id}  — single job status
func registerJobRoutes(api huma.API, p *queue.Producer) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Enqueue a job",
		Description:   "Records the job and publishes it for asynchronous execution. Unknown kinds still get an ID; their record is terminally failed.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, enqueueJobHandler(p))

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Description: "Paginated job list, newest first, with kind and state filters and keyset pagination.",
		Tags:        []string{"Jobs"},
	}, listJobsHandler(p))

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job status",
		Description: "Returns the lifecycle record for one job: state, attempt counts, result or last error.",
		Tags:        []string{"Jobs"},
	}, getJobHandler(p))
}

// ── Response types ────────────────────────────────────────────────────────────

// JobResponse is the API representation of a job record.
type JobResponse struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	State         string          `json:"state"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	Result        json.RawMessage `json:"result,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	NextAttemptAt *string         `json:"next_attempt_at,omitempty"` // RFC3339
	EnqueuedAt    string          `json:"enqueued_at"`               // RFC3339
	UpdatedAt     string          `json:"updated_at"`                // RFC3339
}

func recordToResponse(r store.Record) JobResponse {
	resp := JobResponse{
		ID:          r.ID.String(),
		Kind:        string(r.Kind),
		State:       string(r.State),
		Attempt:     r.Attempt,
		MaxAttempts: r.MaxAttempts,
		Result:      r.Result,
		LastError:   r.LastError,
		EnqueuedAt:  r.EnqueuedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if r.NextAttemptAt != nil {
		s := r.NextAttemptAt.UTC().Format(time.RFC3339)
		resp.NextAttemptAt = &s
	}
	return resp
}

// jobListCursor is the internal JSON structure encoded in the opaque cursor string.
type jobListCursor struct {
	// EnqueuedAt is the enqueued_at of the last row, encoded as RFC3339Nano.
	EnqueuedAt string `json:"t"`
	// ID is the job id of the last row.
	ID string `json:"id"`
}

// encodeCursor base64-encodes the cursor JSON (opaque to API clients).
func encodeCursor(last store.Record) string {
	c := jobListCursor{
		EnqueuedAt: last.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		ID:         last.ID.String(),
	}
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeCursor base64-decodes the opaque cursor, returning a parsed cursor or nil.
func decodeCursor(s string) (*jobListCursor, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor (base64): %w", err)
	}
	var c jobListCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor (json): %w", err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("invalid cursor: missing id")
	}
	return &c, nil
}

// ── POST /jobs ────────────────────────────────────────────────────────────────

// EnqueueJobInput is the request body for job submission.
type EnqueueJobInput struct {
	Body struct {
		Kind         string          `json:"kind" doc:"Registered job kind: verify_document, scrape_eligibility, or send_email"`
		Payload      json.RawMessage `json:"payload" doc:"Kind-specific JSON payload, opaque to the queue"`
		MaxAttempts  int             `json:"max_attempts,omitempty" minimum:"0" maximum:"20" doc:"Override the per-kind retry ceiling"`
		DelaySeconds int             `json:"delay_seconds,omitempty" minimum:"0" doc:"Delay first dispatch by this many seconds"`
	}
}

// EnqueueJobOutput is the response for POST /jobs.
type EnqueueJobOutput struct {
	Body struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
}

func enqueueJobHandler(p *queue.Producer) func(context.Context, *EnqueueJobInput) (*EnqueueJobOutput, error) {
	return func(ctx context.Context, input *EnqueueJobInput) (*EnqueueJobOutput, error) {
		var opts []queue.Option
		if input.Body.MaxAttempts > 0 {
			opts = append(opts, queue.WithMaxAttempts(input.Body.MaxAttempts))
		}
		if input.Body.DelaySeconds > 0 {
			opts = append(opts, queue.WithDelay(time.Duration(input.Body.DelaySeconds)*time.Second))
		}

		id, err := p.Enqueue(ctx, input.Body.Kind, input.Body.Payload, opts...)
		if err != nil {
			if errors.Is(err, job.ErrBrokerUnavailable) {
				return nil, huma.Error503ServiceUnavailable("job queue unavailable", err)
			}
			return nil, fmt.Errorf("enqueue job: %w", err)
		}

		// Unknown kinds land directly in a terminal state, so the state in
		// the response comes from the record, not an assumption of queued.
		rec, err := p.Status(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("enqueue job: read back %s: %w", id, err)
		}

		out := &EnqueueJobOutput{}
		out.Body.ID = id.String()
		out.Body.State = string(rec.State)
		return out, nil
	}
}

// ── GET /jobs ─────────────────────────────────────────────────────────────────

// ListJobsInput defines query parameters for the paginated job list.
type ListJobsInput struct {
	Kind   string `query:"kind" doc:"Filter by job kind"`
	State  string `query:"state" doc:"Filter by lifecycle state"`
	Cursor string `query:"cursor" doc:"Opaque pagination cursor returned in the previous response"`
	Limit  int    `query:"limit" minimum:"1" maximum:"100" default:"25" doc:"Page size (max 100)"`
}

// ListJobsOutput is the response body for GET /jobs.
type ListJobsOutput struct {
	Body *ListJobsBody
}

// ListJobsBody is the JSON body of the list response.
type ListJobsBody struct {
	Items      []JobResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func listJobsHandler(p *queue.Producer) func(context.Context, *ListJobsInput) (*ListJobsOutput, error) {
	return func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		cur, err := decodeCursor(input.Cursor)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid cursor", err)
		}

		f := store.ListFilter{
			Kind:  input.Kind,
			State: input.State,
			Limit: input.Limit + 1, // fetch one extra to detect next page
		}
		if cur != nil {
			t, err := time.Parse(time.RFC3339Nano, cur.EnqueuedAt)
			if err != nil {
				return nil, huma.Error400BadRequest("invalid cursor (bad time)", nil)
			}
			id, err := uuid.Parse(cur.ID)
			if err != nil {
				return nil, huma.Error400BadRequest("invalid cursor (bad id)", nil)
			}
			f.CursorTime = t
			f.CursorID = id
		}

		rows, err := p.List(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}

		hasMore := len(rows) > input.Limit
		if hasMore {
			rows = rows[:input.Limit]
		}

		items := make([]JobResponse, len(rows))
		for i, r := range rows {
			items[i] = recordToResponse(r)
		}

		var nextCursor string
		if hasMore && len(rows) > 0 {
			nextCursor = encodeCursor(rows[len(rows)-1])
		}

		return &ListJobsOutput{Body: &ListJobsBody{
			Items:      items,
			NextCursor: nextCursor,
		}}, nil
	}
}

// ── GET /jobs/{id} ────────────────────────────────────────────────────────────

// GetJobInput defines path parameters for the single-job endpoint.
type GetJobInput struct {
	ID string `path:"id" format:"uuid" doc:"Job identifier returned at enqueue time"`
}

// GetJobOutput is the response for GET /jobs/{id}.
type GetJobOutput struct {
	Body *JobResponse
}

func getJobHandler(p *queue.Producer) func(context.Context, *GetJobInput) (*GetJobOutput, error) {
	return func(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
		id, err := uuid.Parse(input.ID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid job id", err)
		}

		rec, err := p.Status(ctx, id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				return nil, huma.Error404NotFound("job not found", nil)
			}
			return nil, fmt.Errorf("get job: %w", err)
		}

		resp := recordToResponse(*rec)
		return &GetJobOutput{Body: &resp}, nil
	}
}
