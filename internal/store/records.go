package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
)

// Record is the externally observable projection of a job's lifecycle.
// The worker pool is the sole writer of State, Result, and LastError.
type Record struct {
	ID            uuid.UUID
	Kind          job.Kind
	State         job.State
	Attempt       int
	MaxAttempts   int
	Result        json.RawMessage
	LastError     *string
	NextAttemptAt *time.Time
	EnqueuedAt    time.Time
	UpdatedAt     time.Time
}

// CreateRecord inserts a new record in the queued state.
func (s *Store) CreateRecord(ctx context.Context, env *job.Envelope) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO job_records (id, kind, state, attempt, max_attempts, enqueued_at, updated_at)
VALUES ($1, $2, $3, 0, $4, $5, now())`,
		env.ID, string(env.Kind), string(job.StateQueued), env.MaxAttempts, env.EnqueuedAt.UTC())
	if err != nil {
		return fmt.Errorf("create record %s: %w", env.ID, err)
	}
	return nil
}

// CreateFailedRecord inserts a record directly in the failed-permanent state.
// Used for jobs rejected before dispatch (unknown kind): the job gets an
// inspectable terminal record without ever being queued or published.
func (s *Store) CreateFailedRecord(ctx context.Context, env *job.Envelope, lastError string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO job_records (id, kind, state, attempt, max_attempts, last_error, enqueued_at, updated_at)
VALUES ($1, $2, $3, 0, $4, $5, $6, now())`,
		env.ID, string(env.Kind), string(job.StateFailed), env.MaxAttempts, lastError, env.EnqueuedAt.UTC())
	if err != nil {
		return fmt.Errorf("create failed record %s: %w", env.ID, err)
	}
	return nil
}

// DeleteRecord removes a record. Used only by the producer when publish
// fails after the record was written, so "not enqueued" reads as NotFound.
func (s *Store) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM job_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

// terminalGuard keeps every transition monotonic: once a record reaches
// succeeded or failed-permanent, no update may move it again.
const terminalGuard = ` AND state NOT IN ('succeeded', 'failed-permanent')`

// MarkRunning records the start of an execution attempt.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, attempt int) error {
	_, err := s.pool.Exec(ctx, `
UPDATE job_records SET state = 'running', attempt = $2, updated_at = now()
WHERE id = $1`+terminalGuard, id, attempt)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", id, err)
	}
	return nil
}

// MarkSucceeded records terminal success with its result in one statement,
// so no reader can observe state = succeeded without the result.
func (s *Store) MarkSucceeded(ctx context.Context, id uuid.UUID, attempt int, result json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
UPDATE job_records SET state = 'succeeded', attempt = $2, result = $3,
       next_attempt_at = NULL, updated_at = now()
WHERE id = $1`+terminalGuard, id, attempt, result)
	if err != nil {
		return fmt.Errorf("mark succeeded %s: %w", id, err)
	}
	return nil
}

// MarkRetrying records a transient failure and the time before which the job
// will not be redispatched.
func (s *Store) MarkRetrying(ctx context.Context, id uuid.UUID, attempt int, lastError string, notBefore time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE job_records SET state = 'failed-retrying', attempt = $2, last_error = $3,
       next_attempt_at = $4, updated_at = now()
WHERE id = $1`+terminalGuard, id, attempt, lastError, notBefore.UTC())
	if err != nil {
		return fmt.Errorf("mark retrying %s: %w", id, err)
	}
	return nil
}

// MarkFailed records terminal failure with the original error detail.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE job_records SET state = 'failed-permanent', attempt = $2, last_error = $3,
       next_attempt_at = NULL, updated_at = now()
WHERE id = $1`+terminalGuard, id, attempt, lastError)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// GetRecord returns the record for id, or (nil, nil) when it does not exist.
func (s *Store) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, kind, state, attempt, max_attempts, result, last_error,
       next_attempt_at, enqueued_at, updated_at
FROM job_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// ListFilter narrows ListRecords. Zero values mean "no filter".
type ListFilter struct {
	Kind  string
	State string

	// Keyset cursor: rows strictly older than (CursorTime, CursorID).
	CursorTime time.Time
	CursorID   uuid.UUID

	Limit int
}

// ListRecords returns records ordered by (enqueued_at DESC, id DESC) using
// keyset pagination.
func (s *Store) ListRecords(ctx context.Context, f ListFilter) ([]Record, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	q := s.sb.Select(
		"id", "kind", "state", "attempt", "max_attempts", "result", "last_error",
		"next_attempt_at", "enqueued_at", "updated_at",
	).From("job_records")

	if f.Kind != "" {
		q = q.Where(squirrel.Eq{"kind": f.Kind})
	}
	if f.State != "" {
		q = q.Where(squirrel.Eq{"state": f.State})
	}
	if !f.CursorTime.IsZero() {
		q = q.Where("(enqueued_at, id) < (?, ?)", f.CursorTime.UTC(), f.CursorID)
	}
	q = q.OrderBy("enqueued_at DESC", "id DESC").Limit(uint64(f.Limit))

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list records: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// scanRecord reads one job_records row from either a Row or Rows.
func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec     Record
		kind    string
		state   string
		lastErr *string
		nextAt  *time.Time
	)
	err := row.Scan(&rec.ID, &kind, &state, &rec.Attempt, &rec.MaxAttempts,
		&rec.Result, &lastErr, &nextAt, &rec.EnqueuedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = job.Kind(kind)
	rec.State = job.State(state)
	rec.LastError = lastErr
	rec.NextAttemptAt = nextAt
	return &rec, nil
}
