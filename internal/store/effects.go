package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ClaimSideEffect records that the externally visible action named by effect
// is about to be performed for jobID, and reports whether this caller is the
// first to do so. Redeliveries of the same job find the claim already present
// and skip the action — this is the deduplication key behind handler
// idempotency under at-least-once delivery.
//
// The claim is a plain INSERT ... ON CONFLICT DO NOTHING: first writer wins,
// atomically, with no read-modify-write window.
func (s *Store) ClaimSideEffect(ctx context.Context, jobID uuid.UUID, effect string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO job_side_effects (job_id, effect, claimed_at)
VALUES ($1, $2, now())
ON CONFLICT (job_id, effect) DO NOTHING`, jobID, effect)
	if err != nil {
		return false, fmt.Errorf("claim side effect %s/%s: %w", jobID, effect, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseSideEffect removes a claim whose action failed before becoming
// externally visible, so the retry is allowed to perform it.
func (s *Store) ReleaseSideEffect(ctx context.Context, jobID uuid.UUID, effect string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM job_side_effects WHERE job_id = $1 AND effect = $2`, jobID, effect)
	if err != nil {
		return fmt.Errorf("release side effect %s/%s: %w", jobID, effect, err)
	}
	return nil
}
