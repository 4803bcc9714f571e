// ABOUTME: Postgres broker driver: job_queue rows leased via FOR UPDATE SKIP LOCKED.
// ABOUTME: Requeue is a single UPDATE; Recover releases rows whose lease expired.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
)

// Postgres is a broker backed by the job_queue table. Mutual exclusion comes
// from FOR UPDATE SKIP LOCKED; durability from the table itself. Suited to
// deployments that already run Postgres and do not want a second transport.
type Postgres struct {
	pool         *pgxpool.Pool
	workerID     string
	leaseTimeout time.Duration
}

// NewPostgres creates a Postgres broker. workerID identifies this process in
// the lease_worker column; leaseTimeout bounds how long an unacked lease
// blocks redelivery.
func NewPostgres(pool *pgxpool.Pool, workerID string, leaseTimeout time.Duration) *Postgres {
	if leaseTimeout <= 0 {
		leaseTimeout = 5 * time.Minute
	}
	return &Postgres{pool: pool, workerID: workerID, leaseTimeout: leaseTimeout}
}

const pgPublishSQL = `
INSERT INTO job_queue (id, kind, envelope, not_before, enqueued_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`

// Publish inserts the envelope row. Re-publishing an ID already in the queue
// is a no-op, so a crashed requeue cannot duplicate the row.
func (b *Postgres) Publish(ctx context.Context, env *job.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, pgPublishSQL,
		env.ID, string(env.Kind), raw, env.NotBefore.UTC(), env.EnqueuedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: publish: %v", job.ErrBrokerUnavailable, err)
	}
	return nil
}

// pgLeaseSQL claims one due, unleased row. SKIP LOCKED makes concurrent
// workers pass over each other's candidate rows instead of blocking.
const pgLeaseSQL = `
UPDATE job_queue SET
    leased = true,
    lease_worker = $1,
    lease_expires_at = now() + ($2 * interval '1 second')
WHERE id = (
    SELECT id FROM job_queue
    WHERE leased = false AND not_before <= now()
    ORDER BY not_before, enqueued_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING envelope`

// Lease claims the next due envelope, or (nil, nil) when the queue is empty.
func (b *Postgres) Lease(ctx context.Context) (*Delivery, error) {
	var raw json.RawMessage
	err := b.pool.QueryRow(ctx, pgLeaseSQL, b.workerID, int(b.leaseTimeout.Seconds())).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	env, err := job.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return &Delivery{Envelope: env, tag: env.ID.String()}, nil
}

// Ack deletes the leased row, removing the envelope from the channel.
func (b *Postgres) Ack(ctx context.Context, d *Delivery) error {
	if _, err := b.pool.Exec(ctx,
		`DELETE FROM job_queue WHERE id = $1`, d.Envelope.ID); err != nil {
		return fmt.Errorf("ack %s: %w", d.Envelope.ID, err)
	}
	return nil
}

const pgRequeueSQL = `
UPDATE job_queue SET
    envelope = $2,
    not_before = $3,
    leased = false,
    lease_worker = NULL,
    lease_expires_at = NULL
WHERE id = $1`

// Requeue replaces the row's envelope and releases the lease in one
// statement, so the updated copy is the only one that can be redelivered.
func (b *Postgres) Requeue(ctx context.Context, d *Delivery, env *job.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, pgRequeueSQL, env.ID, raw, env.NotBefore.UTC()); err != nil {
		return fmt.Errorf("requeue %s: %w", env.ID, err)
	}
	return nil
}

// Release clears the lease without consuming the row.
func (b *Postgres) Release(ctx context.Context, d *Delivery) error {
	if _, err := b.pool.Exec(ctx,
		`UPDATE job_queue SET leased = false, lease_worker = NULL, lease_expires_at = NULL WHERE id = $1`,
		d.Envelope.ID); err != nil {
		return fmt.Errorf("release %s: %w", d.Envelope.ID, err)
	}
	return nil
}

// Recover releases rows whose lease expired without an ack — the worker
// crashed or hung mid-execution. This is the redelivery half of the
// at-least-once guarantee.
func (b *Postgres) Recover(ctx context.Context) (int, error) {
	tag, err := b.pool.Exec(ctx, `
UPDATE job_queue SET leased = false, lease_worker = NULL, lease_expires_at = NULL
WHERE leased = true AND lease_expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("recover leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping reports database reachability.
func (b *Postgres) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Close is a no-op: the pgx pool is owned by the caller and shared with the
// status store.
func (b *Postgres) Close() error { return nil }
