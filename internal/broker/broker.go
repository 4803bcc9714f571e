// Package broker defines the durable channel that decouples job producers
// from the worker pool, and its three drivers: Postgres (FOR UPDATE SKIP
// LOCKED), Redis Streams (consumer group), and an in-process memory driver
// for tests.
//
// Delivery semantics are at-least-once: once Publish returns nil the envelope
// survives a process crash, and it is delivered to at most one outstanding
// lease at a time. A lease that is neither acked nor released before the
// lease timeout is returned to the queue by Recover, which is why handlers
// must be idempotent.
package broker

import (
	"context"

	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
)

// Delivery is one leased copy of an envelope. It is valid until passed to
// Ack, Requeue, or Release, or until the lease times out.
type Delivery struct {
	Envelope *job.Envelope

	// tag is the driver's ack token: the queue row ID for Postgres, the
	// stream entry ID for Redis, the slot index for the memory driver.
	tag string
}

// Broker is the narrow transport contract between producers and workers.
// All mutation of queue state goes through these methods; the lease is the
// sole mutual-exclusion primitive in the design.
type Broker interface {
	// Publish makes the envelope durable and eventually deliverable.
	// Returns job.ErrBrokerUnavailable (wrapped) when the transport cannot
	// be reached — the caller must surface "job not enqueued".
	Publish(ctx context.Context, env *job.Envelope) error

	// Lease claims the next deliverable envelope, or returns (nil, nil)
	// when none is ready. The claim excludes envelopes whose NotBefore is
	// in the future where the driver can evaluate it; workers re-check and
	// Release otherwise.
	Lease(ctx context.Context) (*Delivery, error)

	// Ack consumes the delivery: the envelope is removed from the channel.
	Ack(ctx context.Context, d *Delivery) error

	// Requeue atomically acks the delivered copy and publishes the updated
	// envelope (new Attempt / NotBefore) for a later redelivery.
	Requeue(ctx context.Context, d *Delivery, env *job.Envelope) error

	// Release returns the delivery to the queue unconsumed, e.g. when the
	// worker observes a NotBefore still in the future.
	Release(ctx context.Context, d *Delivery) error

	// Recover performs driver maintenance: expiring dead leases and
	// releasing due scheduled envelopes. Returns the number of envelopes
	// made deliverable again. Called periodically by the worker pool.
	Recover(ctx context.Context) (int, error)

	// Ping reports transport reachability, for health checks.
	Ping(ctx context.Context) error

	Close() error
}
