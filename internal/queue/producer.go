// Package queue is the producer interface: the narrow surface the web
// request layer uses to enqueue work and read job status without ever
// touching broker or store internals.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/naga-ruthvik/edutrack-tasks/internal/broker"
	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
	"github.com/naga-ruthvik/edutrack-tasks/internal/store"
)

// RecordStore is the slice of the status store the producer uses: it writes
// the initial queued record and reads projections; it never writes state.
type RecordStore interface {
	CreateRecord(ctx context.Context, env *job.Envelope) error
	CreateFailedRecord(ctx context.Context, env *job.Envelope, lastError string) error
	DeleteRecord(ctx context.Context, id uuid.UUID) error
	GetRecord(ctx context.Context, id uuid.UUID) (*store.Record, error)
	ListRecords(ctx context.Context, f store.ListFilter) ([]store.Record, error)
}

// DefaultMaxAttempts is applied when neither the caller nor per-kind policy
// overrides it.
const DefaultMaxAttempts = 5

// Producer enqueues job envelopes and answers status queries.
type Producer struct {
	broker      broker.Broker
	records     RecordStore
	maxAttempts map[job.Kind]int
}

// New creates a Producer. perKindMaxAttempts overrides DefaultMaxAttempts
// for individual kinds; nil is fine.
func New(b broker.Broker, records RecordStore, perKindMaxAttempts map[job.Kind]int) *Producer {
	return &Producer{broker: b, records: records, maxAttempts: perKindMaxAttempts}
}

// Option customizes one enqueue call.
type Option func(*enqueueOptions)

type enqueueOptions struct {
	maxAttempts int
	delay       time.Duration
}

// WithMaxAttempts overrides the per-kind retry ceiling for this job.
func WithMaxAttempts(n int) Option {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// WithDelay makes the job ineligible for dispatch until now+d.
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOptions) { o.delay = d }
}

// Enqueue records the job as queued and publishes its envelope. An unknown
// kind still yields a job ID: the record is written directly in the terminal
// failed state and nothing is published, so the caller can observe the
// rejection through the normal status read instead of an enqueue error. On
// publish failure the record is removed and job.ErrBrokerUnavailable surfaces
// to the caller: the job was not enqueued, and a status read for the returned
// ID reports NotFound.
func (p *Producer) Enqueue(ctx context.Context, kind string, payload json.RawMessage, opts ...Option) (uuid.UUID, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	k, kindErr := job.ParseKind(kind)
	if kindErr != nil {
		k = job.Kind(kind)
	}

	maxAttempts := o.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts[k]
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := time.Now().UTC()
	env := &job.Envelope{
		ID:          uuid.New(),
		Kind:        k,
		Payload:     payload,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		NotBefore:   now.Add(o.delay),
		EnqueuedAt:  now,
	}

	if kindErr != nil {
		if err := p.records.CreateFailedRecord(ctx, env, kindErr.Error()); err != nil {
			return uuid.Nil, fmt.Errorf("enqueue: %w", err)
		}
		return env.ID, nil
	}

	if err := p.records.CreateRecord(ctx, env); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue: %w", err)
	}
	if err := p.broker.Publish(ctx, env); err != nil {
		// Job not enqueued: remove the queued record so the failure is
		// observable rather than a job stuck forever in queued.
		if delErr := p.records.DeleteRecord(ctx, env.ID); delErr != nil {
			return uuid.Nil, fmt.Errorf("enqueue: %w (orphaned record %s: %v)", err, env.ID, delErr)
		}
		return uuid.Nil, err
	}
	return env.ID, nil
}

// Status returns the job record for id, or job.ErrNotFound.
func (p *Producer) Status(ctx context.Context, id uuid.UUID) (*store.Record, error) {
	rec, err := p.records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return rec, nil
}

// List returns job records matching f, newest first.
func (p *Producer) List(ctx context.Context, f store.ListFilter) ([]store.Record, error) {
	return p.records.ListRecords(ctx, f)
}
