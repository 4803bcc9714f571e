// ABOUTME: In-process broker driver backed by a mutex-guarded slice of leases.
// ABOUTME: Used by unit tests; mirrors the lease/ack/requeue semantics of the real drivers.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
)

// Memory is an in-process broker for unit tests. It honors the same lease
// contract as the durable drivers — one outstanding lease per envelope,
// redelivery after lease timeout via Recover — without any transport.
type Memory struct {
	mu           sync.Mutex
	order        []uuid.UUID
	items        map[uuid.UUID]*memItem
	leaseTimeout time.Duration
	closed       bool
}

type memItem struct {
	env      *job.Envelope
	leased   bool
	leasedAt time.Time
}

// NewMemory creates a memory broker with the given lease timeout.
func NewMemory(leaseTimeout time.Duration) *Memory {
	if leaseTimeout <= 0 {
		leaseTimeout = 5 * time.Minute
	}
	return &Memory{
		items:        make(map[uuid.UUID]*memItem),
		leaseTimeout: leaseTimeout,
	}
}

func (b *Memory) Publish(_ context.Context, env *job.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return job.ErrBrokerUnavailable
	}
	cp := *env
	if _, ok := b.items[env.ID]; !ok {
		b.order = append(b.order, env.ID)
	}
	b.items[env.ID] = &memItem{env: &cp}
	return nil
}

func (b *Memory) Lease(_ context.Context) (*Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for _, id := range b.order {
		it, ok := b.items[id]
		if !ok || it.leased || it.env.NotBefore.After(now) {
			continue
		}
		it.leased = true
		it.leasedAt = now
		cp := *it.env
		return &Delivery{Envelope: &cp, tag: id.String()}, nil
	}
	return nil, nil
}

func (b *Memory) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, d.Envelope.ID)
	return nil
}

func (b *Memory) Requeue(_ context.Context, d *Delivery, env *job.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *env
	b.items[env.ID] = &memItem{env: &cp}
	return nil
}

func (b *Memory) Release(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if it, ok := b.items[d.Envelope.ID]; ok {
		it.leased = false
	}
	return nil
}

func (b *Memory) Recover(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	cutoff := time.Now().Add(-b.leaseTimeout)
	for _, it := range b.items {
		if it.leased && it.leasedAt.Before(cutoff) {
			it.leased = false
			n++
		}
	}
	return n, nil
}

func (b *Memory) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return job.ErrBrokerUnavailable
	}
	return nil
}

// Close makes subsequent Publish and Ping fail with ErrBrokerUnavailable,
// which tests use to simulate a broker outage.
func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Depth reports how many envelopes are currently held. Test helper.
func (b *Memory) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
