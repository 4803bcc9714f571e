// ABOUTME: Tests for the in-process broker: lease exclusivity, delays, recovery.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
)

func testEnvelope(kind job.Kind) *job.Envelope {
	now := time.Now().UTC()
	return &job.Envelope{
		ID:          uuid.New(),
		Kind:        kind,
		Payload:     json.RawMessage(`{}`),
		MaxAttempts: 3,
		NotBefore:   now,
		EnqueuedAt:  now,
	}
}

func TestMemoryLeaseIsExclusive(t *testing.T) {
	t.Parallel()
	b := NewMemory(time.Minute)
	ctx := context.Background()

	if err := b.Publish(ctx, testEnvelope(job.KindSendEmail)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Ten concurrent workers race for one envelope: exactly one may win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := b.Lease(ctx)
			if err != nil {
				t.Errorf("Lease: %v", err)
				return
			}
			if d != nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("leases won = %d, want 1", won)
	}
}

func TestMemoryNotBeforeGatesLease(t *testing.T) {
	t.Parallel()
	b := NewMemory(time.Minute)
	ctx := context.Background()

	env := testEnvelope(job.KindScrapeEligibility)
	env.NotBefore = time.Now().Add(time.Hour)
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if d != nil {
		t.Error("leased an envelope whose not_before is in the future")
	}
}

func TestMemoryRecoverRedelivers(t *testing.T) {
	t.Parallel()
	b := NewMemory(10 * time.Millisecond)
	ctx := context.Background()

	if err := b.Publish(ctx, testEnvelope(job.KindVerifyDocument)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, err := b.Lease(ctx)
	if err != nil || d == nil {
		t.Fatalf("Lease = %v, %v", d, err)
	}

	// Simulate a crashed worker: no ack, lease ages past the timeout.
	time.Sleep(20 * time.Millisecond)
	n, err := b.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	d2, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease after recover: %v", err)
	}
	if d2 == nil {
		t.Fatal("envelope not redelivered after lease expiry")
	}
	if d2.Envelope.ID != d.Envelope.ID {
		t.Error("redelivered a different envelope")
	}
}

func TestMemoryAckConsumes(t *testing.T) {
	t.Parallel()
	b := NewMemory(time.Minute)
	ctx := context.Background()

	if err := b.Publish(ctx, testEnvelope(job.KindSendEmail)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, _ := b.Lease(ctx)
	if err := b.Ack(ctx, d); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if got := b.Depth(); got != 0 {
		t.Errorf("Depth = %d after ack, want 0", got)
	}
}

func TestMemoryRequeueUpdatesEnvelope(t *testing.T) {
	t.Parallel()
	b := NewMemory(time.Minute)
	ctx := context.Background()

	env := testEnvelope(job.KindSendEmail)
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, _ := b.Lease(ctx)

	updated := *d.Envelope
	updated.Attempt = 1
	updated.NotBefore = time.Now().Add(-time.Second)
	if err := b.Requeue(ctx, d, &updated); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	d2, _ := b.Lease(ctx)
	if d2 == nil {
		t.Fatal("requeued envelope not leasable")
	}
	if d2.Envelope.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", d2.Envelope.Attempt)
	}
}

func TestMemoryClosedPublishFails(t *testing.T) {
	t.Parallel()
	b := NewMemory(time.Minute)
	_ = b.Close()
	err := b.Publish(context.Background(), testEnvelope(job.KindSendEmail))
	if !errors.Is(err, job.ErrBrokerUnavailable) {
		t.Errorf("Publish on closed broker = %v, want ErrBrokerUnavailable", err)
	}
}
