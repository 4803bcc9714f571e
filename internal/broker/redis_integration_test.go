// ABOUTME: Integration tests for the Redis Streams broker driver against a testcontainer.
package broker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/naga-ruthvik/edutrack-tasks/internal/broker"
	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
)

func newTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func redisEnvelope(notBefore time.Time) *job.Envelope {
	now := time.Now().UTC()
	return &job.Envelope{
		ID:          uuid.New(),
		Kind:        job.KindVerifyDocument,
		Payload:     json.RawMessage(`{"document_id":42}`),
		MaxAttempts: 3,
		NotBefore:   notBefore.UTC(),
		EnqueuedAt:  now,
	}
}

func TestRedisPublishLeaseAck(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	b, err := broker.NewRedis(ctx, newTestRedis(t), "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("new redis broker: %v", err)
	}

	env := redisEnvelope(time.Now().Add(-time.Second))
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if d == nil {
		t.Fatal("lease returned nothing")
	}
	if d.Envelope.ID != env.ID || d.Envelope.Kind != env.Kind {
		t.Errorf("leased envelope = %+v", d.Envelope)
	}

	// Unacked entry sits in the pending list, not in new delivery.
	d2, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if d2 != nil {
		t.Fatalf("second lease got %s, want nothing", d2.Envelope.ID)
	}

	if err := b.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	d3, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("lease after ack: %v", err)
	}
	if d3 != nil {
		t.Error("envelope delivered again after ack")
	}
}

func TestRedisScheduledPromotedWhenDue(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	b, err := broker.NewRedis(ctx, newTestRedis(t), "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("new redis broker: %v", err)
	}

	env := redisEnvelope(time.Now().Add(300 * time.Millisecond))
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Not due yet: nothing on the stream.
	if d, err := b.Lease(ctx); err != nil || d != nil {
		t.Fatalf("premature lease: d=%v err=%v", d, err)
	}

	time.Sleep(400 * time.Millisecond)
	n, err := b.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d envelopes, want 1", n)
	}

	d, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("lease after recover: %v", err)
	}
	if d == nil {
		t.Fatal("due envelope not delivered")
	}
	if d.Envelope.ID != env.ID {
		t.Errorf("delivered %s, want %s", d.Envelope.ID, env.ID)
	}
}

func TestRedisRecoverExpiredLease(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	client := newTestRedis(t)
	b, err := broker.NewRedis(ctx, client, "worker-a", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("new redis broker: %v", err)
	}

	env := redisEnvelope(time.Now().Add(-time.Second))
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if d, err := b.Lease(ctx); err != nil || d == nil {
		t.Fatalf("lease: d=%v err=%v", d, err)
	}
	// Worker "crashes": no ack, no release.

	time.Sleep(200 * time.Millisecond)

	n, err := b.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d envelopes, want 1", n)
	}

	d, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("lease after recover: %v", err)
	}
	if d == nil {
		t.Fatal("envelope not redelivered after lease expiry")
	}
	if d.Envelope.ID != env.ID {
		t.Errorf("redelivered %s, want %s", d.Envelope.ID, env.ID)
	}
}

func TestRedisRequeueUpdatesEnvelope(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	client := newTestRedis(t)
	b, err := broker.NewRedis(ctx, client, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("new redis broker: %v", err)
	}

	env := redisEnvelope(time.Now().Add(-time.Second))
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, err := b.Lease(ctx)
	if err != nil || d == nil {
		t.Fatalf("lease: d=%v err=%v", d, err)
	}

	next := *env
	next.Attempt = 1
	next.NotBefore = time.Now().UTC().Add(-time.Millisecond)
	if err := b.Requeue(ctx, d, &next); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	// The old entry is gone and exactly one fresh copy remains.
	if depth, err := client.XLen(ctx, "jobs:stream").Result(); err != nil || depth != 1 {
		t.Fatalf("stream depth after requeue = %d (err %v), want 1", depth, err)
	}

	d2, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("lease after requeue: %v", err)
	}
	if d2 == nil {
		t.Fatal("requeued envelope not redelivered")
	}
	if d2.Envelope.Attempt != 1 {
		t.Errorf("attempt = %d, want the updated envelope", d2.Envelope.Attempt)
	}
}

func TestRedisInterruptedRequeueNeverLosesJob(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	b, err := broker.NewRedis(ctx, newTestRedis(t), "worker-a", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("new redis broker: %v", err)
	}

	env := redisEnvelope(time.Now().Add(-time.Second))
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, err := b.Lease(ctx)
	if err != nil || d == nil {
		t.Fatalf("lease: d=%v err=%v", d, err)
	}

	// A requeue publishes the next attempt first, then acks. Simulate a
	// worker dying between the two commands: the next attempt is on the
	// stream, the old copy is still pending.
	next := *env
	next.Attempt = 1
	next.NotBefore = time.Now().UTC().Add(-time.Millisecond)
	if err := b.Publish(ctx, &next); err != nil {
		t.Fatalf("publish next attempt: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if _, err := b.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	// The job must still be deliverable; a duplicate is acceptable, loss is not.
	delivered := 0
	for {
		got, err := b.Lease(ctx)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if got == nil {
			break
		}
		if got.Envelope.ID != env.ID {
			t.Errorf("delivered %s, want %s", got.Envelope.ID, env.ID)
		}
		if err := b.Ack(ctx, got); err != nil {
			t.Fatalf("ack: %v", err)
		}
		delivered++
	}
	if delivered < 1 {
		t.Fatal("job lost after interrupted requeue")
	}
}

func TestRedisReleaseKeepsEnvelopeDeliverable(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	b, err := broker.NewRedis(ctx, newTestRedis(t), "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("new redis broker: %v", err)
	}

	env := redisEnvelope(time.Now().Add(-time.Second))
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, err := b.Lease(ctx)
	if err != nil || d == nil {
		t.Fatalf("lease: d=%v err=%v", d, err)
	}

	if err := b.Release(ctx, d); err != nil {
		t.Fatalf("release: %v", err)
	}

	d2, err := b.Lease(ctx)
	if err != nil {
		t.Fatalf("lease after release: %v", err)
	}
	if d2 == nil {
		t.Fatal("released envelope not deliverable")
	}
	if d2.Envelope.ID != env.ID || d2.Envelope.Attempt != env.Attempt {
		t.Errorf("released envelope changed: %+v", d2.Envelope)
	}
}
