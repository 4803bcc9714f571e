// ABOUTME: Redis Streams broker driver: consumer-group leases, scheduled ZSET for delays.
// ABOUTME: Settlement always publishes before acking so a crash duplicates, never loses.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/naga-ruthvik/edutrack-tasks/internal/job"
)

const (
	redisStream    = "jobs:stream"
	redisGroup     = "jobs:workers"
	redisScheduled = "jobs:scheduled"
	redisField     = "envelope"
)

// Redis is a broker backed by a Redis Stream with one consumer group.
// Envelopes with a future NotBefore wait in a sorted set scored by their
// release time; Recover moves due members onto the stream and re-publishes
// entries whose lease (pending-entry idle time) exceeded the timeout.
type Redis struct {
	client       *redis.Client
	consumer     string
	leaseTimeout time.Duration
}

// NewRedis creates a Redis broker and ensures the consumer group exists.
// consumer identifies this process in the group's pending-entries list.
func NewRedis(ctx context.Context, client *redis.Client, consumer string, leaseTimeout time.Duration) (*Redis, error) {
	if leaseTimeout <= 0 {
		leaseTimeout = 5 * time.Minute
	}
	err := client.XGroupCreateMkStream(ctx, redisStream, redisGroup, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("%w: create consumer group: %v", job.ErrBrokerUnavailable, err)
	}
	return &Redis{client: client, consumer: consumer, leaseTimeout: leaseTimeout}, nil
}

// isBusyGroup matches the BUSYGROUP reply returned when the group already exists.
func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Publish appends the envelope to the stream, or parks it in the scheduled
// set when its NotBefore is in the future.
func (b *Redis) Publish(ctx context.Context, env *job.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	if env.NotBefore.After(time.Now()) {
		if err := b.client.ZAdd(ctx, redisScheduled, redis.Z{
			Score:  float64(env.NotBefore.UnixMilli()),
			Member: string(raw),
		}).Err(); err != nil {
			return fmt.Errorf("%w: schedule: %v", job.ErrBrokerUnavailable, err)
		}
		return nil
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisStream,
		Values: map[string]interface{}{redisField: string(raw)},
	}).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", job.ErrBrokerUnavailable, err)
	}
	return nil
}

// Lease reads one new entry for this consumer, or (nil, nil) when the stream
// has nothing to deliver. The entry stays in the group's pending list until
// acked, which is what makes the lease observable to Recover.
func (b *Redis) Lease(ctx context.Context) (*Delivery, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    redisGroup,
		Consumer: b.consumer,
		Streams:  []string{redisStream, ">"},
		Count:    1,
		Block:    -1, // non-blocking; the pool owns the poll cadence
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	msg := streams[0].Messages[0]
	raw, _ := msg.Values[redisField].(string)
	env, err := job.DecodeEnvelope([]byte(raw))
	if err != nil {
		// Poison entry: ack it out of the stream rather than redelivering forever.
		_ = b.client.XAck(ctx, redisStream, redisGroup, msg.ID).Err()
		_ = b.client.XDel(ctx, redisStream, msg.ID).Err()
		return nil, err
	}
	return &Delivery{Envelope: env, tag: msg.ID}, nil
}

// Ack acknowledges and deletes the stream entry.
func (b *Redis) Ack(ctx context.Context, d *Delivery) error {
	if err := b.client.XAck(ctx, redisStream, redisGroup, d.tag).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.Envelope.ID, err)
	}
	if err := b.client.XDel(ctx, redisStream, d.tag).Err(); err != nil {
		return fmt.Errorf("ack del %s: %w", d.Envelope.ID, err)
	}
	return nil
}

// Requeue publishes the updated envelope, then acks the delivered copy.
// Publishing first keeps the job durable if the process dies between the two
// commands: the old entry stays pending and is reclaimed by Recover, so the
// worst case is a duplicate delivery, never a lost job.
func (b *Redis) Requeue(ctx context.Context, d *Delivery, env *job.Envelope) error {
	if err := b.Publish(ctx, env); err != nil {
		return err
	}
	return b.Ack(ctx, d)
}

// Release returns the delivery unconsumed: the unchanged envelope is
// re-published (scheduled when NotBefore is still in the future), then the
// original entry is acked.
func (b *Redis) Release(ctx context.Context, d *Delivery) error {
	return b.Requeue(ctx, d, d.Envelope)
}

// Recover makes two classes of envelope deliverable again: scheduled members
// whose release time has passed, and pending entries idle past the lease
// timeout (their worker crashed or hung without acking).
func (b *Redis) Recover(ctx context.Context) (int, error) {
	recovered := 0

	// Scheduled set → stream, for members that are now due.
	now := time.Now().UnixMilli()
	due, err := b.client.ZRangeByScore(ctx, redisScheduled, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 64,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return recovered, fmt.Errorf("recover scheduled: %w", err)
	}
	for _, raw := range due {
		if err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: redisStream,
			Values: map[string]interface{}{redisField: raw},
		}).Err(); err != nil {
			return recovered, fmt.Errorf("recover xadd: %w", err)
		}
		if err := b.client.ZRem(ctx, redisScheduled, raw).Err(); err != nil {
			return recovered, fmt.Errorf("recover zrem: %w", err)
		}
		recovered++
	}

	// Expired leases: claim idle pending entries, then re-publish them as
	// fresh entries so any worker can lease them.
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   redisStream,
		Group:    redisGroup,
		Consumer: b.consumer,
		MinIdle:  b.leaseTimeout,
		Start:    "0-0",
		Count:    64,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return recovered, fmt.Errorf("recover autoclaim: %w", err)
	}
	for _, msg := range msgs {
		raw, _ := msg.Values[redisField].(string)
		// Republish before acking the old entry: a crash in between leaves
		// the pending entry reclaimable, so the job survives as a duplicate
		// rather than disappearing. Empty entries carry nothing worth
		// republishing and are just dropped.
		if raw != "" {
			if err := b.client.XAdd(ctx, &redis.XAddArgs{
				Stream: redisStream,
				Values: map[string]interface{}{redisField: raw},
			}).Err(); err != nil {
				return recovered, fmt.Errorf("recover republish: %w", err)
			}
		}
		if err := b.client.XAck(ctx, redisStream, redisGroup, msg.ID).Err(); err != nil {
			return recovered, fmt.Errorf("recover ack: %w", err)
		}
		if err := b.client.XDel(ctx, redisStream, msg.ID).Err(); err != nil {
			return recovered, fmt.Errorf("recover del: %w", err)
		}
		if raw == "" {
			continue
		}
		recovered++
	}

	return recovered, nil
}

// Ping reports transport reachability.
func (b *Redis) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (b *Redis) Close() error {
	return b.client.Close()
}
