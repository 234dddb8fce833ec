package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueue is the Queue backend on Redis. Pending jobs live in a sorted
// set scored by their run-at time, keyed by dedup key, so re-scheduling the
// same key is a plain ZADD that replaces the pending delivery. Claimed jobs
// move to a lease set scored by lease expiry; expired leases are folded
// back into the scheduled set on the next Dequeue.
type RedisQueue struct {
	client   *redis.Client
	logger   *zap.Logger
	policy   RetryPolicy
	leaseTTL time.Duration

	scheduledKey string
	leaseKey     string
	payloadKey   string
}

type redisEnvelope struct {
	ID      string  `json:"id"`
	Attempt int     `json:"attempt"`
	Payload Payload `json:"payload"`
}

// completeScript releases the lease and deletes the payload only while it
// still belongs to the finishing delivery. A fresh enqueue for the same dedup
// key owns the hash entry and must survive the old delivery's acknowledgement.
var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if raw == false then
	return 0
end
local env = cjson.decode(raw)
if env.id ~= ARGV[2] then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)

// requeueScript releases the lease and re-schedules the failed delivery,
// unless a fresh enqueue replaced it, in which case the newer job keeps its
// own run-at score.
var requeueScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if raw == false then
	return 0
end
local env = cjson.decode(raw)
if env.id ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

func NewRedisQueue(client *redis.Client, logger *zap.Logger, policy RetryPolicy, leaseTTL time.Duration) *RedisQueue {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	return &RedisQueue{
		client:       client,
		logger:       logger,
		policy:       policy.withDefaults(),
		leaseTTL:     leaseTTL,
		scheduledKey: "crosspost:jobs:scheduled",
		leaseKey:     "crosspost:jobs:leases",
		payloadKey:   "crosspost:jobs:payloads",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, dedupKey string, payload Payload, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}

	env := redisEnvelope{
		ID:      uuid.NewString(),
		Payload: payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	runAt := time.Now().Add(delay)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.payloadKey, dedupKey, raw)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: dedupKey,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return env.ID, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, dedupKey string) error {
	removed, err := q.client.ZRem(ctx, q.scheduledKey, dedupKey).Result()
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if removed == 0 {
		return nil
	}

	// Keep the payload if a claimed delivery for the same key still holds a
	// lease; it is cleaned up when that delivery finishes.
	_, err = q.client.ZScore(ctx, q.leaseKey, dedupKey).Result()
	if errors.Is(err, redis.Nil) {
		return q.client.HDel(ctx, q.payloadKey, dedupKey).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to check lease: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	now := time.Now()
	if err := q.reclaimExpired(ctx, now); err != nil {
		return nil, err
	}

	members, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 8,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}

	for _, dedupKey := range members {
		// ZREM doubles as the claim: exactly one worker wins each member.
		removed, err := q.client.ZRem(ctx, q.scheduledKey, dedupKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		if removed == 0 {
			continue
		}

		raw, err := q.client.HGet(ctx, q.payloadKey, dedupKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load job payload: %w", err)
		}

		var env redisEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			q.logger.Error("Dropping job with malformed payload",
				zap.String("dedup_key", dedupKey),
				zap.Error(err))
			q.client.HDel(ctx, q.payloadKey, dedupKey)
			continue
		}

		env.Attempt++
		updated, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}

		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.payloadKey, dedupKey, updated)
		pipe.ZAdd(ctx, q.leaseKey, redis.Z{
			Score:  float64(now.Add(q.leaseTTL).UnixMilli()),
			Member: dedupKey,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to lease job: %w", err)
		}

		return &Job{
			ID:       env.ID,
			DedupKey: dedupKey,
			Payload:  env.Payload,
			Attempt:  env.Attempt,
			RunAt:    now,
		}, nil
	}

	return nil, ErrNoPendingJob
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	err := completeScript.Run(ctx, q.client,
		[]string{q.payloadKey, q.leaseKey}, job.DedupKey, job.ID).Err()
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) error {
	if q.policy.Exhausted(job.Attempt) {
		q.logger.Error("Job dropped after exhausting attempts",
			zap.String("job_id", job.ID),
			zap.String("dedup_key", job.DedupKey),
			zap.Int("attempts", job.Attempt),
			zap.Error(cause))
		return q.Complete(ctx, job)
	}

	runAt := time.Now().Add(q.policy.NextDelay(job.Attempt))
	kept, err := requeueScript.Run(ctx, q.client,
		[]string{q.payloadKey, q.leaseKey, q.scheduledKey},
		job.DedupKey, job.ID, runAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("failed to re-queue job: %w", err)
	}
	if kept == 0 {
		// A newer pending job for the same key wins over the retry.
		q.logger.Info("Dropping failed delivery, a newer job holds the key",
			zap.String("job_id", job.ID),
			zap.String("dedup_key", job.DedupKey))
		return nil
	}

	q.logger.Warn("Job re-queued with backoff",
		zap.String("job_id", job.ID),
		zap.String("dedup_key", job.DedupKey),
		zap.Int("attempt", job.Attempt),
		zap.Time("run_at", runAt),
		zap.Error(cause))
	return nil
}

// reclaimExpired moves deliveries whose lease lapsed back into the
// scheduled set so a crashed worker's jobs are redelivered.
func (q *RedisQueue) reclaimExpired(ctx context.Context, now time.Time) error {
	expired, err := q.client.ZRangeByScore(ctx, q.leaseKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to list expired leases: %w", err)
	}

	for _, dedupKey := range expired {
		removed, err := q.client.ZRem(ctx, q.leaseKey, dedupKey).Result()
		if err != nil {
			return fmt.Errorf("failed to reclaim lease: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: dedupKey,
		}).Err(); err != nil {
			return fmt.Errorf("failed to re-schedule reclaimed job: %w", err)
		}
		q.logger.Warn("Reclaimed job with expired lease", zap.String("dedup_key", dedupKey))
	}
	return nil
}
