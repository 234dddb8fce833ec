package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryQueue is a process-local Queue used in dev mode and tests. It keeps
// the same semantics as the durable backends (dedup replacement, claim
// visibility, bounded retries) without surviving a restart.
type MemoryQueue struct {
	logger *zap.Logger
	policy RetryPolicy

	mu      sync.Mutex
	pending map[string]*Job // dedup key -> pending job
	claimed map[string]*Job // job ID -> claimed job
}

func NewMemoryQueue(logger *zap.Logger, policy RetryPolicy) *MemoryQueue {
	return &MemoryQueue{
		logger:  logger,
		policy:  policy.withDefaults(),
		pending: make(map[string]*Job),
		claimed: make(map[string]*Job),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, dedupKey string, payload Payload, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Replacement semantics: a pending job for the same key is discarded,
	// attempts and all.
	job := &Job{
		ID:       uuid.NewString(),
		DedupKey: dedupKey,
		Payload:  payload,
		RunAt:    time.Now().Add(delay),
	}
	q.pending[dedupKey] = job

	return job.ID, nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, dedupKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Claimed jobs are left alone: cancellation is best-effort, pre-dispatch only.
	delete(q.pending, dedupKey)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var due *Job
	for _, job := range q.pending {
		if job.RunAt.After(now) {
			continue
		}
		if due == nil || job.RunAt.Before(due.RunAt) {
			due = job
		}
	}
	if due == nil {
		return nil, ErrNoPendingJob
	}

	delete(q.pending, due.DedupKey)
	due.Attempt++
	q.claimed[due.ID] = due

	claimed := *due
	return &claimed, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.claimed, job.ID)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, job *Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.claimed[job.ID]
	if !ok {
		return nil
	}
	delete(q.claimed, job.ID)

	if q.policy.Exhausted(stored.Attempt) {
		q.logger.Error("Job dropped after exhausting attempts",
			zap.String("job_id", stored.ID),
			zap.String("dedup_key", stored.DedupKey),
			zap.Int("attempts", stored.Attempt),
			zap.Error(cause))
		return nil
	}

	// A newer pending job for the same key wins over the retry.
	if _, exists := q.pending[stored.DedupKey]; exists {
		return nil
	}

	stored.RunAt = time.Now().Add(q.policy.NextDelay(stored.Attempt))
	q.pending[stored.DedupKey] = stored

	q.logger.Warn("Job re-queued with backoff",
		zap.String("job_id", stored.ID),
		zap.String("dedup_key", stored.DedupKey),
		zap.Int("attempt", stored.Attempt),
		zap.Time("run_at", stored.RunAt),
		zap.Error(cause))
	return nil
}

// PendingCount reports the number of not-yet-claimed jobs.
func (q *MemoryQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
