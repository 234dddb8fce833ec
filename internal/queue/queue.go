package queue

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrNoPendingJob is returned by Dequeue when nothing is due.
var ErrNoPendingJob = errors.New("queue: no pending job")

// Payload is the unit of work carried by a job. The post is re-loaded at
// execution time, so only its identity travels through the queue.
type Payload struct {
	PostID uint `json:"post_id"`
}

// Job is one claimed delivery. Attempt is 1-based and counts this delivery.
type Job struct {
	ID       string
	DedupKey string
	Payload  Payload
	Attempt  int
	RunAt    time.Time
}

// Queue is a durable at-least-once delayed-delivery mechanism. At most one
// pending job exists per dedup key; enqueueing the same key again replaces
// the pending job. A claimed job is invisible to Cancel and to further
// Dequeue calls until it is completed, failed, or its lease expires.
type Queue interface {
	// Enqueue schedules a job after the given delay and returns its ID.
	Enqueue(ctx context.Context, dedupKey string, payload Payload, delay time.Duration) (string, error)

	// Cancel removes the pending job for the dedup key. It is a no-op when
	// no pending job exists or the job has already been claimed.
	Cancel(ctx context.Context, dedupKey string) error

	// Dequeue claims one due job, or returns ErrNoPendingJob.
	Dequeue(ctx context.Context) (*Job, error)

	// Complete acknowledges a claimed job.
	Complete(ctx context.Context, job *Job) error

	// Fail re-queues a claimed job with backoff, or drops it once the
	// attempt ceiling is reached.
	Fail(ctx context.Context, job *Job, cause error) error
}

// RetryPolicy controls job-level redelivery after a failed attempt.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Minute
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0.2
	}
	return p
}

// NextDelay computes the backoff before redelivering a job whose attempt
// number just failed: base * 2^(attempt-1), capped at MaxDelay, with
// proportional jitter so synchronized failures spread out.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// Exhausted reports whether a job that just failed its attempt should be
// dropped instead of re-queued.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.withDefaults().MaxAttempts
}
