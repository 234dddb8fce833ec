package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestQueue(policy RetryPolicy) *MemoryQueue {
	return NewMemoryQueue(zap.NewNop(), policy)
}

func TestEnqueueDedupReplacement(t *testing.T) {
	t.Parallel()
	q := newTestQueue(RetryPolicy{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "post:1", Payload{PostID: 1}, time.Hour)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	second, err := q.Enqueue(ctx, "post:1", Payload{PostID: 1}, 0)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct job IDs")
	}
	if got := q.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}

	// The replacement carries the new delay: the job is due now, not in an hour.
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if job.ID != second {
		t.Fatalf("Dequeue returned job %s, want replacement %s", job.ID, second)
	}
}

func TestDequeueRespectsDelay(t *testing.T) {
	t.Parallel()
	q := newTestQueue(RetryPolicy{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "post:2", Payload{PostID: 2}, 50*time.Millisecond); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrNoPendingJob) {
		t.Fatalf("Dequeue before delay: got %v, want ErrNoPendingJob", err)
	}

	time.Sleep(60 * time.Millisecond)

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after delay: %v", err)
	}
	if job.Payload.PostID != 2 {
		t.Fatalf("Payload.PostID = %d, want 2", job.Payload.PostID)
	}
	if job.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1", job.Attempt)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	t.Parallel()
	q := newTestQueue(RetryPolicy{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "post:3", Payload{PostID: 3}, 0); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}

	// Cancel after claim is a no-op; the job still completes normally.
	if err := q.Cancel(ctx, "post:3"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if err := q.Complete(ctx, job); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	// Cancel of a pending job actually removes it.
	if _, err := q.Enqueue(ctx, "post:3", Payload{PostID: 3}, 0); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if err := q.Cancel(ctx, "post:3"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrNoPendingJob) {
		t.Fatalf("Dequeue after cancel: got %v, want ErrNoPendingJob", err)
	}
}

func TestFailRequeuesWithAttempts(t *testing.T) {
	t.Parallel()
	q := newTestQueue(RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0.0001,
	})
	ctx := context.Background()
	cause := errors.New("store unavailable")

	if _, err := q.Enqueue(ctx, "post:4", Payload{PostID: 4}, 0); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	seen := 0
	for attempt := 1; attempt <= 3; attempt++ {
		var job *Job
		deadline := time.Now().Add(time.Second)
		for {
			var err error
			job, err = q.Dequeue(ctx)
			if err == nil {
				break
			}
			if !errors.Is(err, ErrNoPendingJob) {
				t.Fatalf("Dequeue error: %v", err)
			}
			if time.Now().After(deadline) {
				t.Fatalf("job not redelivered for attempt %d", attempt)
			}
			time.Sleep(time.Millisecond)
		}

		if job.Attempt != attempt {
			t.Fatalf("Attempt = %d, want %d", job.Attempt, attempt)
		}
		seen++
		if err := q.Fail(ctx, job, cause); err != nil {
			t.Fatalf("Fail error: %v", err)
		}
	}

	if seen != 3 {
		t.Fatalf("deliveries = %d, want 3", seen)
	}

	// Attempt ceiling reached: the job is dropped, not redelivered.
	time.Sleep(20 * time.Millisecond)
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrNoPendingJob) {
		t.Fatalf("Dequeue after exhaustion: got %v, want ErrNoPendingJob", err)
	}
}

func TestEnqueueDuringRetryWinsOverBackoff(t *testing.T) {
	t.Parallel()
	q := newTestQueue(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "post:5", Payload{PostID: 5}, 0); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}

	// Re-scheduling while the claimed delivery is failing replaces the
	// hour-long backoff with a fresh immediate job.
	fresh, err := q.Enqueue(ctx, "post:5", Payload{PostID: 5}, 0)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if err := q.Fail(ctx, job, errors.New("boom")); err != nil {
		t.Fatalf("Fail error: %v", err)
	}

	redelivered, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue error: %v", err)
	}
	if redelivered.ID != fresh {
		t.Fatalf("Dequeue returned job %s, want fresh job %s", redelivered.ID, fresh)
	}
	if redelivered.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1 for fresh job", redelivered.Attempt)
	}
}
