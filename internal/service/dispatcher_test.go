package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/crosspost-io/crosspost/internal/queue"
)

func TestDispatcherProcessesAllJobs(t *testing.T) {
	t.Parallel()
	q := queue.NewMemoryQueue(zap.NewNop(), queue.RetryPolicy{})

	var processed sync.Map
	handler := func(ctx context.Context, payload queue.Payload, attempt int) error {
		processed.Store(payload.PostID, attempt)
		return nil
	}

	const jobs = 20
	for i := uint(1); i <= jobs; i++ {
		if _, err := q.Enqueue(context.Background(), dedupKey(i), queue.Payload{PostID: i}, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	d := NewDispatcher(q, handler, zap.NewNop(), 5, 10*time.Millisecond)
	d.Start(context.Background())

	waitFor(t, time.Second, func() bool {
		count := 0
		processed.Range(func(_, _ any) bool {
			count++
			return true
		})
		return count == jobs
	})
	d.Stop()

	if q.PendingCount() != 0 {
		t.Fatalf("pending jobs after drain = %d, want 0", q.PendingCount())
	}
}

func TestDispatcherConcurrencyBound(t *testing.T) {
	t.Parallel()
	q := queue.NewMemoryQueue(zap.NewNop(), queue.RetryPolicy{})

	const workers = 3
	var inFlight, peak atomic.Int32
	handler := func(ctx context.Context, payload queue.Payload, attempt int) error {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	for i := uint(1); i <= 12; i++ {
		if _, err := q.Enqueue(context.Background(), dedupKey(i), queue.Payload{PostID: i}, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	d := NewDispatcher(q, handler, zap.NewNop(), workers, 5*time.Millisecond)
	d.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return q.PendingCount() == 0 && inFlight.Load() == 0 })
	d.Stop()

	if p := peak.Load(); p > workers {
		t.Fatalf("peak concurrency = %d, want at most %d", p, workers)
	}
}

func TestDispatcherRetriesFailedJob(t *testing.T) {
	t.Parallel()
	q := queue.NewMemoryQueue(zap.NewNop(), queue.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Jitter:      0.0001,
	})

	var attempts atomic.Int32
	handler := func(ctx context.Context, payload queue.Payload, attempt int) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient store outage")
		}
		return nil
	}

	if _, err := q.Enqueue(context.Background(), dedupKey(1), queue.Payload{PostID: 1}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d := NewDispatcher(q, handler, zap.NewNop(), 1, 5*time.Millisecond)
	d.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return attempts.Load() == 3 && q.PendingCount() == 0 })
	d.Stop()
}

func TestDispatcherStopWaitsForInFlightJob(t *testing.T) {
	t.Parallel()
	q := queue.NewMemoryQueue(zap.NewNop(), queue.RetryPolicy{})

	started := make(chan struct{})
	var finished atomic.Bool
	handler := func(ctx context.Context, payload queue.Payload, attempt int) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}

	if _, err := q.Enqueue(context.Background(), dedupKey(1), queue.Payload{PostID: 1}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d := NewDispatcher(q, handler, zap.NewNop(), 1, 5*time.Millisecond)
	d.Start(context.Background())

	<-started
	d.Stop()

	if !finished.Load() {
		t.Fatal("Stop returned before the in-flight job finished")
	}
}

// waitFor polls cond until it holds or the deadline lapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
