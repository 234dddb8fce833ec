package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crosspost-io/crosspost/internal/queue"
)

// JobHandler executes one job delivery. A nil return completes the job; an
// error re-queues it with backoff.
type JobHandler func(ctx context.Context, payload queue.Payload, attempt int) error

// Dispatcher runs a fixed-size pool of workers pulling publish jobs from
// the queue. Each worker executes one job to completion before pulling the
// next, so the pool size is the orchestration concurrency bound.
type Dispatcher struct {
	queue   queue.Queue
	handler JobHandler
	logger  *zap.Logger

	workers      int
	pollInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewDispatcher(q queue.Queue, handler JobHandler, logger *zap.Logger, workers int, pollInterval time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 5
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Dispatcher{
		queue:        q,
		handler:      handler,
		logger:       logger,
		workers:      workers,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting dispatcher",
		zap.Int("workers", d.workers),
		zap.Duration("poll_interval", d.pollInterval))

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Stop waits for in-flight jobs to finish; claimed jobs are never abandoned
// mid-execution.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("Dispatcher shutdown completed")
}

func (d *Dispatcher) worker(ctx context.Context, idx int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		job, err := d.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrNoPendingJob) {
			if !d.idle(ctx) {
				return
			}
			continue
		}
		if err != nil {
			d.logger.Error("Failed to dequeue job", zap.Int("worker", idx), zap.Error(err))
			if !d.idle(ctx) {
				return
			}
			continue
		}

		d.execute(ctx, idx, job)
	}
}

func (d *Dispatcher) execute(ctx context.Context, idx int, job *queue.Job) {
	d.logger.Debug("Worker picked up job",
		zap.Int("worker", idx),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt))

	// The job outcome only reflects job-level infrastructure failures;
	// per-platform publish failures are persisted results, not retries.
	if err := d.handler(ctx, job.Payload, job.Attempt); err != nil {
		if failErr := d.queue.Fail(ctx, job, err); failErr != nil {
			d.logger.Error("Failed to report job failure",
				zap.String("job_id", job.ID),
				zap.Error(failErr))
		}
		return
	}

	if err := d.queue.Complete(ctx, job); err != nil {
		d.logger.Error("Failed to complete job",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

// idle waits one poll interval; false means shutdown.
func (d *Dispatcher) idle(ctx context.Context) bool {
	t := time.NewTimer(d.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.stopCh:
		return false
	case <-t.C:
		return true
	}
}
