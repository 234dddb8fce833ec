package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crosspost-io/crosspost/internal/queue"
)

// Scheduler translates a post's desired publish time into exactly one
// pending job. The dedup key is derived from the post identity, so
// re-scheduling replaces the pending job instead of duplicating it.
type Scheduler struct {
	queue  queue.Queue
	logger *zap.Logger
}

func NewScheduler(q queue.Queue, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		queue:  q,
		logger: logger,
	}
}

func dedupKey(postID uint) string {
	return fmt.Sprintf("post:%d", postID)
}

// Schedule enqueues the publish job for a post. A nil or past time means
// publish immediately. Any pending job for the same post is replaced.
func (s *Scheduler) Schedule(ctx context.Context, postID uint, at *time.Time) (string, error) {
	var delay time.Duration
	if at != nil {
		delay = time.Until(*at)
		if delay < 0 {
			delay = 0
		}
	}

	jobID, err := s.queue.Enqueue(ctx, dedupKey(postID), queue.Payload{PostID: postID}, delay)
	if err != nil {
		return "", fmt.Errorf("failed to schedule post %d: %w", postID, err)
	}

	s.logger.Info("Publish job scheduled",
		zap.Uint("post_id", postID),
		zap.String("job_id", jobID),
		zap.Duration("delay", delay))
	return jobID, nil
}

// Cancel removes the pending job for a post. A job already claimed by a
// worker runs to completion; cancellation is best-effort, pre-dispatch only.
func (s *Scheduler) Cancel(ctx context.Context, postID uint) error {
	if err := s.queue.Cancel(ctx, dedupKey(postID)); err != nil {
		return fmt.Errorf("failed to cancel publish job for post %d: %w", postID, err)
	}

	s.logger.Info("Publish job cancelled", zap.Uint("post_id", postID))
	return nil
}
