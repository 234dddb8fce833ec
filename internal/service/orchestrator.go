package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crosspost-io/crosspost/internal/models"
	"github.com/crosspost-io/crosspost/internal/queue"
	"github.com/crosspost-io/crosspost/internal/service/publisher"
)

// Store is the repository contract the orchestration consumes. The gorm
// implementation lives in GormStore; tests substitute in-memory fakes.
type Store interface {
	LoadPost(ctx context.Context, postID uint) (*models.Post, error)
	LoadActiveAccount(ctx context.Context, userID uint, platform string) (*models.PlatformAccount, error)
	SetPostStatus(ctx context.Context, postID uint, status string) error
	ApplyOutcome(ctx context.Context, postID uint, status string, publishedAt *time.Time, results []models.PlatformPublishResult) error
}

// Recorder is the slice of the monitoring service the orchestrator uses.
type Recorder interface {
	RecordMetric(name string, value float64, options ...MetricOption)
	RecordError(level, source, title, message string, options ...ErrorLogOption)
}

// Orchestrator executes one publish job: it fans the post out across its
// target platforms, accumulates per-platform results independently, and
// converges them into one aggregate status through the reconciler.
//
// A returned error is a job-level failure (persistence unavailable, internal
// defect) and makes the queue retry the whole job. Platform-level failures
// never propagate: they are classified, recorded, and terminal per attempt.
type Orchestrator struct {
	store      Store
	registry   *publisher.Registry
	monitoring Recorder
	logger     *zap.Logger

	// limiter bounds concurrent platform calls globally, across all jobs,
	// not per job.
	limiter chan struct{}
}

func NewOrchestrator(store Store, registry *publisher.Registry, monitoring Recorder, logger *zap.Logger, publishConcurrency int) *Orchestrator {
	if publishConcurrency <= 0 {
		publishConcurrency = 10
	}
	return &Orchestrator{
		store:      store,
		registry:   registry,
		monitoring: monitoring,
		logger:     logger,
		limiter:    make(chan struct{}, publishConcurrency),
	}
}

// Execute runs the publish orchestration for one job delivery.
func (o *Orchestrator) Execute(ctx context.Context, payload queue.Payload, attempt int) error {
	post, err := o.store.LoadPost(ctx, payload.PostID)
	if errors.Is(err, ErrPostNotFound) {
		// Deleted between scheduling and execution: a successful no-op.
		o.logger.Info("Post gone before publish, dropping job", zap.Uint("post_id", payload.PostID))
		return nil
	}
	if err != nil {
		return err
	}

	if post.Status == models.PostStatusPublished {
		// At-least-once redelivery guard: nothing to do, no external calls.
		o.logger.Info("Post already published, skipping redelivery",
			zap.Uint("post_id", post.ID),
			zap.Int("attempt", attempt))
		return nil
	}

	if len(post.Platforms) == 0 {
		// Retrying cannot conjure up targets; leave the post as-is.
		o.logger.Warn("Post has no target platforms, dropping job", zap.Uint("post_id", post.ID))
		return nil
	}

	if err := o.store.SetPostStatus(ctx, post.ID, models.PostStatusPublishing); err != nil {
		return err
	}

	o.logger.Info("Publishing post",
		zap.Uint("post_id", post.ID),
		zap.Strings("platforms", post.Platforms),
		zap.Int("attempt", attempt))

	results, err := o.publishAll(ctx, post)
	if err != nil {
		return err
	}

	status, publishedAt := aggregate(results)
	if err := o.store.ApplyOutcome(ctx, post.ID, status, publishedAt, results); err != nil {
		return err
	}

	o.record(post, results, status)
	return nil
}

// publishAll resolves accounts, short-circuits platforms that cannot be
// attempted, and fans the rest out concurrently. One platform's failure
// never aborts another's attempt; the fan-out is awaited jointly.
func (o *Orchestrator) publishAll(ctx context.Context, post *models.Post) ([]models.PlatformPublishResult, error) {
	content := publisher.Content{
		PostID:    post.ID,
		Text:      post.Content,
		MediaURLs: post.MediaURLs,
	}

	now := time.Now()
	results := make([]models.PlatformPublishResult, len(post.Platforms))

	type callTarget struct {
		index    int
		platform string
		account  *models.PlatformAccount
	}
	var targets []callTarget

	for i, platform := range post.Platforms {
		account, err := o.store.LoadActiveAccount(ctx, post.UserID, platform)
		if errors.Is(err, ErrNoActiveAccount) {
			results[i] = toModel(post.ID, publisher.Failed(platform, publisher.ErrorNoActiveAccount,
				fmt.Sprintf("no active account connected for %s", platform)))
			continue
		}
		if err != nil {
			return nil, err
		}

		// Expiry is checked locally before any network call.
		if account.CredentialExpired(now) {
			results[i] = toModel(post.ID, publisher.Failed(platform, publisher.ErrorCredentialExpired,
				fmt.Sprintf("credentials for %s expired at %s", platform, account.TokenExpiresAt.Format(time.RFC3339))))
			continue
		}

		targets = append(targets, callTarget{index: i, platform: platform, account: account})
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(t callTarget) {
			defer wg.Done()

			o.limiter <- struct{}{}
			defer func() { <-o.limiter }()

			results[t.index] = toModel(post.ID, o.publishOne(ctx, content, t.platform, t.account))
		}(target)
	}
	wg.Wait()

	return results, nil
}

func (o *Orchestrator) publishOne(ctx context.Context, content publisher.Content, platform string, account *models.PlatformAccount) *publisher.Result {
	pub, err := o.registry.Get(platform)
	if err != nil {
		// A target with no registered adapter is a configuration gap, not a
		// reason to crash or to retry the job.
		return publisher.Failed(platform, publisher.ErrorNotImplemented, err.Error())
	}

	res, err := pub.Publish(ctx, content, publisher.Account{
		RemoteID:    account.RemoteID,
		Username:    account.Username,
		BaseURL:     account.BaseURL,
		AccessToken: account.AccessToken,
	})
	if err != nil {
		o.logger.Error("Publisher returned unexpected error",
			zap.String("platform", platform),
			zap.Error(err))
		return publisher.Failed(platform, publisher.ErrorRemoteUnavailable, err.Error())
	}
	return res
}

// aggregate applies the partial-failure policy: everything failed means
// Failed, anything else means Published. Partial success deliberately
// counts as published; the per-platform rows keep the failures visible.
func aggregate(results []models.PlatformPublishResult) (string, *time.Time) {
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}

	if failed == len(results) {
		return models.PostStatusFailed, nil
	}

	now := time.Now()
	return models.PostStatusPublished, &now
}

func toModel(postID uint, res *publisher.Result) models.PlatformPublishResult {
	out := models.PlatformPublishResult{
		PostID:      postID,
		Platform:    res.Platform,
		Success:     res.Success,
		RemoteID:    res.RemoteID,
		URL:         res.URL,
		ErrorClass:  string(res.ErrorClass),
		ErrorDetail: res.ErrorDetail,
	}
	if res.Success {
		published := res.PublishedAt
		out.PublishedAt = &published
	}
	return out
}

func (o *Orchestrator) record(post *models.Post, results []models.PlatformPublishResult, status string) {
	for _, res := range results {
		if res.Success {
			o.logger.Info("Platform publish succeeded",
				zap.Uint("post_id", post.ID),
				zap.String("platform", res.Platform),
				zap.String("remote_id", res.RemoteID))
			if o.monitoring != nil {
				o.monitoring.RecordMetric("publish_success", 1,
					MetricPlatform(res.Platform), MetricPost(post.ID))
			}
			continue
		}

		o.logger.Warn("Platform publish failed",
			zap.Uint("post_id", post.ID),
			zap.String("platform", res.Platform),
			zap.String("error_class", res.ErrorClass),
			zap.String("detail", res.ErrorDetail))
		if o.monitoring != nil {
			o.monitoring.RecordMetric("publish_failure", 1,
				MetricPlatform(res.Platform), MetricPost(post.ID))
			o.monitoring.RecordError("ERROR", "publisher",
				fmt.Sprintf("Failed to publish to %s", res.Platform), res.ErrorDetail,
				WithPlatform(res.Platform), WithPost(post.ID))
		}
	}

	o.logger.Info("Publish orchestration finished",
		zap.Uint("post_id", post.ID),
		zap.String("status", status))
}
