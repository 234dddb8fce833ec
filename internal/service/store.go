package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crosspost-io/crosspost/internal/models"
)

var (
	// ErrPostNotFound means the post was deleted between scheduling and
	// execution; the orchestration treats this as a successful no-op.
	ErrPostNotFound = errors.New("post not found")

	// ErrNoActiveAccount means no eligible connected account exists for a
	// (user, platform) pair.
	ErrNoActiveAccount = errors.New("no active account for platform")
)

// GormStore implements the repository reads and the status reconciler write
// on the relational store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) LoadPost(ctx context.Context, postID uint) (*models.Post, error) {
	var post models.Post
	if err := s.db.WithContext(ctx).First(&post, "id = ?", postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, fmt.Errorf("failed to load post %d: %w", postID, err)
	}
	return &post, nil
}

func (s *GormStore) LoadActiveAccount(ctx context.Context, userID uint, platform string) (*models.PlatformAccount, error) {
	var account models.PlatformAccount
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND active = ?", userID, platform, true).
		Order("updated_at DESC").
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveAccount
		}
		return nil, fmt.Errorf("failed to load account for user %d on %s: %w", userID, platform, err)
	}
	return &account, nil
}

// SetPostStatus records a lifecycle transition outside of reconciliation,
// e.g. the move to Publishing when a job starts executing.
func (s *GormStore) SetPostStatus(ctx context.Context, postID uint, status string) error {
	err := s.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ?", postID).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("failed to set post %d status to %s: %w", postID, status, err)
	}
	return nil
}

// ApplyOutcome persists the per-platform results and the aggregate status in
// one transaction, so a concurrent reader never sees an aggregate status
// inconsistent with its per-platform detail. Result rows are overwritten per
// platform, not appended.
func (s *GormStore) ApplyOutcome(ctx context.Context, postID uint, status string, publishedAt *time.Time, results []models.PlatformPublishResult) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range results {
			results[i].PostID = postID
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "post_id"}, {Name: "platform"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"success", "remote_id", "url", "error_class", "error_detail", "published_at", "updated_at",
				}),
			}).Create(&results[i]).Error; err != nil {
				return fmt.Errorf("failed to record result for %s: %w", results[i].Platform, err)
			}
		}

		updates := map[string]interface{}{"status": status}
		if publishedAt != nil {
			updates["published_at"] = publishedAt
		}
		if err := tx.Model(&models.Post{}).Where("id = ?", postID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update post status: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply outcome for post %d: %w", postID, err)
	}
	return nil
}

// LoadResults returns the per-platform results recorded for a post.
func (s *GormStore) LoadResults(ctx context.Context, postID uint) ([]models.PlatformPublishResult, error) {
	var results []models.PlatformPublishResult
	err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("platform").
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load results for post %d: %w", postID, err)
	}
	return results, nil
}
