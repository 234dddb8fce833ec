package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	jobStatusPending = "pending"
	jobStatusRunning = "running"
)

// PublishJob is the persisted queue row. Claimed jobs hold a lease; a crash
// mid-execution leaves the lease to expire, after which the job becomes
// claimable again (at-least-once delivery).
type PublishJob struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	DedupKey       string     `gorm:"size:255;not null;index" json:"dedup_key"`
	Payload        string     `gorm:"type:jsonb" json:"payload"`
	Status         string     `gorm:"size:20;default:'pending';index" json:"status"`
	Attempt        int        `gorm:"default:0" json:"attempt"`
	RunAt          time.Time  `gorm:"not null;index" json:"run_at"`
	LeaseExpiresAt *time.Time `gorm:"index" json:"lease_expires_at"`
	LastError      string     `gorm:"type:text" json:"last_error"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PublishJob) TableName() string {
	return "publish_jobs"
}

// GormQueue is the durable Queue backend on the relational store.
type GormQueue struct {
	db       *gorm.DB
	logger   *zap.Logger
	policy   RetryPolicy
	leaseTTL time.Duration
}

func NewGormQueue(db *gorm.DB, logger *zap.Logger, policy RetryPolicy, leaseTTL time.Duration) *GormQueue {
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}
	return &GormQueue{
		db:       db,
		logger:   logger,
		policy:   policy.withDefaults(),
		leaseTTL: leaseTTL,
	}
}

func (q *GormQueue) Enqueue(ctx context.Context, dedupKey string, payload Payload, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	job := PublishJob{
		ID:       uuid.NewString(),
		DedupKey: dedupKey,
		Payload:  string(raw),
		Status:   jobStatusPending,
		RunAt:    time.Now().Add(delay),
	}

	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Replace any pending job for the key; running jobs keep their lease.
		if err := tx.Where("dedup_key = ? AND status = ?", dedupKey, jobStatusPending).
			Delete(&PublishJob{}).Error; err != nil {
			return fmt.Errorf("failed to replace pending job: %w", err)
		}
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return job.ID, nil
}

func (q *GormQueue) Cancel(ctx context.Context, dedupKey string) error {
	return q.db.WithContext(ctx).
		Where("dedup_key = ? AND status = ?", dedupKey, jobStatusPending).
		Delete(&PublishJob{}).Error
}

func (q *GormQueue) Dequeue(ctx context.Context) (*Job, error) {
	var record PublishJob

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND run_at <= ?) OR (status = ? AND lease_expires_at < ?)",
				jobStatusPending, now, jobStatusRunning, now).
			Order("run_at").
			First(&record).Error
		if err != nil {
			return err
		}

		lease := now.Add(q.leaseTTL)
		record.Status = jobStatusRunning
		record.Attempt++
		record.LeaseExpiresAt = &lease
		return tx.Model(&PublishJob{}).Where("id = ?", record.ID).Updates(map[string]interface{}{
			"status":           record.Status,
			"attempt":          record.Attempt,
			"lease_expires_at": record.LeaseExpiresAt,
		}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoPendingJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	var payload Payload
	if err := json.Unmarshal([]byte(record.Payload), &payload); err != nil {
		// A malformed payload can never execute; drop it instead of
		// poisoning the queue.
		q.logger.Error("Dropping job with malformed payload",
			zap.String("job_id", record.ID),
			zap.Error(err))
		q.db.WithContext(ctx).Delete(&PublishJob{}, "id = ?", record.ID)
		return nil, ErrNoPendingJob
	}

	return &Job{
		ID:       record.ID,
		DedupKey: record.DedupKey,
		Payload:  payload,
		Attempt:  record.Attempt,
		RunAt:    record.RunAt,
	}, nil
}

func (q *GormQueue) Complete(ctx context.Context, job *Job) error {
	return q.db.WithContext(ctx).Delete(&PublishJob{}, "id = ?", job.ID).Error
}

func (q *GormQueue) Fail(ctx context.Context, job *Job, cause error) error {
	if q.policy.Exhausted(job.Attempt) {
		q.logger.Error("Job dropped after exhausting attempts",
			zap.String("job_id", job.ID),
			zap.String("dedup_key", job.DedupKey),
			zap.Int("attempts", job.Attempt),
			zap.Error(cause))
		return q.db.WithContext(ctx).Delete(&PublishJob{}, "id = ?", job.ID).Error
	}

	runAt := time.Now().Add(q.policy.NextDelay(job.Attempt))
	requeued := true
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A fresh enqueue during execution already holds the pending slot for
		// this key; the failed delivery must not produce a second one.
		var pending int64
		if err := tx.Model(&PublishJob{}).
			Where("dedup_key = ? AND status = ? AND id <> ?", job.DedupKey, jobStatusPending, job.ID).
			Count(&pending).Error; err != nil {
			return fmt.Errorf("failed to check pending jobs: %w", err)
		}
		if pending > 0 {
			requeued = false
			return tx.Delete(&PublishJob{}, "id = ?", job.ID).Error
		}

		return tx.Model(&PublishJob{}).
			Where("id = ? AND status = ?", job.ID, jobStatusRunning).
			Updates(map[string]interface{}{
				"status":           jobStatusPending,
				"run_at":           runAt,
				"lease_expires_at": nil,
				"last_error":       cause.Error(),
			}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to re-queue job: %w", err)
	}
	if !requeued {
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
