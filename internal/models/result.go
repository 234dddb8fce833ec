package models

import (
	"time"

	"gorm.io/gorm"
)

// PlatformPublishResult is the outcome of one platform attempt for a post.
// One row per (post, platform); each execution attempt overwrites the
// previous row for that platform rather than appending history.
type PlatformPublishResult struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	PostID      uint           `gorm:"not null;uniqueIndex:idx_post_platform" json:"post_id"`
	Platform    string         `gorm:"size:100;not null;uniqueIndex:idx_post_platform" json:"platform"`
	Success     bool           `gorm:"default:false" json:"success"`
	RemoteID    string         `gorm:"size:255" json:"remote_id"`
	URL         string         `gorm:"size:1000" json:"url"`
	ErrorClass  string         `gorm:"size:50" json:"error_class"`
	ErrorDetail string         `gorm:"type:text" json:"error_detail"`
	PublishedAt *time.Time     `json:"published_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at"`

	Post Post `gorm:"foreignKey:PostID" json:"-"`
}
