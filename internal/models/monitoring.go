package models

import (
	"time"
)

// PublishMetric is a counter-style metric row recorded per publish attempt.
type PublishMetric struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:100;not null;index" json:"name"`
	Platform  string    `gorm:"size:100;index" json:"platform"`
	PostID    *uint     `gorm:"index" json:"post_id"`
	Value     float64   `gorm:"default:0" json:"value"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// ErrorLog keeps operational errors visible outside of log files.
type ErrorLog struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Level      string     `gorm:"size:20;not null;index" json:"level"`
	Source     string     `gorm:"size:100;not null;index" json:"source"`
	Platform   string     `gorm:"size:100;index" json:"platform"`
	PostID     *uint      `gorm:"index" json:"post_id"`
	Title      string     `gorm:"size:500;not null" json:"title"`
	Message    string     `gorm:"type:text;not null" json:"message"`
	Resolved   bool       `gorm:"default:false;index" json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
