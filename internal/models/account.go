package models

import (
	"time"

	"gorm.io/gorm"
)

// PlatformAccount is a connected identity on one platform for one user.
// At most one active account per (user, platform) pair is eligible for
// publishing; deactivated accounts stay around for historical attribution.
type PlatformAccount struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	UserID         uint           `gorm:"not null;index:idx_user_platform" json:"user_id"`
	Platform       string         `gorm:"size:100;not null;index:idx_user_platform" json:"platform"`
	RemoteID       string         `gorm:"size:255" json:"remote_id"`
	Username       string         `gorm:"size:255" json:"username"`
	BaseURL        string         `gorm:"size:500" json:"base_url"`
	AccessToken    string         `gorm:"size:1000" json:"-"`
	TokenExpiresAt *time.Time     `json:"token_expires_at"`
	Active         bool           `gorm:"default:true;index" json:"active"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

// CredentialExpired reports whether the stored token is known to be past
// its expiry at the given instant. A nil expiry means the token does not
// expire.
func (a *PlatformAccount) CredentialExpired(now time.Time) bool {
	return a.TokenExpiresAt != nil && !a.TokenExpiresAt.After(now)
}
