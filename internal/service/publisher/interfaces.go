package publisher

import (
	"context"
	"time"
)

// ErrorClass is the canonical classification of a failed platform attempt.
// Classes are terminal for the executing job; none of them trigger a
// job-level retry on their own.
type ErrorClass string

const (
	ErrorNoActiveAccount        ErrorClass = "no_active_account"
	ErrorCredentialExpired      ErrorClass = "credential_expired"
	ErrorRateLimited            ErrorClass = "rate_limited"
	ErrorContentPolicyViolation ErrorClass = "content_policy_violation"
	ErrorRemoteUnavailable      ErrorClass = "remote_unavailable"
	ErrorNotImplemented         ErrorClass = "not_implemented"
)

// Content is the canonical payload handed to a platform adapter.
type Content struct {
	PostID    uint     `json:"post_id"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls"`
}

// Account carries the resolved credentials for one platform identity.
type Account struct {
	RemoteID    string `json:"remote_id"`
	Username    string `json:"username"`
	BaseURL     string `json:"base_url"`
	AccessToken string `json:"-"`
}

// Result is the outcome of one platform attempt.
type Result struct {
	Platform    string     `json:"platform"`
	Success     bool       `json:"success"`
	RemoteID    string     `json:"remote_id,omitempty"`
	URL         string     `json:"url,omitempty"`
	ErrorClass  ErrorClass `json:"error_class,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
}

// Succeeded builds a success result.
func Succeeded(platform, remoteID, url string) *Result {
	return &Result{
		Platform:    platform,
		Success:     true,
		RemoteID:    remoteID,
		URL:         url,
		PublishedAt: time.Now(),
	}
}

// Failed builds an error result.
func Failed(platform string, class ErrorClass, detail string) *Result {
	return &Result{
		Platform:    platform,
		ErrorClass:  class,
		ErrorDetail: detail,
	}
}

// Publisher is the extension point per target platform. Expected remote
// failures (rate limits, policy rejections, auth problems) come back as a
// classified Result, not as an error; a returned error means the adapter
// itself broke and is treated upstream like an unreachable platform.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, content Content, account Account) (*Result, error)
}
