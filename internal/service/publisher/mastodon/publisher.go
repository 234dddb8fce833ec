package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crosspost-io/crosspost/internal/service/publisher"
)

const platformName = "mastodon"

// Publisher publishes to a Mastodon instance. The instance base URL and the
// OAuth token come from the resolved account, not from static config, so one
// adapter serves accounts on any instance.
type Publisher struct {
	logger  *zap.Logger
	client  *http.Client
	limiter *rate.Limiter

	// Bounded internal retry on 429 before the attempt is surfaced as
	// RateLimited.
	maxRateLimitRetries int

	mediaPollInterval time.Duration
	mediaPollLimit    int
}

type apiError struct {
	Error string `json:"error"`
}

type accountResponse struct {
	ID   string `json:"id"`
	Acct string `json:"acct"`
	URL  string `json:"url"`
}

type mediaResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type statusRequest struct {
	Status   string   `json:"status"`
	MediaIDs []string `json:"media_ids,omitempty"`
}

type statusResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func NewPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{
		logger: logger,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter:             rate.NewLimiter(rate.Limit(5), 5),
		maxRateLimitRetries: 2,
		mediaPollInterval:   time.Second,
		mediaPollLimit:      10,
	}
}

func (p *Publisher) Name() string {
	return platformName
}

// Publish runs the full flow: resolve the canonical remote identity, upload
// media in two phases, submit the status, map the response. Remote failures
// come back classified; a returned error means the adapter itself misfired.
func (p *Publisher) Publish(ctx context.Context, content publisher.Content, account publisher.Account) (*publisher.Result, error) {
	if account.BaseURL == "" || account.AccessToken == "" {
		return publisher.Failed(platformName, publisher.ErrorCredentialExpired,
			"account is missing its instance URL or access token"), nil
	}

	// Resolve the canonical identity before anything else; this doubles as
	// the cheapest possible credential check against the live instance.
	remote, res := p.verifyCredentials(ctx, account)
	if res != nil {
		return res, nil
	}

	mediaIDs, res := p.uploadMedia(ctx, content, account)
	if res != nil {
		return res, nil
	}

	status, res := p.postStatus(ctx, content, account, mediaIDs)
	if res != nil {
		return res, nil
	}

	p.logger.Info("Published status",
		zap.String("platform", platformName),
		zap.String("acct", remote.Acct),
		zap.String("status_id", status.ID))

	return publisher.Succeeded(platformName, status.ID, status.URL), nil
}

func (p *Publisher) verifyCredentials(ctx context.Context, account publisher.Account) (*accountResponse, *publisher.Result) {
	var remote accountResponse
	if res := p.doJSON(ctx, account, http.MethodGet,
		account.BaseURL+"/api/v1/accounts/verify_credentials", nil, "", &remote); res != nil {
		return nil, res
	}
	return &remote, nil
}

// uploadMedia performs the two-phase upload for each media reference:
// register the upload slot with the bytes on /api/v2/media, then poll
// /api/v1/media/:id until the instance finished processing, and collect the
// resulting media handles in order.
func (p *Publisher) uploadMedia(ctx context.Context, content publisher.Content, account publisher.Account) ([]string, *publisher.Result) {
	if len(content.MediaURLs) == 0 {
		return nil, nil
	}

	mediaIDs := make([]string, 0, len(content.MediaURLs))
	for _, mediaURL := range content.MediaURLs {
		data, res := p.fetchMedia(ctx, mediaURL)
		if res != nil {
			return nil, res
		}

		media, accepted, res := p.registerMedia(ctx, account, path.Base(mediaURL), data)
		if res != nil {
			return nil, res
		}

		if accepted {
			media, res = p.awaitMedia(ctx, account, media.ID)
			if res != nil {
				return nil, res
			}
		}

		mediaIDs = append(mediaIDs, media.ID)
	}

	return mediaIDs, nil
}

func (p *Publisher) fetchMedia(ctx context.Context, mediaURL string) ([]byte, *publisher.Result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
			fmt.Sprintf("invalid media url %s: %v", mediaURL, err))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
			fmt.Sprintf("failed to fetch media %s: %v", mediaURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
			fmt.Sprintf("media source returned status %d for %s", resp.StatusCode, mediaURL))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
			fmt.Sprintf("failed to read media %s: %v", mediaURL, err))
	}
	return data, nil
}

func (p *Publisher) registerMedia(ctx context.Context, account publisher.Account, filename string, data []byte) (*mediaResponse, bool, *publisher.Result) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, false, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
			fmt.Sprintf("failed to build upload request: %v", err))
	}
	if _, err := part.Write(data); err != nil {
		return nil, false, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
			fmt.Sprintf("failed to build upload request: %v", err))
	}
	writer.Close()

	resp, res := p.do(ctx, account, http.MethodPost, account.BaseURL+"/api/v2/media",
		body.Bytes(), writer.FormDataContentType(), "")
	if res != nil {
		return nil, false, res
	}
	defer resp.Body.Close()

	if res := p.classifyStatus(resp); res != nil {
		return nil, false, res
	}

	var media mediaResponse
	if err := json.NewDecoder(resp.Body).Decode(&media); err != nil {
		return nil, false, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
			fmt.Sprintf("failed to decode media response: %v", err))
	}

	// 202 means the slot is registered but the instance is still processing
	// the bytes; the caller has to poll before referencing the handle.
	return &media, resp.StatusCode == http.StatusAccepted, nil
}

func (p *Publisher) awaitMedia(ctx context.Context, account publisher.Account, mediaID string) (*mediaResponse, *publisher.Result) {
	// Check immediately; short uploads are often done by the time the 202
	// response arrives, and waiting first taxes every media publish.
	for i := 0; i < p.mediaPollLimit; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
					fmt.Sprintf("media processing interrupted: %v", ctx.Err()))
			case <-time.After(p.mediaPollInterval):
			}
		}

		resp, res := p.do(ctx, account, http.MethodGet,
			account.BaseURL+"/api/v1/media/"+mediaID, nil, "", "")
		if res != nil {
			return nil, res
		}

		if resp.StatusCode == http.StatusPartialContent {
			resp.Body.Close()
			continue
		}

		if res := p.classifyStatus(resp); res != nil {
			resp.Body.Close()
			return nil, res
		}

		var media mediaResponse
		err := json.NewDecoder(resp.Body).Decode(&media)
		resp.Body.Close()
		if err != nil {
			return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
				fmt.Sprintf("failed to decode media response: %v", err))
		}
		return &media, nil
	}

	return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
		fmt.Sprintf("media %s still processing after %d polls", mediaID, p.mediaPollLimit))
}

func (p *Publisher) postStatus(ctx context.Context, content publisher.Content, account publisher.Account, mediaIDs []string) (*statusResponse, *publisher.Result) {
	payload, err := json.Marshal(statusRequest{
		Status:   content.Text,
		MediaIDs: mediaIDs,
	})
	if err != nil {
		return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
			fmt.Sprintf("failed to encode status: %v", err))
	}

	// The idempotency key pins redelivered jobs to the same remote status,
	// so an at-least-once queue cannot double-post.
	idempotencyKey := fmt.Sprintf("crosspost-%d", content.PostID)

	var status statusResponse
	if res := p.doJSON(ctx, account, http.MethodPost, account.BaseURL+"/api/v1/statuses",
		payload, idempotencyKey, &status); res != nil {
		return nil, res
	}
	return &status, nil
}

// do issues one API call with rate pacing and a bounded retry on 429.
func (p *Publisher) do(ctx context.Context, account publisher.Account, method, url string, body []byte, contentType, idempotencyKey string) (*http.Response, *publisher.Result) {
	for attempt := 0; ; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
				fmt.Sprintf("request interrupted: %v", err))
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
				fmt.Sprintf("invalid request: %v", err))
		}
		req.Header.Set("Authorization", "Bearer "+account.AccessToken)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
				fmt.Sprintf("request failed: %v", err))
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < p.maxRateLimitRetries {
			wait := retryAfter(resp)
			resp.Body.Close()
			p.logger.Warn("Rate limited by instance, backing off",
				zap.String("url", url),
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt+1))
			select {
			case <-ctx.Done():
				return nil, publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
					fmt.Sprintf("request interrupted: %v", ctx.Err()))
			case <-time.After(wait):
			}
			continue
		}

		return resp, nil
	}
}

func (p *Publisher) doJSON(ctx context.Context, account publisher.Account, method, url string, body []byte, idempotencyKey string, out interface{}) *publisher.Result {
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	resp, res := p.do(ctx, account, method, url, body, contentType, idempotencyKey)
	if res != nil {
		return res
	}
	defer resp.Body.Close()

	if res := p.classifyStatus(resp); res != nil {
		return res
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return publisher.Failed(platformName, publisher.ErrorRemoteUnavailable,
			fmt.Sprintf("failed to decode response: %v", err))
	}
	return nil
}

// classifyStatus maps a non-2xx response onto the error taxonomy. The body
// is consumed when a failure is returned.
func (p *Publisher) classifyStatus(resp *http.Response) *publisher.Result {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail := remoteErrorDetail(resp)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return publisher.Failed(platformName, publisher.ErrorCredentialExpired, detail)
	case resp.StatusCode == http.StatusTooManyRequests:
		return publisher.Failed(platformName, publisher.ErrorRateLimited, detail)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return publisher.Failed(platformName, publisher.ErrorContentPolicyViolation, detail)
	default:
		return publisher.Failed(platformName, publisher.ErrorRemoteUnavailable, detail)
	}
}

func remoteErrorDetail(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		var remote apiError
		if json.Unmarshal(body, &remote) == nil && remote.Error != "" {
			return fmt.Sprintf("instance returned status %d: %s", resp.StatusCode, remote.Error)
		}
	}
	return fmt.Sprintf("instance returned status %d", resp.StatusCode)
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 && secs <= 30 {
			return time.Duration(secs) * time.Second
		}
	}
	return 2 * time.Second
}
