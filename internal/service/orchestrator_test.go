package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/crosspost-io/crosspost/internal/models"
	"github.com/crosspost-io/crosspost/internal/queue"
	"github.com/crosspost-io/crosspost/internal/service/publisher"
)

// fakeStore is an in-memory Store for orchestration tests.
type fakeStore struct {
	mu       sync.Mutex
	posts    map[uint]*models.Post
	accounts map[string]*models.PlatformAccount // key: platform (single test user)

	applied       []models.PlatformPublishResult
	appliedStatus string
	applyErr      error
	applyCalls    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		posts:    make(map[uint]*models.Post),
		accounts: make(map[string]*models.PlatformAccount),
	}
}

func (s *fakeStore) LoadPost(ctx context.Context, postID uint) (*models.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[postID]
	if !ok {
		return nil, ErrPostNotFound
	}
	copied := *post
	return &copied, nil
}

func (s *fakeStore) LoadActiveAccount(ctx context.Context, userID uint, platform string) (*models.PlatformAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[platform]
	if !ok || !account.Active {
		return nil, ErrNoActiveAccount
	}
	copied := *account
	return &copied, nil
}

func (s *fakeStore) SetPostStatus(ctx context.Context, postID uint, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if post, ok := s.posts[postID]; ok {
		post.Status = status
	}
	return nil
}

func (s *fakeStore) ApplyOutcome(ctx context.Context, postID uint, status string, publishedAt *time.Time, results []models.PlatformPublishResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCalls++
	if s.applyErr != nil {
		return s.applyErr
	}
	if post, ok := s.posts[postID]; ok {
		post.Status = status
		post.PublishedAt = publishedAt
	}
	s.applied = results
	s.appliedStatus = status
	return nil
}

// fakePublisher returns a canned result and counts invocations.
type fakePublisher struct {
	platform string
	result   *publisher.Result
	err      error

	mu    sync.Mutex
	calls int
}

func (p *fakePublisher) Name() string { return p.platform }

func (p *fakePublisher) Publish(ctx context.Context, content publisher.Content, account publisher.Account) (*publisher.Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func activeAccount(platform string) *models.PlatformAccount {
	return &models.PlatformAccount{
		UserID:      1,
		Platform:    platform,
		RemoteID:    "remote-1",
		BaseURL:     "https://example.social",
		AccessToken: "token",
		Active:      true,
	}
}

func newTestOrchestrator(store Store, pubs ...publisher.Publisher) *Orchestrator {
	registry := publisher.NewRegistry(zap.NewNop())
	for _, pub := range pubs {
		if err := registry.Register(pub); err != nil {
			panic(err)
		}
	}
	return NewOrchestrator(store, registry, nil, zap.NewNop(), 10)
}

func TestExecuteEndToEndSuccess(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.posts[1] = &models.Post{ID: 1, UserID: 1, Content: "hello", Platforms: models.StringArray{"mastodon"}, Status: models.PostStatusScheduled}
	store.accounts["mastodon"] = activeAccount("mastodon")

	pub := &fakePublisher{platform: "mastodon", result: publisher.Succeeded("mastodon", "r1", "https://example.social/@u/r1")}
	o := newTestOrchestrator(store, pub)

	if err := o.Execute(context.Background(), queue.Payload{PostID: 1}, 1); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	if store.appliedStatus != models.PostStatusPublished {
		t.Fatalf("status = %s, want %s", store.appliedStatus, models.PostStatusPublished)
	}
	if len(store.applied) != 1 {
		t.Fatalf("results = %d, want 1", len(store.applied))
	}
	res := store.applied[0]
	if !res.Success || res.Platform != "mastodon" || res.RemoteID != "r1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if store.posts[1].PublishedAt == nil {
		t.Fatal("expected published timestamp to be set")
	}
}

func TestExecuteIdempotentRedelivery(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.posts[1] = &models.Post{ID: 1, UserID: 1, Platforms: models.StringArray{"mastodon"}, Status: models.PostStatusPublished}
	store.accounts["mastodon"] = activeAccount("mastodon")

	pub := &fakePublisher{platform: "mastodon", result: publisher.Succeeded("mastodon", "r1", "")}
	o := newTestOrchestrator(store, pub)

	if err := o.Execute(context.Background(), queue.Payload{PostID: 1}, 2); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	if pub.callCount() != 0 {
		t.Fatalf("publisher calls = %d, want 0 for already-published post", pub.callCount())
	}
	if store.applyCalls != 0 {
		t.Fatalf("ApplyOutcome calls = %d, want 0", store.applyCalls)
	}
}

func TestExecuteMissingPostIsNoOp(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	o := newTestOrchestrator(store)

	if err := o.Execute(context.Background(), queue.Payload{PostID: 42}, 1); err != nil {
		t.Fatalf("Execute error for missing post: %v", err)
	}
}

func TestExecutePartialSuccessCountsAsPublished(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.posts[1] = &models.Post{ID: 1, UserID: 1, Platforms: models.StringArray{"mastodon", "linkedin"}, Status: models.PostStatusScheduled}
	store.accounts["mastodon"] = activeAccount("mastodon")
	store.accounts["linkedin"] = activeAccount("linkedin")

	good := &fakePublisher{platform: "mastodon", result: publisher.Succeeded("mastodon", "r1", "")}
	bad := &fakePublisher{platform: "linkedin", result: publisher.Failed("linkedin", publisher.ErrorContentPolicyViolation, "rejected")}
	o := newTestOrchestrator(store, good, bad)

	if err := o.Execute(context.Background(), queue.Payload{PostID: 1}, 1); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	if store.appliedStatus != models.PostStatusPublished {
		t.Fatalf("status = %s, want %s", store.appliedStatus, models.PostStatusPublished)
	}
	if len(store.applied) != 2 {
		t.Fatalf("results = %d, want 2", len(store.applied))
	}

	var successes, failures int
	for _, res := range store.applied {
		if res.Success {
			successes++
		} else {
			failures++
			if res.ErrorClass != string(publisher.ErrorContentPolicyViolation) {
				t.Fatalf("error class = %s, want %s", res.ErrorClass, publisher.ErrorContentPolicyViolation)
			}
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("successes=%d failures=%d, want 1/1", successes, failures)
	}
}

func TestExecuteAllFailedMeansFailed(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.posts[1] = &models.Post{ID: 1, UserID: 1, Platforms: models.StringArray{"mastodon", "linkedin"}, Status: models.PostStatusScheduled}
	store.accounts["mastodon"] = activeAccount("mastodon")
	store.accounts["linkedin"] = activeAccount("linkedin")

	a := &fakePublisher{platform: "mastodon", result: publisher.Failed("mastodon", publisher.ErrorRemoteUnavailable, "503")}
	b := &fakePublisher{platform: "linkedin", result: publisher.Failed("linkedin", publisher.ErrorRemoteUnavailable, "503")}
	o := newTestOrchestrator(store, a, b)

	if err := o.Execute(context.Background(), queue.Payload{PostID: 1}, 1); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	if store.appliedStatus != models.PostStatusFailed {
		t.Fatalf("status = %s, want %s", store.appliedStatus, models.PostStatusFailed)
	}
	for _, res := range store.applied {
		if res.Success {
			t.Fatalf("unexpected success result: %+v", res)
		}
	}
	if store.posts[1].PublishedAt != nil {
		t.Fatal("published timestamp must stay unset on full failure")
	}
}

func TestExecuteNoActiveAccountShortCircuit(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.posts[1] = &models.Post{ID: 1, UserID: 1, Platforms: models.StringArray{"mastodon"}, Status: models.PostStatusScheduled}

	pub := &fakePublisher{platform: "mastodon", result: publisher.Succeeded("mastodon", "r1", "")}
	o := newTestOrchestrator(store, pub)

	if err := o.Execute(context.Background(), queue.Payload{PostID: 1}, 1); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	if pub.callCount() != 0 {
		t.Fatalf("publisher calls = %d, want 0 without an active account", pub.callCount())
	}
	if len(store.applied) != 1 || store.applied[0].ErrorClass != string(publisher.ErrorNoActiveAccount) {
		t.Fatalf("unexpected results: %+v", store.applied)
	}
	if store.appliedStatus != models.PostStatusFailed {
		t.Fatalf("status = %s, want %s", store.appliedStatus, models.PostStatusFailed)
	}
}

func TestExecuteExpiredCredentialSkipsCall(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.posts[1] = &models.Post{ID: 1, UserID: 1, Platforms: models.StringArray{"mastodon"}, Status: models.PostStatusScheduled}

	expired := time.Now().Add(-time.Hour)
	account := activeAccount("mastodon")
	account.TokenExpiresAt = &expired
	store.accounts["mastodon"] = account

	pub := &fakePublisher{platform: "mastodon", result: publisher.Succeeded("mastodon", "r1", "")}
	o := newTestOrchestrator(store, pub)

	if err := o.Execute(context.Background(), queue.Payload{PostID: 1}, 1); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	if pub.callCount() != 0 {
		t.Fatalf("publisher calls = %d, want 0 with expired credentials", pub.callCount())
	}
	if len(store.applied) != 1 || store.applied[0].ErrorClass != string(publisher.ErrorCredentialExpired) {
		t.Fatalf("unexpected results: %+v", store.applied)
	}
}

func TestExecutePublisherDefectBecomesResult(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.posts[1] = &models.Post{ID: 1, UserID: 1, Platforms: models.StringArray{"mastodon", "linkedin"}, Status: models.PostStatusScheduled}
	store.accounts["mastodon"] = activeAccount("mastodon")
	store.accounts["linkedin"] = activeAccount("linkedin")

	broken := &fakePublisher{platform: "mastodon", err: errors.New("nil pointer somewhere")}
	good := &fakePublisher{platform: "linkedin", result: publisher.Succeeded("linkedin", "r2", "")}
	o := newTestOrchestrator(store, broken, good)

	if err := o.Execute(context.Background(), queue.Payload{PostID: 1}, 1); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	// One adapter blowing up never aborts the other's attempt.
	if good.callCount() != 1 {
		t.Fatalf("good publisher calls = %d, want 1", good.callCount())
	}
	if store.appliedStatus != models.PostStatusPublished {
		t.Fatalf("status = %s, want %s", store.appliedStatus, models.PostStatusPublished)
	}
}

func TestExecuteUnknownPlatformIsNotImplemented(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.posts[1] = &models.Post{ID: 1, UserID: 1, Platforms: models.StringArray{"myspace"}, Status: models.PostStatusScheduled}
	store.accounts["myspace"] = activeAccount("myspace")

	o := newTestOrchestrator(store)

	if err := o.Execute(context.Background(), queue.Payload{PostID: 1}, 1); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	if len(store.applied) != 1 || store.applied[0].ErrorClass != string(publisher.ErrorNotImplemented) {
		t.Fatalf("unexpected results: %+v", store.applied)
	}
}

func TestExecuteReconcilerFailureIsJobLevel(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.posts[1] = &models.Post{ID: 1, UserID: 1, Platforms: models.StringArray{"mastodon"}, Status: models.PostStatusScheduled}
	store.accounts["mastodon"] = activeAccount("mastodon")
	store.applyErr = errors.New("database unreachable")

	pub := &fakePublisher{platform: "mastodon", result: publisher.Succeeded("mastodon", "r1", "")}
	o := newTestOrchestrator(store, pub)

	if err := o.Execute(context.Background(), queue.Payload{PostID: 1}, 1); err == nil {
		t.Fatal("expected job-level error when reconciliation fails")
	}
}
