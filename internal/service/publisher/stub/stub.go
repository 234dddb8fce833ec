package stub

import (
	"context"
	"fmt"

	"github.com/crosspost-io/crosspost/internal/service/publisher"
)

// Publisher is a placeholder adapter for platforms without a real
// implementation yet. Every attempt terminates with NotImplemented, which
// is a legitimate per-platform result, not a job failure.
type Publisher struct {
	platform string
}

func NewPublisher(platform string) *Publisher {
	return &Publisher{platform: platform}
}

func (p *Publisher) Name() string {
	return p.platform
}

func (p *Publisher) Publish(ctx context.Context, content publisher.Content, account publisher.Account) (*publisher.Result, error) {
	return publisher.Failed(p.platform, publisher.ErrorNotImplemented,
		fmt.Sprintf("no adapter implemented for platform %s", p.platform)), nil
}
