package service

import (
	"go.uber.org/zap"

	"github.com/crosspost-io/crosspost/internal/config"
	"github.com/crosspost-io/crosspost/internal/service/publisher"
	"github.com/crosspost-io/crosspost/internal/service/publisher/mastodon"
	"github.com/crosspost-io/crosspost/internal/service/publisher/stub"
)

// BuildRegistry resolves the configured platform adapters at startup. A
// platform a post targets but nobody registered surfaces later as a
// NotImplemented result, never a crash.
func BuildRegistry(cfg *config.PublisherConfig, logger *zap.Logger) *publisher.Registry {
	registry := publisher.NewRegistry(logger)

	if cfg.Mastodon.Enabled {
		if err := registry.Register(mastodon.NewPublisher(logger)); err != nil {
			logger.Error("Failed to register Mastodon publisher", zap.Error(err))
		} else {
			logger.Info("Mastodon publisher registered")
		}
	}

	for _, platform := range cfg.Stubs {
		if err := registry.Register(stub.NewPublisher(platform)); err != nil {
			logger.Error("Failed to register stub publisher",
				zap.String("platform", platform),
				zap.Error(err))
		}
	}

	logger.Info("Publisher registry ready", zap.Strings("platforms", registry.Platforms()))
	return registry
}
