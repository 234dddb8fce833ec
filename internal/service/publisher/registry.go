package publisher

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Registry maps a platform identifier to its Publisher implementation.
// Registration happens at startup; an unknown platform at publish time is a
// configuration error surfaced by Get, never a crash.
type Registry struct {
	publishers map[string]Publisher
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		publishers: make(map[string]Publisher),
		logger:     logger,
	}
}

func (r *Registry) Register(pub Publisher) error {
	name := pub.Name()
	if _, exists := r.publishers[name]; exists {
		return fmt.Errorf("publisher for platform %s already registered", name)
	}

	r.publishers[name] = pub
	r.logger.Info("Publisher registered", zap.String("platform", name))
	return nil
}

func (r *Registry) Get(platform string) (Publisher, error) {
	pub, exists := r.publishers[platform]
	if !exists {
		return nil, fmt.Errorf("publisher for platform %s not found", platform)
	}
	return pub, nil
}

// Platforms returns the registered platform names in stable order.
func (r *Registry) Platforms() []string {
	names := make([]string, 0, len(r.publishers))
	for name := range r.publishers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
