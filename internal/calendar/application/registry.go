package application

import (
	"fmt"
	"sync"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// ProviderRegistry holds the configured providers. Providers are registered at
// startup; lookups are safe for concurrent use.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[domain.ProviderType]Provider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[domain.ProviderType]Provider),
	}
}

// Register adds a provider, replacing any existing registration for its type.
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Type()] = p
}

// Get returns the provider for the given type or ErrProviderNotConfigured.
func (r *ProviderRegistry) Get(pt domain.ProviderType) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[pt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, pt)
	}
	return p, nil
}

// Types lists the registered provider types.
func (r *ProviderRegistry) Types() []domain.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.ProviderType, 0, len(r.providers))
	for pt := range r.providers {
		types = append(types, pt)
	}
	return types
}
