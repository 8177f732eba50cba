package payment

import (
	"fmt"
	"sync"

	"github.com/kilekitabu/server/internal/module/payment/provider"
)

// Registry manages the configured payment providers. A provider with missing
// credentials is simply not registered; the others keep working.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]provider.Adapter
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]provider.Adapter),
	}
}

// Register registers an adapter under its name.
func (r *Registry) Register(a provider.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns an adapter by provider name.
func (r *Registry) Get(name string) (provider.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return a, nil
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
