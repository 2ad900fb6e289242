// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-kms.
//
// go-kms is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package hsm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

// Factory constructs a configured backend. Factories are registered at
// startup by the service wiring; construction failures surface immediately
// rather than degrading to a missing backend.
type Factory func() (types.Backend, error)

// Registry maps provider types to backend factories. Requesting an
// unregistered provider is a configuration error, never a silent nil.
type Registry struct {
	mu        sync.RWMutex
	factories map[types.ProviderType]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[types.ProviderType]Factory),
	}
}

// Register adds a factory for the given provider, replacing any existing
// registration.
func (r *Registry) Register(provider types.ProviderType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = factory
}

// New constructs the backend for the given provider.
func (r *Registry) New(provider types.ProviderType) (types.Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[provider]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("hsm: no backend registered for provider %q: %w",
			provider, types.ErrConfiguration)
	}

	backend, err := factory()
	if err != nil {
		return nil, fmt.Errorf("hsm: constructing %q backend: %w", provider, err)
	}
	return backend, nil
}

// Providers returns the registered provider types in sorted order.
func (r *Registry) Providers() []types.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]types.ProviderType, 0, len(r.factories))
	for p := range r.factories {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	return providers
}
