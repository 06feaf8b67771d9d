/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/projectbeskar/vmpool/internal/config"
	"github.com/projectbeskar/vmpool/internal/providers/contracts"
	"github.com/projectbeskar/vmpool/internal/providers/hetzner"
	"github.com/projectbeskar/vmpool/internal/providers/mock"
)

// ManagerFactory creates a manager bound to the binding
type ManagerFactory func(ctx context.Context, cfg *config.Config, binding contracts.Binding, logger logr.Logger) (contracts.Manager, error)

// Registry manages manager factories and instances
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ManagerFactory
	instances map[string]contracts.Manager
}

// NewRegistry creates a new, empty manager registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ManagerFactory),
		instances: make(map[string]contracts.Manager),
	}
}

// NewDefault creates a registry with the built-in providers registered
func NewDefault() *Registry {
	r := NewRegistry()
	r.Register(hetzner.ProviderName, HetznerFactory)
	r.Register(mock.ProviderName, MockFactory)
	return r
}

// HetznerFactory builds a Hetzner Cloud manager
func HetznerFactory(_ context.Context, cfg *config.Config, binding contracts.Binding, logger logr.Logger) (contracts.Manager, error) {
	binding.Provider = hetzner.ProviderName
	return hetzner.New(cfg, binding, hetzner.WithLogger(logger))
}

// MockFactory builds an in-memory manager
func MockFactory(_ context.Context, _ *config.Config, binding contracts.Binding, _ logr.Logger) (contracts.Manager, error) {
	binding.Provider = mock.ProviderName
	return mock.NewManager(binding), nil
}

func providerKey(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func cacheKey(binding contracts.Binding) string {
	return fmt.Sprintf("%s:%s:%t", providerKey(binding.Provider), binding.Region, binding.Large)
}

// Register registers a manager factory for a provider name (case-insensitive)
func (r *Registry) Register(provider string, factory ManagerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerKey(provider)] = factory
}

// Get returns the manager for the binding, creating it on first use
func (r *Registry) Get(ctx context.Context, cfg *config.Config, binding contracts.Binding, logger logr.Logger) (contracts.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cacheKey(binding)
	if instance, ok := r.instances[key]; ok {
		return instance, nil
	}

	factory, ok := r.factories[providerKey(binding.Provider)]
	if !ok {
		return nil, fmt.Errorf("no factory registered for provider: %s", binding.Provider)
	}

	instance, err := factory(ctx, cfg, binding, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create manager for %s: %w", binding, err)
	}

	r.instances[key] = instance
	return instance, nil
}

// InvalidateAll removes every cached manager, e.g. after a configuration reload
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = make(map[string]contracts.Manager)
}

// ListSupportedProviders returns the registered provider names, sorted
func (r *Registry) ListSupportedProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]string, 0, len(r.factories))
	for provider := range r.factories {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	return providers
}

// IsSupported returns true if the provider name is registered
func (r *Registry) IsSupported(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[providerKey(provider)]
	return ok
}
