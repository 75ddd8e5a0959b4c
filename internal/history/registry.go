package history

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	mycerrors "github.com/gezibash/mycelium/pkg/errors"

	"github.com/gezibash/mycelium/internal/storage"
)

// Factory creates a store from a configuration map.
type Factory func(ctx context.Context, config map[string]string) (Store, error)

// DefaultsFunc returns the default configuration for a backend.
type DefaultsFunc func() map[string]string

type backendEntry struct {
	factory  Factory
	defaults DefaultsFunc
}

// Registry maps backend names to factories. The memory backend is always
// present; others register themselves through their package's Register.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]backendEntry
}

// NewRegistry returns a registry holding the memory backend.
func NewRegistry() *Registry {
	r := &Registry{backends: make(map[string]backendEntry)}
	_ = r.Register(MemoryBackend, NewMemoryFactory, nil)
	return r
}

// Register adds a backend. Registering a name twice fails.
func (r *Registry) Register(name string, factory Factory, defaults DefaultsFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("history backend %q: %w", name, mycerrors.ErrAlreadyExists)
	}
	r.backends[name] = backendEntry{factory: factory, defaults: defaults}
	return nil
}

// Defaults returns the default configuration for a backend.
func (r *Registry) Defaults(name string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.backends[name]
	if !ok || entry.defaults == nil {
		return nil
	}
	return entry.defaults()
}

// Backends returns the registered names, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New opens a store by backend name, layering config over the defaults.
func (r *Registry) New(ctx context.Context, name string, config map[string]string) (Store, error) {
	r.mu.RLock()
	entry, ok := r.backends[name]
	r.mu.RUnlock()

	if !ok {
		return nil, storage.NewConfigError(name, "", fmt.Sprintf("unknown history backend %q (available: %v)", name, r.Backends()))
	}

	var defaults map[string]string
	if entry.defaults != nil {
		defaults = entry.defaults()
	}
	store, err := entry.factory(ctx, storage.MergeConfig(defaults, config))
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "history store opened", "backend", name)
	return store, nil
}
