// Package broker holds the pluggable pub/sub domains nodes run on and the
// receive queue they share.
package broker

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gezibash/mycelium/internal/history"
	"github.com/gezibash/mycelium/internal/observability"
	"github.com/gezibash/mycelium/internal/storage"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/transport"
)

// Domain is a broadcast domain participants join.
type Domain interface {
	transport.Factory
	Close() error
}

// Options carries collaborators a domain may use.
type Options struct {
	// History backs Persistent durability. May be nil.
	History history.Store
	Logger  *logging.Logger
	Metrics *observability.Metrics
}

// Factory opens a domain from a configuration map.
type Factory func(ctx context.Context, config map[string]string, opts Options) (Domain, error)

// DefaultsFunc returns the default configuration for a backend.
type DefaultsFunc func() map[string]string

type backendEntry struct {
	factory  Factory
	defaults DefaultsFunc
}

// Registry maps backend names to domain factories.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]backendEntry
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]backendEntry)}
}

// Register adds a backend. Registering a name twice fails.
func (r *Registry) Register(name string, factory Factory, defaults DefaultsFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("transport backend %q: %w", name, mycerrors.ErrAlreadyExists)
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

// Open creates a domain by backend name with config layered over defaults.
func (r *Registry) Open(ctx context.Context, name string, config map[string]string, opts Options) (Domain, error) {
	op, ctx := observability.StartOperation(ctx, opts.Metrics, "broker.open")
	var err error
	defer func() { op.End(err) }()

	r.mu.RLock()
	entry, ok := r.backends[name]
	r.mu.RUnlock()

	if !ok {
		err = storage.NewConfigError(name, "", fmt.Sprintf("unknown transport backend %q (available: %v)", name, r.Backends()))
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}

	var defaults map[string]string
	if entry.defaults != nil {
		defaults = entry.defaults()
	}
	d, err := entry.factory(ctx, storage.MergeConfig(defaults, config), opts)
	if err != nil {
		return nil, err
	}
	return d, nil
}
