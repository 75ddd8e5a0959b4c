package node

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/functionality"
	"github.com/gezibash/mycelium/pkg/gate"
	"github.com/gezibash/mycelium/pkg/rpc"
	"github.com/gezibash/mycelium/pkg/stream"
	"github.com/gezibash/mycelium/pkg/telemetry"
	"github.com/gezibash/mycelium/pkg/transport"
)

// Consumer declares what a consumer needs. Build Functionalities with
// Request, Fetch and Watch. An empty ID is replaced by a random one.
type Consumer struct {
	ID              string
	Functionalities []Requirement
}

// Requirement is one functionality a consumer uses.
type Requirement interface {
	Descriptor() functionality.Descriptor
	open(ctx context.Context, n *Node) (endpoint, error)
}

// endpoint is a consumer-side binding: a caller or a subscription.
type endpoint interface {
	transport.Matcher
	Close() error
}

type requestRequirement[I, O any] struct{ desc functionality.Descriptor }

// Request requires a RequestResponse functionality.
func Request[I, O any](name string) Requirement {
	return requestRequirement[I, O]{desc: functionality.Describe[I, O](name, functionality.RequestResponse)}
}

func (r requestRequirement[I, O]) Descriptor() functionality.Descriptor { return r.desc }

func (r requestRequirement[I, O]) open(ctx context.Context, n *Node) (endpoint, error) {
	return rpc.NewCaller[I, O](ctx, n.participant, r.desc, n.rpcOptions())
}

type fetchRequirement[O any] struct{ desc functionality.Descriptor }

// Fetch requires a Response functionality.
func Fetch[O any](name string) Requirement {
	return fetchRequirement[O]{desc: functionality.Describe[functionality.Empty, O](name, functionality.Response)}
}

func (r fetchRequirement[O]) Descriptor() functionality.Descriptor { return r.desc }

func (r fetchRequirement[O]) open(ctx context.Context, n *Node) (endpoint, error) {
	return rpc.NewFetcher[O](ctx, n.participant, r.desc, n.rpcOptions())
}

type watchRequirement[T any] struct {
	desc functionality.Descriptor
	fn   func(context.Context, T)
}

// Watch subscribes fn to a Continuous functionality. Only samples published
// after registration are delivered.
func Watch[T any](name string, fn func(ctx context.Context, v T)) Requirement {
	return watchRequirement[T]{desc: functionality.Describe[functionality.Empty, T](name, functionality.Continuous), fn: fn}
}

func (r watchRequirement[T]) Descriptor() functionality.Descriptor { return r.desc }

func (r watchRequirement[T]) open(ctx context.Context, n *Node) (endpoint, error) {
	return stream.Subscribe(ctx, n.participant, r.desc, r.fn, stream.Options{
		Codec:    n.cfg.Codec,
		OnError:  n.report,
		Logger:   n.cfg.Logger,
		Recorder: n.rec,
	})
}

func (n *Node) rpcOptions() rpc.Options {
	return rpc.Options{
		Codec:        n.cfg.Codec,
		Timeout:      n.cfg.CallTimeout,
		Batch:        n.cfg.DispatchBatch,
		ReapInterval: n.cfg.ReapInterval,
		Logger:       n.cfg.Logger,
		Recorder:     n.rec,
	}
}

// ConsumerHandle holds a registered consumer's callers and subscriptions.
type ConsumerHandle struct {
	id        string
	endpoints map[string]endpoint
	once      sync.Once
	err       error
}

// ID returns the consumer id used in advertisements.
func (h *ConsumerHandle) ID() string { return h.id }

// Names lists the required functionalities, sorted.
func (h *ConsumerHandle) Names() []string {
	names := make([]string, 0, len(h.endpoints))
	for name := range h.endpoints {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// WaitForMatch blocks until a provider of name has matched.
func (h *ConsumerHandle) WaitForMatch(ctx context.Context, name string, opts gate.Options) error {
	ep, ok := h.endpoints[name]
	if !ok {
		return fmt.Errorf("functionality %q: %w", name, mycerrors.ErrNotFound)
	}
	return gate.WaitForMatch(ctx, ep, opts)
}

// Close closes every caller and subscription. Pending calls return
// ErrClosed.
func (h *ConsumerHandle) Close() error {
	h.once.Do(func() {
		var errs []error
		for _, ep := range h.endpoints {
			errs = append(errs, ep.Close())
		}
		h.err = stderrors.Join(errs...)
	})
	return h.err
}

func lookup[E any](h *ConsumerHandle, name string) (E, error) {
	var zero E
	ep, ok := h.endpoints[name]
	if !ok {
		return zero, fmt.Errorf("functionality %q: %w", name, mycerrors.ErrNotFound)
	}
	e, ok := ep.(E)
	if !ok {
		return zero, fmt.Errorf("%w: functionality %q is bound as %T", mycerrors.ErrInvalidInput, name, ep)
	}
	return e, nil
}

// CallerFor returns the typed caller for a RequestResponse functionality.
func CallerFor[I, O any](h *ConsumerHandle, name string) (*rpc.Caller[I, O], error) {
	return lookup[*rpc.Caller[I, O]](h, name)
}

// FetcherFor returns the typed fetcher for a Response functionality.
func FetcherFor[O any](h *ConsumerHandle, name string) (*rpc.Fetcher[O], error) {
	return lookup[*rpc.Fetcher[O]](h, name)
}

// RegisterConsumer validates c, publishes one advertisement per
// functionality and opens the callers and subscriptions.
func (n *Node) RegisterConsumer(ctx context.Context, c Consumer) (_ *ConsumerHandle, err error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	ctx, span := telemetry.StartSpan(ctx, "node.register_consumer", attribute.String("consumer", c.ID))
	defer func() { telemetry.EndSpan(span, err) }()

	if n.isClosed() {
		return nil, mycerrors.ErrClosed
	}
	if len(c.Functionalities) == 0 {
		return nil, fmt.Errorf("%w: consumer %q requires no functionalities", mycerrors.ErrInvalidInput, c.ID)
	}
	descs := make([]functionality.Descriptor, 0, len(c.Functionalities))
	for _, r := range c.Functionalities {
		d := r.Descriptor()
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("consumer %q: %w", c.ID, err)
		}
		if slices.ContainsFunc(descs, func(o functionality.Descriptor) bool { return o.Name == d.Name }) {
			return nil, fmt.Errorf("consumer %q: %w: functionality %q required twice", c.ID, mycerrors.ErrAlreadyExists, d.Name)
		}
		descs = append(descs, d)
	}

	if err := n.dir.AdvertiseConsumer(ctx, c.ID, descs...); err != nil {
		return nil, err
	}

	h := &ConsumerHandle{id: c.ID, endpoints: make(map[string]endpoint, len(c.Functionalities))}
	for _, r := range c.Functionalities {
		ep, err := r.open(ctx, n)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("consumer %q: %w", c.ID, err)
		}
		h.endpoints[r.Descriptor().Name] = ep
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = h.Close()
		return nil, mycerrors.ErrClosed
	}
	n.consumers = append(n.consumers, h)
	n.mu.Unlock()

	n.log.InfoContext(ctx, "consumer registered", "consumer", c.ID, "functionalities", len(descs))
	return h, nil
}
