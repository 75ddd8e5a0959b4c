package node

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/mycelium/pkg/dispatch"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/functionality"
	"github.com/gezibash/mycelium/pkg/stream"
	"github.com/gezibash/mycelium/pkg/telemetry"
)

// Provider declares what a provider offers. Build Functionalities with
// Serve, Answer and Stream.
type Provider struct {
	Name            string
	Functionalities []Offering
}

// Offering is one functionality a provider registers.
type Offering interface {
	Descriptor() functionality.Descriptor
	bind(ctx context.Context, n *Node) (binding, error)
}

// binding is a functionality bound to its channels on a node.
type binding interface {
	start(n *Node)
	close() error
}

type serveOffering[I, O any] struct {
	desc    functionality.Descriptor
	handler dispatch.Handler[I, O]
}

// Serve offers a RequestResponse functionality.
func Serve[I, O any](name string, h dispatch.Handler[I, O]) Offering {
	return serveOffering[I, O]{desc: functionality.Describe[I, O](name, functionality.RequestResponse), handler: h}
}

// Answer offers a Response functionality: a call without input.
func Answer[O any](name string, h func(ctx context.Context) (O, error)) Offering {
	var handler dispatch.Handler[functionality.Empty, O]
	if h != nil {
		handler = func(ctx context.Context, _ functionality.Empty) (O, error) { return h(ctx) }
	}
	return serveOffering[functionality.Empty, O]{
		desc:    functionality.Describe[functionality.Empty, O](name, functionality.Response),
		handler: handler,
	}
}

func (o serveOffering[I, O]) Descriptor() functionality.Descriptor { return o.desc }

func (o serveOffering[I, O]) bind(ctx context.Context, n *Node) (binding, error) {
	l, err := dispatch.NewListener(ctx, n.participant, o.desc, o.handler, dispatch.Options{
		Codec:       n.cfg.Codec,
		Batch:       n.cfg.DispatchBatch,
		Concurrency: n.cfg.Concurrency,
		OnError:     n.report,
		Logger:      n.cfg.Logger,
		Recorder:    n.rec,
	})
	if err != nil {
		return nil, err
	}
	return listenerBinding[I, O]{l}, nil
}

type listenerBinding[I, O any] struct{ l *dispatch.Listener[I, O] }

func (b listenerBinding[I, O]) start(n *Node) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := b.l.Run(n.ctx); err != nil {
			n.report(err)
		}
	}()
}

func (b listenerBinding[I, O]) close() error { return b.l.Close() }

type streamOffering[T any] struct {
	desc functionality.Descriptor
}

// Stream offers a Continuous functionality. Publish through the handle
// returned by RegisterProvider.
func Stream[T any](name string) Offering {
	return streamOffering[T]{desc: functionality.Describe[functionality.Empty, T](name, functionality.Continuous)}
}

func (o streamOffering[T]) Descriptor() functionality.Descriptor { return o.desc }

func (o streamOffering[T]) bind(ctx context.Context, n *Node) (binding, error) {
	p, err := stream.NewPublisher[T](ctx, n.participant, o.desc, stream.Options{
		Codec:    n.cfg.Codec,
		Logger:   n.cfg.Logger,
		Recorder: n.rec,
	})
	if err != nil {
		return nil, err
	}
	return streamBinding{p}, nil
}

// streamBinding is closed through the provider's stream.Handle.
type streamBinding struct{ p stream.Stream }

func (streamBinding) start(*Node) {}

func (streamBinding) close() error { return nil }

// Manifest returns the manifest p publishes.
func (p Provider) Manifest() functionality.Manifest {
	m := functionality.Manifest{ProviderName: p.Name}
	for _, o := range p.Functionalities {
		m.Functionalities = append(m.Functionalities, o.Descriptor())
	}
	return m
}

// RegisterProvider validates p, creates the channels of each functionality,
// publishes the manifest and starts the request listeners. The returned
// handle carries one publisher per continuous functionality, or is
// stream.NoContinuous.
//
// Functionality names are unique per node: a name already bound by an
// earlier registration is rejected.
func (n *Node) RegisterProvider(ctx context.Context, p Provider) (_ stream.Handle, err error) {
	ctx, span := telemetry.StartSpan(ctx, "node.register_provider", attribute.String("provider", p.Name))
	defer func() { telemetry.EndSpan(span, err) }()

	if n.isClosed() {
		return nil, mycerrors.ErrClosed
	}
	m := p.Manifest()
	if err := m.Validate(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	for _, d := range m.Functionalities {
		if _, taken := n.bindings[d.Name]; taken {
			n.mu.Unlock()
			return nil, fmt.Errorf("%w: functionality %q already bound on node %s", mycerrors.ErrAlreadyExists, d.Name, n.name)
		}
	}
	n.mu.Unlock()

	bound := make(map[string]binding, len(p.Functionalities))
	var streams []stream.Stream
	closeAll := func() {
		for _, b := range bound {
			_ = b.close()
		}
		for _, s := range streams {
			_ = s.Close()
		}
	}
	for _, o := range p.Functionalities {
		b, err := o.bind(ctx, n)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}
		if sb, ok := b.(streamBinding); ok {
			streams = append(streams, sb.p)
		}
		bound[o.Descriptor().Name] = b
	}

	if err := n.dir.AdvertiseProvider(ctx, m); err != nil {
		closeAll()
		return nil, err
	}

	h := stream.NewHandle(streams...)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		closeAll()
		return nil, mycerrors.ErrClosed
	}
	for name := range bound {
		if _, taken := n.bindings[name]; taken {
			n.mu.Unlock()
			closeAll()
			return nil, fmt.Errorf("%w: functionality %q already bound on node %s", mycerrors.ErrAlreadyExists, name, n.name)
		}
	}
	for name, b := range bound {
		n.bindings[name] = b
		b.start(n)
	}
	n.handles = append(n.handles, h)
	n.mu.Unlock()

	n.log.InfoContext(ctx, "provider registered", "provider", p.Name, "functionalities", len(m.Functionalities), "streams", len(streams))
	return h, nil
}
