// Package stream carries continuous functionalities: fire-and-forget samples
// on <name>/continuous with volatile delivery, so late subscribers see only
// what is published after they join.
package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gezibash/mycelium/pkg/channel"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/functionality"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/telemetry"
	"github.com/gezibash/mycelium/pkg/transport"
)

// Options configures publishers and subscriptions.
type Options struct {
	// Codec encodes payloads. Defaults to channel.JSON.
	Codec channel.Codec
	// OnError receives steady-state failures. It must not block.
	OnError func(error)

	Logger   *logging.Logger
	Recorder telemetry.Recorder
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = channel.JSON{}
	}
	if o.OnError == nil {
		o.OnError = func(error) {}
	}
	if o.Logger == nil {
		o.Logger = logging.New(nil)
	}
	o.Recorder = telemetry.OrNop(o.Recorder)
	return o
}

// Topic is the topic a continuous functionality streams on.
func Topic(desc functionality.Descriptor) transport.Topic {
	return transport.Topic{Name: functionality.ContinuousChannel(desc.Name), TypeName: desc.OutputType}
}

func checkContinuous(desc functionality.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if desc.Kind != functionality.Continuous {
		return fmt.Errorf("%w: %s is %s, not continuous", mycerrors.ErrInvalidInput, desc.Name, desc.Kind)
	}
	return nil
}

// Publisher writes samples of one continuous functionality.
type Publisher[T any] struct {
	desc functionality.Descriptor
	w    *channel.Writer[T]
	rec  telemetry.Recorder
}

// NewPublisher creates the continuous writer for desc on p.
func NewPublisher[T any](ctx context.Context, p transport.Participant, desc functionality.Descriptor, opts Options) (*Publisher[T], error) {
	if err := checkContinuous(desc); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	tw, err := p.CreateWriter(ctx, Topic(desc), transport.StreamQoS())
	if err != nil {
		return nil, fmt.Errorf("continuous writer for %s: %w", desc.Name, err)
	}
	return &Publisher[T]{
		desc: desc,
		w:    channel.NewWriter(tw, channel.Plain[T](opts.Codec), nil),
		rec:  opts.Recorder,
	}, nil
}

// Name returns the functionality name.
func (p *Publisher[T]) Name() string { return p.desc.Name }

// Publish sends v to current subscribers. Nothing is retained.
func (p *Publisher[T]) Publish(ctx context.Context, v T) error {
	if err := p.w.Write(ctx, v); err != nil {
		return err
	}
	p.rec.StreamPublished(p.desc.Name)
	return nil
}

// MatchedCount reports the number of matched subscribers.
func (p *Publisher[T]) MatchedCount(ctx context.Context) (int, error) {
	return p.w.MatchedCount(ctx)
}

func (p *Publisher[T]) Close() error { return p.w.Close() }

// Handle gives a provider access to its continuous publishers.
type Handle interface {
	// Names lists the continuous functionalities, sorted.
	Names() []string
	// Publisher returns the *Publisher[T] registered under name.
	Publisher(name string) (any, bool)
	Close() error
}

// NoContinuous is the handle of providers without continuous
// functionalities.
type NoContinuous struct{}

func (NoContinuous) Names() []string              { return nil }
func (NoContinuous) Publisher(string) (any, bool) { return nil, false }
func (NoContinuous) Close() error                 { return nil }

// Stream is the untyped view of a Publisher held by a Set.
type Stream interface {
	Name() string
	Close() error
}

// Set is the Handle of providers with at least one continuous functionality.
type Set struct {
	mu   sync.RWMutex
	pubs map[string]Stream
}

// NewHandle returns NoContinuous when pubs is empty, else a Set.
func NewHandle(pubs ...Stream) Handle {
	if len(pubs) == 0 {
		return NoContinuous{}
	}
	s := &Set{pubs: make(map[string]Stream, len(pubs))}
	for _, p := range pubs {
		s.pubs[p.Name()] = p
	}
	return s
}

func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.pubs))
	for name := range s.pubs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Set) Publisher(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pubs[name]
	return p, ok
}

func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, p := range s.pubs {
		errs = append(errs, p.Close())
	}
	return stderrors.Join(errs...)
}

// PublisherFor looks up the typed publisher for name in h.
func PublisherFor[T any](h Handle, name string) (*Publisher[T], error) {
	v, ok := h.Publisher(name)
	if !ok {
		return nil, fmt.Errorf("continuous functionality %q: %w", name, mycerrors.ErrNotFound)
	}
	p, ok := v.(*Publisher[T])
	if !ok {
		return nil, fmt.Errorf("%w: continuous functionality %q does not carry %s", mycerrors.ErrInvalidInput, name, functionality.TypeName[T]())
	}
	return p, nil
}
