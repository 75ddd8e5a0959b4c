// Package rpc correlates requests with responses over a broadcast channel
// pair. A Caller publishes Envelope{id, request} on <name>/request and waits
// for the envelope carrying the same id on <name>/response.
package rpc

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/mycelium/pkg/channel"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/exchange"
	"github.com/gezibash/mycelium/pkg/functionality"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/telemetry"
	"github.com/gezibash/mycelium/pkg/transport"
)

const (
	// DefaultTimeout bounds a call when no positive timeout is given.
	DefaultTimeout = 5 * time.Second

	// DefaultBatch is the number of responses drained per wake.
	DefaultBatch = 100
)

// Options configures a Caller.
type Options struct {
	// Codec encodes payloads. Defaults to channel.JSON.
	Codec channel.Codec
	// Timeout replaces non-positive per-call timeouts.
	Timeout time.Duration
	// Batch is the maximum number of responses taken per wake.
	Batch int
	// ReapInterval is how often abandoned waiters older than Timeout are
	// pruned. Defaults to Timeout.
	ReapInterval time.Duration
	// IDs generates exchange ids. Defaults to a randomly seeded generator
	// owned by the caller.
	IDs *exchange.IDGenerator

	Logger   *logging.Logger
	Recorder telemetry.Recorder
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = channel.JSON{}
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Batch <= 0 {
		o.Batch = DefaultBatch
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = o.Timeout
	}
	if o.IDs == nil {
		o.IDs = exchange.NewIDGenerator()
	}
	if o.Logger == nil {
		o.Logger = logging.New(nil)
	}
	o.Recorder = telemetry.OrNop(o.Recorder)
	return o
}

// Caller invokes one request/response functionality. It is safe for
// concurrent use; each Call gets its own exchange id.
type Caller[I, O any] struct {
	desc    functionality.Descriptor
	req     *channel.Writer[exchange.Envelope[I]]
	resp    *channel.Reader[exchange.Envelope[O]]
	waiting *waitingSet[O]
	ids     *exchange.IDGenerator
	timeout time.Duration
	batch   int
	reap    time.Duration
	log     *logging.Logger
	rec     telemetry.Recorder

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// RequestTopic is the topic requests for desc travel on.
func RequestTopic(desc functionality.Descriptor) transport.Topic {
	return transport.Topic{Name: functionality.RequestChannel(desc.Name), TypeName: desc.InputType}
}

// ResponseTopic is the topic responses for desc travel on.
func ResponseTopic(desc functionality.Descriptor) transport.Topic {
	return transport.Topic{Name: functionality.ResponseChannel(desc.Name), TypeName: desc.OutputType}
}

// NewCaller creates the channel pair for desc on p and starts the response
// listener.
func NewCaller[I, O any](ctx context.Context, p transport.Participant, desc functionality.Descriptor, opts Options) (*Caller[I, O], error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Kind == functionality.Continuous {
		return nil, fmt.Errorf("%w: %s is continuous and cannot be called", mycerrors.ErrInvalidInput, desc.Name)
	}
	opts = opts.withDefaults()

	qos := transport.ReliableQoS()
	tw, err := p.CreateWriter(ctx, RequestTopic(desc), qos)
	if err != nil {
		return nil, fmt.Errorf("request writer for %s: %w", desc.Name, err)
	}
	tr, err := p.CreateReader(ctx, ResponseTopic(desc), qos)
	if err != nil {
		_ = tw.Close()
		return nil, fmt.Errorf("response reader for %s: %w", desc.Name, err)
	}

	c := &Caller[I, O]{
		desc:    desc,
		req:     channel.NewWriter(tw, channel.Enveloped[I](opts.Codec), nil),
		resp:    channel.NewReader(tr, channel.Enveloped[O](opts.Codec)),
		waiting: newWaitingSet[O](),
		ids:     opts.IDs,
		timeout: opts.Timeout,
		batch:   opts.Batch,
		reap:    opts.ReapInterval,
		log:     opts.Logger.WithComponent("rpc").WithFunctionality(desc.Name),
		rec:     opts.Recorder,
		done:    make(chan struct{}),
	}
	c.wg.Add(2)
	go c.listen()
	go c.reaper()
	return c, nil
}

// Descriptor returns the functionality this caller invokes.
func (c *Caller[I, O]) Descriptor() functionality.Descriptor { return c.desc }

// Call publishes req and waits up to timeout for the matching response.
// A non-positive timeout uses the configured default.
//
// On timeout it returns ok=false and a nil error. A provider failure is a
// *errors.RemoteError, a publish failure a *errors.TransportError.
func (c *Caller[I, O]) Call(ctx context.Context, req I, timeout time.Duration) (resp O, ok bool, err error) {
	var zero O
	if timeout <= 0 {
		timeout = c.timeout
	}

	ctx, span := telemetry.StartSpan(ctx, "rpc.call",
		attribute.String("functionality", c.desc.Name),
		attribute.String("timeout", timeout.String()),
	)
	start := time.Now()
	status := telemetry.StatusOK
	defer func() {
		c.rec.CallCompleted(c.desc.Name, status, time.Since(start))
		telemetry.EndSpan(span, err)
	}()

	select {
	case <-c.done:
		status = telemetry.StatusError
		return zero, false, mycerrors.ErrClosed
	default:
	}

	id, s, err := c.register()
	if err != nil {
		status = telemetry.StatusError
		return zero, false, err
	}
	span.SetAttributes(attribute.Int64("exchange_id", int64(id)))
	log := c.log.WithExchange(id)

	c.rec.PendingCalls(c.desc.Name, 1)
	defer c.rec.PendingCalls(c.desc.Name, -1)

	// The waiter is already registered: a response can never arrive before
	// its slot exists.
	if err := c.req.Write(ctx, exchange.Envelope[I]{ID: id, Payload: req}); err != nil {
		c.waiting.remove(id)
		status = telemetry.StatusError
		c.rec.Error("rpc")
		log.WithError(err).WarnContext(ctx, "request publish failed")
		return zero, false, err
	}
	log.DebugContext(ctx, "request published")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-s.ch:
		if env.Failed() {
			status = telemetry.StatusRemoteError
			return zero, false, &mycerrors.RemoteError{Functionality: c.desc.Name, ID: id, Message: env.Error}
		}
		return env.Payload, true, nil
	case <-timer.C:
		c.waiting.abandon(id)
		status = telemetry.StatusTimeout
		log.DebugContext(ctx, "call timed out", "timeout", timeout)
		return zero, false, nil
	case <-ctx.Done():
		c.waiting.abandon(id)
		status = telemetry.StatusCancelled
		return zero, false, ctx.Err()
	case <-c.done:
		status = telemetry.StatusCancelled
		return zero, false, mycerrors.ErrClosed
	}
}

// register claims a fresh id. After wraparound an id may still be held by a
// long-running call, so a few ids are tried.
func (c *Caller[I, O]) register() (exchange.ID, *slot[O], error) {
	for range 8 {
		id := c.ids.Next()
		s, err := c.waiting.register(id)
		if err == nil {
			return id, s, nil
		}
	}
	return 0, nil, fmt.Errorf("%s: no free exchange id: %w", c.desc.Name, mycerrors.ErrAlreadyExists)
}

// Pending returns the number of registered waiters, including abandoned ones
// not yet reaped.
func (c *Caller[I, O]) Pending() int { return c.waiting.len() }

// MatchedCount reports how many providers' request readers are matched.
func (c *Caller[I, O]) MatchedCount(ctx context.Context) (int, error) {
	return c.req.MatchedCount(ctx)
}

func (c *Caller[I, O]) listen() {
	defer c.wg.Done()
	self := c.req.ID()

	for {
		select {
		case <-c.done:
			return
		case _, open := <-c.resp.DataAvailable():
			if !open {
				return
			}
		}

		msgs, err := c.resp.TakeMessages(context.Background(), c.batch)
		if err != nil {
			if stderrors.Is(err, mycerrors.ErrClosed) {
				return
			}
			c.rec.Error("rpc")
			c.log.WithError(err).Warn("response take failed")
		}
		for _, m := range msgs {
			// Responses are tagged with the requesting writer; other callers'
			// replies on the shared channel are not ours to count.
			if m.Key != "" && m.Key != self {
				continue
			}
			switch c.waiting.fulfill(m.Value) {
			case unknown:
				c.rec.ResponseDropped(c.desc.Name)
				c.log.Debug("dropping response for unknown exchange", "exchange_id", m.Value.ID)
			case late:
				c.rec.ResponseDropped(c.desc.Name)
				c.log.Debug("dropping late response", "exchange_id", m.Value.ID)
			}
		}
	}
}

func (c *Caller[I, O]) reaper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.reap)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if n := c.waiting.reap(now.Add(-c.timeout)); n > 0 {
				c.log.Debug("reaped abandoned waiters", "count", n)
			}
		}
	}
}

// Close abandons pending calls, which return ErrClosed, and releases the
// channel pair.
func (c *Caller[I, O]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if n := c.waiting.abandonAll(); n > 0 {
			c.log.Debug("abandoned pending calls on close", "count", n)
		}
		err = stderrors.Join(c.req.Close(), c.resp.Close())
		c.wg.Wait()
	})
	return err
}

// Fetcher invokes a Response functionality, which takes no input.
type Fetcher[O any] struct {
	*Caller[functionality.Empty, O]
}

// NewFetcher creates a Fetcher for desc.
func NewFetcher[O any](ctx context.Context, p transport.Participant, desc functionality.Descriptor, opts Options) (*Fetcher[O], error) {
	c, err := NewCaller[functionality.Empty, O](ctx, p, desc, opts)
	if err != nil {
		return nil, err
	}
	return &Fetcher[O]{Caller: c}, nil
}

// Fetch requests the current value.
func (f *Fetcher[O]) Fetch(ctx context.Context, timeout time.Duration) (O, bool, error) {
	return f.Call(ctx, functionality.Empty{}, timeout)
}
