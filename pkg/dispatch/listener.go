// Package dispatch serves one functionality: it takes request envelopes from
// <name>/request, runs the handler and publishes Envelope{same id, result} on
// <name>/response.
package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/mycelium/pkg/channel"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/exchange"
	"github.com/gezibash/mycelium/pkg/functionality"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/rpc"
	"github.com/gezibash/mycelium/pkg/telemetry"
	"github.com/gezibash/mycelium/pkg/transport"
)

const (
	// DefaultBatch is the number of requests drained per wake.
	DefaultBatch = 100

	// DefaultConcurrency bounds concurrently running handlers.
	DefaultConcurrency = 10
)

// Handler computes the response to one request.
type Handler[I, O any] func(ctx context.Context, req I) (O, error)

// Options configures a Listener.
type Options struct {
	// Codec encodes payloads. Defaults to channel.JSON.
	Codec       channel.Codec
	Batch       int
	Concurrency int
	// OnError receives steady-state failures. It must not block.
	OnError func(error)

	Logger   *logging.Logger
	Recorder telemetry.Recorder
}

// PanicError is reported when a handler panics.
type PanicError struct {
	Functionality string
	Value         any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: handler panic: %v", e.Functionality, e.Value)
}

// Listener is the provider side of one request/response functionality.
type Listener[I, O any] struct {
	desc    functionality.Descriptor
	handler Handler[I, O]
	req     *channel.Reader[exchange.Envelope[I]]
	resp    *channel.Writer[exchange.Envelope[O]]
	batch   int
	conc    int
	onError func(error)
	log     *logging.Logger
	rec     telemetry.Recorder

	inflight sync.WaitGroup
	running  atomic.Bool
	closed   atomic.Bool
}

// NewListener creates the channel pair for desc on p. Call Run to serve.
func NewListener[I, O any](ctx context.Context, p transport.Participant, desc functionality.Descriptor, h Handler[I, O], opts Options) (*Listener[I, O], error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if desc.Kind == functionality.Continuous {
		return nil, fmt.Errorf("%w: %s is continuous and has no request channel", mycerrors.ErrInvalidInput, desc.Name)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s: handler required", mycerrors.ErrInvalidInput, desc.Name)
	}
	if opts.Codec == nil {
		opts.Codec = channel.JSON{}
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.OnError == nil {
		opts.OnError = func(error) {}
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}

	qos := transport.ReliableQoS()
	tr, err := p.CreateReader(ctx, rpc.RequestTopic(desc), qos)
	if err != nil {
		return nil, fmt.Errorf("request reader for %s: %w", desc.Name, err)
	}
	tw, err := p.CreateWriter(ctx, rpc.ResponseTopic(desc), qos)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("response writer for %s: %w", desc.Name, err)
	}

	return &Listener[I, O]{
		desc:    desc,
		handler: h,
		req:     channel.NewReader(tr, channel.Enveloped[I](opts.Codec)),
		resp:    channel.NewWriter(tw, channel.Enveloped[O](opts.Codec), nil),
		batch:   opts.Batch,
		conc:    opts.Concurrency,
		onError: opts.OnError,
		log:     opts.Logger.WithComponent("dispatch").WithFunctionality(desc.Name),
		rec:     telemetry.OrNop(opts.Recorder),
	}, nil
}

// Descriptor returns the functionality being served.
func (l *Listener[I, O]) Descriptor() functionality.Descriptor { return l.desc }

// Run serves requests until ctx is done or the listener is closed. It waits
// for in-flight handlers before returning. Take and publish failures are
// reported and do not stop the loop.
func (l *Listener[I, O]) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: listener already running", l.desc.Name)
	}
	defer l.inflight.Wait()

	l.log.InfoContext(ctx, "listener started", "batch", l.batch, "concurrency", l.conc)
	sem := make(chan struct{}, l.conc)

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, open := <-l.req.DataAvailable():
			if !open {
				return nil
			}
		}

		msgs, err := l.req.TakeMessages(ctx, l.batch)
		if err != nil {
			if l.closed.Load() || stderrors.Is(err, mycerrors.ErrClosed) {
				return nil
			}
			l.report(ctx, fmt.Errorf("%s: take requests: %w", l.desc.Name, err))
		}

		for _, m := range msgs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			l.inflight.Add(1)
			go func(m channel.Message[exchange.Envelope[I]]) {
				defer func() {
					<-sem
					l.inflight.Done()
				}()
				l.serve(ctx, m.Writer, m.Value)
			}(m)
		}
	}
}

// serve runs the handler for one request and publishes the result tagged
// with the requesting writer.
func (l *Listener[I, O]) serve(ctx context.Context, replyTo string, req exchange.Envelope[I]) {
	ctx, span := telemetry.StartSpan(ctx, "rpc.dispatch",
		attribute.String("functionality", l.desc.Name),
		attribute.Int64("exchange_id", int64(req.ID)),
	)
	start := time.Now()
	log := l.log.WithExchange(req.ID)

	out, err := l.invoke(ctx, req.Payload)
	resp := exchange.Envelope[O]{ID: req.ID}
	status := telemetry.StatusOK
	if err != nil {
		resp.Error = err.Error()
		if resp.Error == "" {
			resp.Error = fmt.Sprintf("handler failed (%T)", err)
		}
		status = telemetry.StatusError
		log.WithError(err).DebugContext(ctx, "handler failed")
	} else {
		resp.Payload = out
	}
	l.rec.Dispatched(l.desc.Name, status, time.Since(start))

	werr := l.resp.WriteKeyed(ctx, replyTo, resp)
	if werr != nil && !l.closed.Load() {
		l.report(ctx, fmt.Errorf("%s #%d: publish response: %w", l.desc.Name, req.ID, werr))
	}
	telemetry.EndSpan(span, stderrors.Join(err, werr))
}

func (l *Listener[I, O]) invoke(ctx context.Context, req I) (out O, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Functionality: l.desc.Name, Value: r}
			l.report(ctx, err)
		}
	}()
	return l.handler(ctx, req)
}

func (l *Listener[I, O]) report(ctx context.Context, err error) {
	l.rec.Error("dispatch")
	l.log.WithError(err).WarnContext(ctx, "dispatch failure")
	l.onError(err)
}

// MatchedCount reports how many consumers' request writers are matched.
func (l *Listener[I, O]) MatchedCount(ctx context.Context) (int, error) {
	return l.req.MatchedCount(ctx)
}

// Close releases the channel pair. A running Run returns once in-flight
// handlers finish.
func (l *Listener[I, O]) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return stderrors.Join(l.req.Close(), l.resp.Close())
}
