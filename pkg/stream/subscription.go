package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/gezibash/mycelium/pkg/channel"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/functionality"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/telemetry"
	"github.com/gezibash/mycelium/pkg/transport"
)

// Subscription delivers each sample of a continuous functionality to a
// callback, in arrival order, on one goroutine.
type Subscription[T any] struct {
	desc    functionality.Descriptor
	r       *channel.Reader[T]
	fn      func(context.Context, T)
	onError func(error)
	log     *logging.Logger
	rec     telemetry.Recorder

	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	stopErr error
}

// Subscribe creates the continuous reader for desc on p and starts
// delivering to fn.
func Subscribe[T any](ctx context.Context, p transport.Participant, desc functionality.Descriptor, fn func(context.Context, T), opts Options) (*Subscription[T], error) {
	if err := checkContinuous(desc); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %s: callback required", mycerrors.ErrInvalidInput, desc.Name)
	}
	opts = opts.withDefaults()
	tr, err := p.CreateReader(ctx, Topic(desc), transport.StreamQoS())
	if err != nil {
		return nil, fmt.Errorf("continuous reader for %s: %w", desc.Name, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Subscription[T]{
		desc:    desc,
		r:       channel.NewReader(tr, channel.Plain[T](opts.Codec)),
		fn:      fn,
		onError: opts.OnError,
		log:     opts.Logger.WithComponent("stream").WithFunctionality(desc.Name),
		rec:     opts.Recorder,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.loop(runCtx)
	return s, nil
}

func (s *Subscription[T]) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-s.r.DataAvailable():
			if !open {
				return
			}
		}

		vs, err := s.r.Take(ctx, 0)
		if err != nil {
			if stderrors.Is(err, mycerrors.ErrClosed) {
				return
			}
			s.rec.Error("stream")
			s.log.WithError(err).Warn("take samples failed")
			s.onError(fmt.Errorf("%s: %w", s.desc.Name, err))
		}
		for _, v := range vs {
			if ctx.Err() != nil {
				return
			}
			s.rec.StreamReceived(s.desc.Name)
			s.fn(ctx, v)
		}
	}
}

// MatchedCount reports the number of matched publishers.
func (s *Subscription[T]) MatchedCount(ctx context.Context) (int, error) {
	return s.r.MatchedCount(ctx)
}

// Stop ends delivery without waiting for an in-progress callback, so it is
// safe to call from the callback itself. No sample is delivered after the
// current callback returns.
func (s *Subscription[T]) Stop() error {
	s.once.Do(func() {
		s.cancel()
		s.stopErr = s.r.Close()
	})
	return s.stopErr
}

// Close stops delivery and waits for an in-progress callback to return.
// Calling it from the callback deadlocks; use Stop there.
func (s *Subscription[T]) Close() error {
	err := s.Stop()
	<-s.done
	return err
}
