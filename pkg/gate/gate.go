// Package gate blocks until a channel has discovered its counterparts.
package gate

import (
	"context"
	"fmt"
	"time"

	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/transport"
)

const (
	// DefaultInterval is the fixed poll period. There is no backoff.
	DefaultInterval = 10 * time.Millisecond

	// DefaultHistoryWait bounds WaitForHistory when no timeout is given.
	DefaultHistoryWait = 5 * time.Second
)

// Options configures WaitForMatch.
type Options struct {
	// Timeout bounds the wait. Zero waits until ctx is done.
	Timeout time.Duration
	// Threshold is the matched count to reach. Defaults to 1.
	Threshold int
	// Interval between polls. Defaults to DefaultInterval.
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = 1
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// WaitForMatch polls m until its matched count reaches the threshold.
// It returns ErrDiscoveryIncomplete when Timeout expires, ctx.Err() when ctx
// is done first, and a TransportError if the count cannot be read.
func WaitForMatch(ctx context.Context, m transport.Matcher, opts Options) error {
	opts = opts.withDefaults()

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	last := 0
	for {
		n, err := m.MatchedCount(ctx)
		if err != nil {
			return mycerrors.NewTransportError("match", "", err)
		}
		if n >= opts.Threshold {
			return nil
		}
		last = n

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w: matched %d of %d after %s",
				mycerrors.ErrDiscoveryIncomplete, last, opts.Threshold, opts.Timeout)
		case <-ticker.C:
		}
	}
}

// WaitForHistory waits for retained samples to reach r. Expiry is not an
// error; it reports false and the caller continues with whatever arrived.
func WaitForHistory(ctx context.Context, r transport.Reader, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultHistoryWait
	}
	return r.WaitForHistoricalData(ctx, timeout) == nil
}
