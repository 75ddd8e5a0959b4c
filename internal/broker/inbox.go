package broker

import (
	"slices"
	"sync"

	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/transport"
)

// Inbox is a reader's receive queue with keep-last semantics: once depth
// samples are queued the oldest is dropped, and keyed inboxes hold at most
// one sample per key.
type Inbox struct {
	mu      sync.Mutex
	queue   []transport.Sample
	depth   int
	keyed   bool
	notify  chan struct{}
	closed  bool
	dropped uint64
}

// NewInbox sizes an inbox from qos.
func NewInbox(qos transport.QoS) *Inbox {
	return &Inbox{
		depth:  qos.Depth(),
		keyed:  qos.Keyed,
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues s and signals Ready. It reports false once the inbox is
// closed.
func (i *Inbox) Push(s transport.Sample) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return false
	}
	if i.keyed {
		i.queue = slices.DeleteFunc(i.queue, func(q transport.Sample) bool { return q.Key == s.Key })
	}
	i.queue = append(i.queue, s)
	if len(i.queue) > i.depth {
		n := len(i.queue) - i.depth
		i.queue = slices.Delete(i.queue, 0, n)
		i.dropped += uint64(n)
	}
	i.signal()
	return true
}

// signal must be called with mu held.
func (i *Inbox) signal() {
	select {
	case i.notify <- struct{}{}:
	default:
	}
}

// Take removes up to max samples, or all of them when max <= 0.
func (i *Inbox) Take(max int) ([]transport.Sample, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return nil, mycerrors.ErrClosed
	}
	n := len(i.queue)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil, nil
	}
	out := slices.Clone(i.queue[:n])
	i.queue = slices.Delete(i.queue, 0, n)
	if len(i.queue) > 0 {
		i.signal()
	}
	return out, nil
}

// Ready is signalled when samples are queued and closed by Close.
func (i *Inbox) Ready() <-chan struct{} { return i.notify }

// Len returns the number of queued samples.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.queue)
}

// Dropped returns how many samples were discarded by the depth limit.
func (i *Inbox) Dropped() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dropped
}

// Close drops queued samples and closes Ready. Safe to call more than once.
func (i *Inbox) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return
	}
	i.closed = true
	i.queue = nil
	close(i.notify)
}
