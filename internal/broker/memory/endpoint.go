package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gezibash/mycelium/internal/broker"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/transport"
)

var _ transport.WriterLister = (*reader)(nil)

type participant struct {
	bus  *Bus
	id   string
	name string

	mu      sync.Mutex
	writers map[*writer]struct{}
	readers map[*reader]struct{}
	closed  bool
}

func (p *participant) ID() string { return p.id }

func (p *participant) CreateWriter(ctx context.Context, topic transport.Topic, qos transport.QoS) (transport.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, mycerrors.NewTransportError("create_writer", topic.Name, mycerrors.ErrClosed)
	}
	w, err := p.bus.addWriter(ctx, p, topic, qos)
	if err != nil {
		return nil, mycerrors.NewTransportError("create_writer", topic.Name, err)
	}
	p.writers[w] = struct{}{}
	return w, nil
}

func (p *participant) CreateReader(_ context.Context, topic transport.Topic, qos transport.QoS) (transport.Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, mycerrors.NewTransportError("create_reader", topic.Name, mycerrors.ErrClosed)
	}
	r, err := p.bus.addReader(p, topic, qos)
	if err != nil {
		return nil, mycerrors.NewTransportError("create_reader", topic.Name, err)
	}
	p.readers[r] = struct{}{}
	return r, nil
}

func (p *participant) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	writers, readers := p.writers, p.readers
	p.writers, p.readers = nil, nil
	p.mu.Unlock()

	for w := range writers {
		w.close()
	}
	for r := range readers {
		r.close()
	}
	p.bus.removeParticipant(p)
	return nil
}

func (p *participant) forget(w *writer, r *reader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w != nil {
		delete(p.writers, w)
	}
	if r != nil {
		delete(p.readers, r)
	}
}

type writer struct {
	p     *participant
	t     *topic
	topic transport.Topic
	id    string
	qos   transport.QoS

	retained *retention
	persist  bool

	// closed is guarded by the bus lock.
	closed bool
	once   sync.Once
}

func (w *writer) ID() string { return w.id }

func (w *writer) Topic() transport.Topic { return w.topic }

func (w *writer) Write(ctx context.Context, s transport.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.p.bus.write(ctx, w, s)
}

func (w *writer) MatchedCount(context.Context) (int, error) {
	return w.p.bus.matchedReaders(w), nil
}

func (w *writer) close() {
	w.once.Do(func() { w.p.bus.removeWriter(w) })
}

func (w *writer) Close() error {
	w.close()
	w.p.forget(w, nil)
	return nil
}

type reader struct {
	p     *participant
	t     *topic
	topic transport.Topic
	id    string
	qos   transport.QoS
	inbox *broker.Inbox
	once  sync.Once
}

func (r *reader) Topic() transport.Topic { return r.topic }

func (r *reader) Take(ctx context.Context, max int) ([]transport.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.inbox.Take(max)
}

func (r *reader) DataAvailable() <-chan struct{} { return r.inbox.Ready() }

func (r *reader) MatchedCount(context.Context) (int, error) {
	return r.p.bus.matchedWriters(r), nil
}

func (r *reader) MatchedWriters(context.Context) ([]string, error) {
	return r.p.bus.matchedWriterIDs(r), nil
}

// WaitForHistoricalData returns at once: retained samples are queued
// synchronously when the reader is created.
func (r *reader) WaitForHistoricalData(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func (r *reader) close() {
	r.once.Do(func() {
		r.p.bus.removeReader(r)
		r.inbox.Close()
	})
}

func (r *reader) Close() error {
	r.close()
	r.p.forget(nil, r)
	return nil
}
