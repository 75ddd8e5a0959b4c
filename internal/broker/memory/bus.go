// Package memory is an in-process broadcast domain. Every participant
// created from one Bus sees every other; durability, keyed instances and
// QoS matching follow DDS rules.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/mycelium/internal/broker"
	"github.com/gezibash/mycelium/internal/history"
	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/logging"
	"github.com/gezibash/mycelium/pkg/transport"
)

// Backend is the registry name.
const Backend = "memory"

// Register adds the memory backend to reg.
func Register(reg *broker.Registry) error {
	return reg.Register(Backend, func(_ context.Context, _ map[string]string, opts broker.Options) (broker.Domain, error) {
		return New(WithHistory(opts.History), WithLogger(opts.Logger)), nil
	}, nil)
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistory backs Persistent durability with store.
func WithHistory(store history.Store) Option {
	return func(b *Bus) { b.store = store }
}

// WithLogger sets the bus logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// Bus is one broadcast domain.
type Bus struct {
	mu           sync.RWMutex
	topics       map[string]*topic
	participants map[*participant]struct{}
	closed       bool
	// seq orders samples across writers for late-joiner replay.
	seq atomic.Uint64

	store history.Store
	log   *logging.Logger
}

var _ broker.Domain = (*Bus)(nil)

// New creates an empty domain.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:       make(map[string]*topic),
		participants: make(map[*participant]struct{}),
		log:          logging.New(nil),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.WithComponent("memory-bus")
	return b
}

type topic struct {
	name     string
	typeName string
	writers  map[*writer]struct{}
	readers  map[*reader]struct{}

	// persisted is loaded from the history store by the first Persistent
	// writer and outlives every writer.
	persistMu sync.Mutex
	persisted *retention
}

// CreateParticipant joins the domain.
func (b *Bus) CreateParticipant(_ context.Context, name string) (transport.Participant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, mycerrors.ErrClosed
	}
	p := &participant{
		bus:     b,
		id:      uuid.NewString(),
		name:    name,
		writers: make(map[*writer]struct{}),
		readers: make(map[*reader]struct{}),
	}
	b.participants[p] = struct{}{}
	b.log.Debug("participant joined", "participant", logging.ShortID(p.id), "name", name)
	return p, nil
}

// Close closes every participant. The history store is left open.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := make([]*participant, 0, len(b.participants))
	for p := range b.participants {
		ps = append(ps, p)
	}
	b.mu.Unlock()

	for _, p := range ps {
		_ = p.Close()
	}
	return nil
}

// Topics returns the names of topics with at least one endpoint.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.topics))
	for name, t := range b.topics {
		if len(t.writers)+len(t.readers) > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// topicLocked finds or creates a topic. b.mu must be held for writing.
func (b *Bus) topicLocked(tp transport.Topic) (*topic, error) {
	t, ok := b.topics[tp.Name]
	if !ok {
		t = &topic{
			name:     tp.Name,
			typeName: tp.TypeName,
			writers:  make(map[*writer]struct{}),
			readers:  make(map[*reader]struct{}),
		}
		b.topics[tp.Name] = t
		return t, nil
	}
	if t.typeName == "" {
		t.typeName = tp.TypeName
	}
	if tp.TypeName != "" && t.typeName != tp.TypeName {
		return nil, fmt.Errorf("%w: topic %q carries %s, not %s", mycerrors.ErrInvalidInput, tp.Name, t.typeName, tp.TypeName)
	}
	return t, nil
}

func (b *Bus) addWriter(ctx context.Context, p *participant, tp transport.Topic, qos transport.QoS) (*writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, mycerrors.ErrClosed
	}
	t, err := b.topicLocked(tp)
	if err != nil {
		return nil, err
	}
	w := &writer{
		p:     p,
		t:     t,
		topic: tp,
		id:    uuid.NewString(),
		qos:   qos,
	}
	switch {
	case qos.Durability == transport.Persistent && b.store != nil:
		w.persist = true
		if err := b.loadPersisted(ctx, t, qos); err != nil {
			return nil, err
		}
	case qos.Durability >= transport.TransientLocal:
		w.retained = newRetention(qos)
	}
	t.writers[w] = struct{}{}
	return w, nil
}

func (b *Bus) loadPersisted(ctx context.Context, t *topic, qos transport.QoS) error {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	if t.persisted != nil {
		return nil
	}
	recs, err := b.store.Load(ctx, t.name)
	if err != nil {
		return fmt.Errorf("load history for %q: %w", t.name, err)
	}
	r := newRetention(qos)
	for _, rec := range recs {
		r.add(transport.Sample{Key: rec.Key, Data: rec.Data, Writer: rec.Writer, Published: rec.Published}, b.seq.Add(1))
	}
	t.persisted = r
	if len(recs) > 0 {
		b.log.Debug("restored persistent history", "topic", t.name, "samples", len(recs))
	}
	return nil
}

func (b *Bus) addReader(p *participant, tp transport.Topic, qos transport.QoS) (*reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, mycerrors.ErrClosed
	}
	t, err := b.topicLocked(tp)
	if err != nil {
		return nil, err
	}
	r := &reader{
		p:     p,
		t:     t,
		topic: tp,
		id:    uuid.NewString(),
		qos:   qos,
		inbox: broker.NewInbox(qos),
	}

	if qos.Durability >= transport.TransientLocal {
		var replay []retainedSample
		for w := range t.writers {
			if w.retained != nil && transport.Compatible(w.qos, qos) {
				replay = append(replay, w.retained.snapshot()...)
			}
		}
		t.persistMu.Lock()
		if t.persisted != nil {
			replay = append(replay, t.persisted.snapshot()...)
		}
		t.persistMu.Unlock()

		// Publish order, so the last write of a key wins in keyed inboxes.
		slices.SortFunc(replay, func(a, b retainedSample) int {
			if c := a.s.Published.Compare(b.s.Published); c != 0 {
				return c
			}
			return cmp.Compare(a.seq, b.seq)
		})
		for _, rs := range replay {
			r.inbox.Push(rs.s)
		}
	}

	t.readers[r] = struct{}{}
	return r, nil
}

func (b *Bus) write(ctx context.Context, w *writer, s transport.Sample) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if w.closed {
		return mycerrors.ErrClosed
	}
	s.Data = slices.Clone(s.Data)
	s.Writer = w.id
	s.Published = time.Now()
	seq := b.seq.Add(1)

	switch {
	case w.persist:
		rec := history.Record{Key: s.Key, Data: s.Data, Writer: s.Writer, Published: s.Published}
		if err := b.store.Append(ctx, w.t.name, rec, history.Policy{Keyed: w.qos.Keyed, Depth: w.qos.Depth()}); err != nil {
			return fmt.Errorf("persist sample: %w", err)
		}
		w.t.persistMu.Lock()
		w.t.persisted.add(s, seq)
		w.t.persistMu.Unlock()
	case w.retained != nil:
		w.retained.add(s, seq)
	}

	for r := range w.t.readers {
		if transport.Compatible(w.qos, r.qos) {
			r.inbox.Push(s)
		}
	}
	return nil
}

func (b *Bus) removeWriter(w *writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w.closed = true
	delete(w.t.writers, w)
}

func (b *Bus) removeReader(r *reader) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(r.t.readers, r)
}

func (b *Bus) matchedReaders(w *writer) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for r := range w.t.readers {
		if transport.Compatible(w.qos, r.qos) {
			n++
		}
	}
	return n
}

func (b *Bus) matchedWriters(r *reader) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for w := range r.t.writers {
		if transport.Compatible(w.qos, r.qos) {
			n++
		}
	}
	return n
}

func (b *Bus) matchedWriterIDs(r *reader) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []string
	for w := range r.t.writers {
		if transport.Compatible(w.qos, r.qos) {
			ids = append(ids, w.id)
		}
	}
	return ids
}

func (b *Bus) removeParticipant(p *participant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.participants, p)
}

type retainedSample struct {
	s   transport.Sample
	seq uint64
}

// retention is a writer's or topic's retained history.
type retention struct {
	mu      sync.Mutex
	keyed   bool
	depth   int
	samples []retainedSample
}

func newRetention(qos transport.QoS) *retention {
	return &retention{keyed: qos.Keyed, depth: qos.Depth()}
}

func (r *retention) add(s transport.Sample, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs := retainedSample{s: s, seq: seq}
	if r.keyed {
		r.samples = slices.DeleteFunc(r.samples, func(q retainedSample) bool { return q.s.Key == s.Key })
		r.samples = append(r.samples, rs)
		return
	}
	r.samples = append(r.samples, rs)
	if len(r.samples) > r.depth {
		r.samples = slices.Delete(r.samples, 0, len(r.samples)-r.depth)
	}
}

func (r *retention) snapshot() []retainedSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.samples)
}
