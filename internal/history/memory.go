package history

import (
	"context"
	"slices"
	"sync"

	mycerrors "github.com/gezibash/mycelium/pkg/errors"
)

// MemoryBackend is the name of the in-process store.
const MemoryBackend = "memory"

// Memory keeps records in process memory. It outlives any domain it is
// handed to, which is enough to restart a domain inside one process.
type Memory struct {
	mu     sync.Mutex
	topics map[string][]Record
	closed bool
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string][]Record)}
}

// NewMemoryFactory adapts NewMemory to Factory.
func NewMemoryFactory(context.Context, map[string]string) (Store, error) {
	return NewMemory(), nil
}

func (m *Memory) Append(_ context.Context, topic string, rec Record, policy Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return mycerrors.ErrClosed
	}
	rec.Data = slices.Clone(rec.Data)
	recs := m.topics[topic]
	if policy.Keyed {
		recs = slices.DeleteFunc(recs, func(r Record) bool { return r.Key == rec.Key })
	}
	recs = append(recs, rec)
	if !policy.Keyed && policy.Depth > 0 && len(recs) > policy.Depth {
		recs = slices.Delete(recs, 0, len(recs)-policy.Depth)
	}
	m.topics[topic] = recs
	return nil
}

func (m *Memory) Load(_ context.Context, topic string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, mycerrors.ErrClosed
	}
	return slices.Clone(m.topics[topic]), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
