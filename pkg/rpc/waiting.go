package rpc

import (
	"sync"
	"time"

	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/exchange"
)

type slotState uint8

const (
	pending slotState = iota
	fulfilled
	abandoned
)

// slot holds one in-flight call. It leaves the pending state exactly once.
type slot[O any] struct {
	ch    chan exchange.Envelope[O]
	state slotState
	since time.Time
}

// outcome of delivering a response to the waiting set.
type outcome uint8

const (
	delivered outcome = iota
	late
	unknown
)

// waitingSet maps exchange ids to their slots. Every access holds mu.
type waitingSet[O any] struct {
	mu    sync.Mutex
	slots map[exchange.ID]*slot[O]
}

func newWaitingSet[O any]() *waitingSet[O] {
	return &waitingSet[O]{slots: make(map[exchange.ID]*slot[O])}
}

// register adds a pending slot for id. An id still present, pending or
// abandoned, is rejected.
func (w *waitingSet[O]) register(id exchange.ID) (*slot[O], error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.slots[id]; ok {
		return nil, mycerrors.ErrAlreadyExists
	}
	s := &slot[O]{ch: make(chan exchange.Envelope[O], 1), since: time.Now()}
	w.slots[id] = s
	return s, nil
}

// fulfill delivers env to the slot for its id and removes the slot.
func (w *waitingSet[O]) fulfill(env exchange.Envelope[O]) outcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.slots[env.ID]
	if !ok {
		return unknown
	}
	delete(w.slots, env.ID)
	if s.state != pending {
		return late
	}
	s.state = fulfilled
	s.ch <- env
	return delivered
}

// abandon gives up on id. The slot stays so a late response can be told
// apart from an unknown one until the reaper removes it.
func (w *waitingSet[O]) abandon(id exchange.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if s, ok := w.slots[id]; ok && s.state == pending {
		s.state = abandoned
		s.since = time.Now()
	}
}

// remove drops id whatever its state.
func (w *waitingSet[O]) remove(id exchange.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.slots, id)
}

// reap removes slots abandoned before cutoff and returns how many.
func (w *waitingSet[O]) reap(cutoff time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for id, s := range w.slots {
		if s.state == abandoned && s.since.Before(cutoff) {
			delete(w.slots, id)
			n++
		}
	}
	return n
}

// abandonAll abandons every pending slot and returns how many there were.
func (w *waitingSet[O]) abandonAll() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	now := time.Now()
	for _, s := range w.slots {
		if s.state == pending {
			s.state = abandoned
			s.since = now
			n++
		}
	}
	return n
}

func (w *waitingSet[O]) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots)
}
