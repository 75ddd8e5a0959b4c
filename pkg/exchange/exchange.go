// Package exchange defines the correlation envelope carried on request and
// response channels and the generator for exchange ids.
package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
)

// ID correlates one request with its response.
type ID = uint32

// Envelope wraps a payload with its exchange id. Providers echo the id of the
// request unchanged. Error is set instead of Payload when the handler failed.
type Envelope[T any] struct {
	ID      ID     `json:"id"`
	Payload T      `json:"payload"`
	Error   string `json:"error,omitempty"`
}

// Failed reports whether the envelope carries a handler error.
func (e Envelope[T]) Failed() bool { return e.Error != "" }

// IDGenerator hands out exchange ids. Each caller owns one; ids start at a
// random offset so restarted callers do not reuse recent ids, and advance
// monotonically with wraparound.
type IDGenerator struct {
	next atomic.Uint32
}

// NewIDGenerator returns a generator seeded from crypto/rand.
func NewIDGenerator() *IDGenerator {
	g := &IDGenerator{}
	var b [4]byte
	if _, err := rand.Read(b[:]); err == nil {
		g.next.Store(binary.BigEndian.Uint32(b[:]))
	}
	return g
}

// NewIDGeneratorAt returns a generator whose first id is start.
func NewIDGeneratorAt(start ID) *IDGenerator {
	g := &IDGenerator{}
	g.next.Store(start)
	return g
}

// Next returns the next id. Safe for concurrent use.
func (g *IDGenerator) Next() ID {
	return g.next.Add(1) - 1
}
