// Package transport defines the publish/subscribe collaborator the node runs
// on: participants, named topics, writers and readers with DDS-style QoS.
package transport

import (
	"context"
	"time"
)

// Durability controls whether samples outlive their writer's publish call.
type Durability int

const (
	// Volatile samples reach only readers matched at publish time.
	Volatile Durability = iota
	// TransientLocal samples are retained and replayed to late-joining readers.
	TransientLocal
	// Persistent samples are retained in durable storage across restarts.
	Persistent
)

func (d Durability) String() string {
	switch d {
	case Volatile:
		return "volatile"
	case TransientLocal:
		return "transient_local"
	case Persistent:
		return "persistent"
	}
	return "unknown"
}

// DefaultHistoryDepth is the retained sample count per topic or instance.
const DefaultHistoryDepth = 100

// QoS is the quality of service requested by a writer or reader.
type QoS struct {
	Reliable     bool
	Durability   Durability
	HistoryDepth int
	// Keyed retains only the latest sample per instance key.
	Keyed bool
}

// ReliableQoS is the profile used for directory and request/response
// channels: reliable, transient-local, keep-last 100.
func ReliableQoS() QoS {
	return QoS{Reliable: true, Durability: TransientLocal, HistoryDepth: DefaultHistoryDepth}
}

// KeyedQoS is ReliableQoS with per-key instances, used by the directory.
func KeyedQoS() QoS {
	q := ReliableQoS()
	q.Keyed = true
	return q
}

// StreamQoS is the profile for continuous functionalities: reliable but
// volatile so late subscribers see no replay.
func StreamQoS() QoS {
	return QoS{Reliable: true, Durability: Volatile, HistoryDepth: DefaultHistoryDepth}
}

// Depth returns HistoryDepth, or the default when unset.
func (q QoS) Depth() int {
	if q.HistoryDepth <= 0 {
		return DefaultHistoryDepth
	}
	return q.HistoryDepth
}

// Compatible reports whether a reader with QoS r may match a writer with QoS w.
// A reader cannot request stronger durability or reliability than offered.
func Compatible(w, r QoS) bool {
	if r.Reliable && !w.Reliable {
		return false
	}
	return r.Durability <= w.Durability
}

// Topic names a channel and the type carried on it.
type Topic struct {
	Name     string
	TypeName string
}

// Sample is one published datum.
type Sample struct {
	// Key identifies the instance for keyed topics.
	Key  string
	Data []byte
	// Writer is the id of the publishing endpoint, set by the transport.
	Writer string
	// Published is set by the transport at write time.
	Published time.Time
}

// Matcher reports how many remote endpoints are currently matched.
type Matcher interface {
	MatchedCount(ctx context.Context) (int, error)
}

// WriterLister is implemented by readers that can name the writers they
// are currently matched with.
type WriterLister interface {
	MatchedWriters(ctx context.Context) ([]string, error)
}

// Writer publishes samples on one topic.
type Writer interface {
	Matcher
	// ID is the writer identity stamped on Sample.Writer.
	ID() string
	Write(ctx context.Context, s Sample) error
	Topic() Topic
	Close() error
}

// Reader receives samples on one topic.
type Reader interface {
	Matcher
	// Take removes and returns up to max available samples without blocking.
	Take(ctx context.Context, max int) ([]Sample, error)
	// DataAvailable is signalled when new samples may be taken. It is closed
	// when the reader closes.
	DataAvailable() <-chan struct{}
	// WaitForHistoricalData blocks until retained samples from matched
	// durable writers have been delivered, or the timeout elapses.
	WaitForHistoricalData(ctx context.Context, timeout time.Duration) error
	Topic() Topic
	Close() error
}

// Participant is one node's membership in the transport's domain.
type Participant interface {
	ID() string
	CreateWriter(ctx context.Context, topic Topic, qos QoS) (Writer, error)
	CreateReader(ctx context.Context, topic Topic, qos QoS) (Reader, error)
	Close() error
}

// Factory creates participants.
type Factory interface {
	CreateParticipant(ctx context.Context, name string) (Participant, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, name string) (Participant, error)

func (f FactoryFunc) CreateParticipant(ctx context.Context, name string) (Participant, error) {
	return f(ctx, name)
}
