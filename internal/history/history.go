// Package history stores the retained samples of persistent topics so they
// survive a restart of the broadcast domain.
package history

import (
	"context"
	"time"
)

// Record is one retained sample.
type Record struct {
	Key       string    `json:"key,omitempty"`
	Data      []byte    `json:"data"`
	Writer    string    `json:"writer,omitempty"`
	Published time.Time `json:"published"`
}

// Policy controls what a topic retains. Keyed topics keep only the latest
// record per key; unkeyed topics keep the most recent Depth records.
type Policy struct {
	Keyed bool
	Depth int
}

// Store persists retained records per topic.
type Store interface {
	// Append adds rec to topic, applying policy.
	Append(ctx context.Context, topic string, rec Record, policy Policy) error
	// Load returns the retained records of topic, oldest first.
	Load(ctx context.Context, topic string) ([]Record, error)
	Close() error
}
