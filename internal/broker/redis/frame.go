package redis

import (
	"cmp"
	"encoding/json"
	"slices"
	"time"

	"github.com/gezibash/mycelium/pkg/transport"
)

// frame is the wire form of a sample on the pub/sub channel and in history.
type frame struct {
	ID         string               `json:"id"`
	Key        string               `json:"key,omitempty"`
	Data       []byte               `json:"data"`
	Writer     string               `json:"writer"`
	Type       string               `json:"type,omitempty"`
	Durability transport.Durability `json:"durability"`
	Reliable   bool                 `json:"reliable"`
	Published  int64                `json:"ts"`
}

func (f frame) qos() transport.QoS {
	return transport.QoS{Reliable: f.Reliable, Durability: f.Durability}
}

func (f frame) sample() transport.Sample {
	return transport.Sample{
		Key:       f.Key,
		Data:      f.Data,
		Writer:    f.Writer,
		Published: time.Unix(0, f.Published),
	}
}

func decodeFrame(raw string) (frame, error) {
	var f frame
	err := json.Unmarshal([]byte(raw), &f)
	return f, err
}

func sortFrames(fs []frame) {
	slices.SortFunc(fs, func(a, b frame) int {
		if c := cmp.Compare(a.Published, b.Published); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// retainedFrames keeps Persistent frames and the TransientLocal frames whose
// writer is still present, so history does not outlive its writer.
func retainedFrames(fs []frame, writers map[string]presence) []frame {
	return slices.DeleteFunc(fs, func(f frame) bool {
		if f.Durability >= transport.Persistent {
			return false
		}
		_, ok := writers[f.Writer]
		return !ok
	})
}

// presence is the value stored per endpoint in a topic's writers or readers
// hash.
type presence struct {
	Participant string               `json:"participant"`
	Durability  transport.Durability `json:"durability"`
	Reliable    bool                 `json:"reliable"`
	Expires     int64                `json:"expires"`
}

func (p presence) qos() transport.QoS {
	return transport.QoS{Reliable: p.Reliable, Durability: p.Durability}
}
