package channel

import (
	"encoding/binary"
	"fmt"

	"github.com/gezibash/mycelium/pkg/exchange"
)

// Format converts between typed values and sample bytes.
type Format[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

type plain[T any] struct{ codec Codec }

// Plain encodes T directly with codec.
func Plain[T any](codec Codec) Format[T] { return plain[T]{codec: codec} }

func (f plain[T]) Encode(v T) ([]byte, error) { return f.codec.Marshal(v) }

func (f plain[T]) Decode(data []byte) (T, error) {
	var v T
	err := f.codec.Unmarshal(data, &v)
	return v, err
}

const (
	frameVersion = 1
	flagError    = 1 << 0
	headerLen    = 6
)

type enveloped[T any] struct{ codec Codec }

// Enveloped frames exchange envelopes as a fixed header followed by either
// the codec-encoded payload or the error text:
//
//	[version:1][flags:1][id:4 big endian][body]
func Enveloped[T any](codec Codec) Format[exchange.Envelope[T]] {
	return enveloped[T]{codec: codec}
}

func (f enveloped[T]) Encode(env exchange.Envelope[T]) ([]byte, error) {
	var body []byte
	var flags byte
	if env.Failed() {
		flags |= flagError
		body = []byte(env.Error)
	} else {
		b, err := f.codec.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = b
	}
	out := make([]byte, headerLen, headerLen+len(body))
	out[0] = frameVersion
	out[1] = flags
	binary.BigEndian.PutUint32(out[2:headerLen], env.ID)
	return append(out, body...), nil
}

func (f enveloped[T]) Decode(data []byte) (exchange.Envelope[T], error) {
	var env exchange.Envelope[T]
	if len(data) < headerLen {
		return env, fmt.Errorf("envelope frame too short: %d bytes", len(data))
	}
	if data[0] != frameVersion {
		return env, fmt.Errorf("unsupported envelope frame version %d", data[0])
	}
	env.ID = binary.BigEndian.Uint32(data[2:headerLen])
	body := data[headerLen:]
	if data[1]&flagError != 0 {
		env.Error = string(body)
		if env.Error == "" {
			env.Error = "unknown error"
		}
		return env, nil
	}
	if err := f.codec.Unmarshal(body, &env.Payload); err != nil {
		return env, fmt.Errorf("decode payload: %w", err)
	}
	return env, nil
}
