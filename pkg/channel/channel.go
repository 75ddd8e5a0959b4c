package channel

import (
	"context"
	stderrors "errors"
	"fmt"

	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/transport"
)

// DecodeError reports a sample that could not be decoded. The sample is
// dropped; the reader keeps going.
type DecodeError struct {
	Topic  string
	Writer string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode sample on %q from %s: %v", e.Topic, e.Writer, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Writer publishes typed values.
type Writer[T any] struct {
	w      transport.Writer
	format Format[T]
	key    func(T) string
}

// NewWriter wraps w. key derives the instance key for keyed topics and may
// be nil.
func NewWriter[T any](w transport.Writer, format Format[T], key func(T) string) *Writer[T] {
	return &Writer[T]{w: w, format: format, key: key}
}

// Write encodes v and publishes it.
func (w *Writer[T]) Write(ctx context.Context, v T) error {
	var key string
	if w.key != nil {
		key = w.key(v)
	}
	return w.WriteKeyed(ctx, key, v)
}

// WriteKeyed publishes v under an explicit sample key.
func (w *Writer[T]) WriteKeyed(ctx context.Context, key string, v T) error {
	data, err := w.format.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", w.w.Topic().Name, err)
	}
	s := transport.Sample{Key: key, Data: data}
	return mycerrors.NewTransportError("write", w.w.Topic().Name, w.w.Write(ctx, s))
}

func (w *Writer[T]) MatchedCount(ctx context.Context) (int, error) {
	n, err := w.w.MatchedCount(ctx)
	return n, mycerrors.NewTransportError("match", w.w.Topic().Name, err)
}

// ID is the transport writer identity receivers see as Message.Writer.
func (w *Writer[T]) ID() string { return w.w.ID() }

func (w *Writer[T]) Topic() transport.Topic { return w.w.Topic() }

func (w *Writer[T]) Close() error { return w.w.Close() }

// Reader takes typed values.
type Reader[T any] struct {
	r      transport.Reader
	format Format[T]
}

func NewReader[T any](r transport.Reader, format Format[T]) *Reader[T] {
	return &Reader[T]{r: r, format: format}
}

// Message is a decoded sample with its transport metadata.
type Message[T any] struct {
	Value  T
	Key    string
	Writer string
}

// Take drains up to max samples. Samples that fail to decode are skipped and
// reported through err as joined *DecodeError values, so err may be non-nil
// alongside a non-empty result.
func (r *Reader[T]) Take(ctx context.Context, max int) ([]T, error) {
	msgs, err := r.TakeMessages(ctx, max)
	if len(msgs) == 0 {
		return nil, err
	}
	out := make([]T, len(msgs))
	for i, m := range msgs {
		out[i] = m.Value
	}
	return out, err
}

// TakeMessages is Take keeping sample keys and writer ids.
func (r *Reader[T]) TakeMessages(ctx context.Context, max int) ([]Message[T], error) {
	samples, err := r.r.Take(ctx, max)
	if err != nil {
		return nil, mycerrors.NewTransportError("take", r.r.Topic().Name, err)
	}
	out := make([]Message[T], 0, len(samples))
	var errs []error
	for _, s := range samples {
		v, err := r.format.Decode(s.Data)
		if err != nil {
			errs = append(errs, &DecodeError{Topic: r.r.Topic().Name, Writer: s.Writer, Err: err})
			continue
		}
		out = append(out, Message[T]{Value: v, Key: s.Key, Writer: s.Writer})
	}
	return out, stderrors.Join(errs...)
}

func (r *Reader[T]) DataAvailable() <-chan struct{} { return r.r.DataAvailable() }

func (r *Reader[T]) MatchedCount(ctx context.Context) (int, error) {
	n, err := r.r.MatchedCount(ctx)
	return n, mycerrors.NewTransportError("match", r.r.Topic().Name, err)
}

// Raw returns the underlying transport reader.
func (r *Reader[T]) Raw() transport.Reader { return r.r }

func (r *Reader[T]) Topic() transport.Topic { return r.r.Topic() }

func (r *Reader[T]) Close() error { return r.r.Close() }
