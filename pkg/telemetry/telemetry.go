// Package telemetry is the instrumentation surface library packages record
// through. Concrete exporters live in internal/observability.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of mycelium spans.
const TracerName = "github.com/gezibash/mycelium"

// Call and dispatch outcomes.
const (
	StatusOK          = "ok"
	StatusTimeout     = "timeout"
	StatusError       = "error"
	StatusRemoteError = "remote_error"
	StatusCancelled   = "cancelled"
)

// Recorder receives measurements from the node's components.
type Recorder interface {
	CallCompleted(functionality, status string, elapsed time.Duration)
	PendingCalls(functionality string, delta int)
	Dispatched(functionality, status string, elapsed time.Duration)
	ResponseDropped(functionality string)
	StreamPublished(functionality string)
	StreamReceived(functionality string)
	Error(component string)
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) CallCompleted(string, string, time.Duration) {}
func (Nop) PendingCalls(string, int)                    {}
func (Nop) Dispatched(string, string, time.Duration)    {}
func (Nop) ResponseDropped(string)                      {}
func (Nop) StreamPublished(string)                      {}
func (Nop) StreamReceived(string)                       {}
func (Nop) Error(string)                                {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Tracer returns the mycelium tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan ends span, recording err when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
