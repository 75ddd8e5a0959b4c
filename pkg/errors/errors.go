// Package errors provides the shared error taxonomy used throughout mycelium.
package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = stderrors.New("not found")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = stderrors.New("closed")

	// ErrInvalidInput indicates the input is invalid.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrAlreadyExists indicates the resource already exists.
	ErrAlreadyExists = stderrors.New("already exists")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = stderrors.New("timeout")

	// ErrDiscoveryIncomplete indicates the match count never reached the
	// required threshold within the allotted time.
	ErrDiscoveryIncomplete = stderrors.New("discovery incomplete")
)

// TransportError reports a failure of the underlying pub/sub transport:
// channel creation, publish or take.
type TransportError struct {
	Op      string // create_writer, create_reader, write, take, match
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Channel == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %q: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a TransportError. Returns nil if err is nil.
func NewTransportError(op, channel string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if stderrors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Channel: channel, Err: err}
}

// RemoteError is a handler failure returned by a provider through the
// response channel.
type RemoteError struct {
	Functionality string
	ID            uint32
	Message       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s #%d: remote error: %s", e.Functionality, e.ID, e.Message)
}

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return stderrors.As(err, &te)
}

// IsRemote reports whether err is, or wraps, a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return stderrors.As(err, &re)
}
