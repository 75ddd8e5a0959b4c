// Package storage provides config-map helpers shared by pluggable backends:
// transports and history stores.
package storage

import "fmt"

// ConfigError reports an invalid backend configuration value.
type ConfigError struct {
	Backend string
	Field   string
	Value   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("%s: %s", e.Backend, e.Message)
	case e.Value == "":
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Field, e.Message)
	default:
		return fmt.Sprintf("%s: %s=%q: %s", e.Backend, e.Field, e.Value, e.Message)
	}
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// NewConfigError creates a ConfigError for a field validation failure.
func NewConfigError(backend, field, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message}
}

// NewConfigErrorWithValue includes the rejected value.
func NewConfigErrorWithValue(backend, field, value, message string) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Value: value, Message: message}
}

// NewConfigErrorWithCause wraps an underlying cause.
func NewConfigErrorWithCause(backend, field, message string, cause error) *ConfigError {
	return &ConfigError{Backend: backend, Field: field, Message: message, Cause: cause}
}

// WithBackend fills in the backend name on errors returned by the Get*
// helpers, which do not know which backend they are parsing for.
func WithBackend(backend string, err error) error {
	if ce, ok := err.(*ConfigError); ok && ce.Backend == "" {
		c := *ce
		c.Backend = backend
		return &c
	}
	return err
}
