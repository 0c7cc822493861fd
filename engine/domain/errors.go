package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine's failure taxonomy.
var (
	// ErrInvalidInput marks caller-correctable mistakes. Never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotReady means the source's state machine forbids the operation.
	ErrNotReady = errors.New("source not ready")
	// ErrBudgetTooSmall means the context budget cannot fit even the single
	// best chunk.
	ErrBudgetTooSmall = errors.New("context budget too small")
	// ErrUnsupportedFormat is returned for audio the transcription provider
	// cannot accept.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrUnknownSource marks an audio source ID that was never ingested.
	ErrUnknownSource = errors.New("unknown audio source")
)

// ProviderError wraps a failure from an external collaborator. Transient
// failures (timeouts, 5xx, rate limits) are eligible for retry with backoff;
// everything else surfaces immediately.
type ProviderError struct {
	Provider  string
	Op        string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s: %s provider error: %v", e.Provider, e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err as a ProviderError.
func NewProviderError(provider, op string, transient bool, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Transient: transient, Err: err}
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// ValidationError wraps a sentinel with the offending field and value.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError. Wrapped should be (or wrap)
// ErrInvalidInput so errors.Is classification works.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
