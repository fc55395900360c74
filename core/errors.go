package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Event pipeline errors
	ErrDuplicateEvent = errors.New("duplicate event")
	ErrEventTerminal  = errors.New("event is in a terminal state")

	// Request errors
	ErrValidation      = errors.New("validation failed")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrPayloadTooLarge = errors.New("payload too large")

	// Infrastructure errors
	ErrTimeout            = errors.New("operation timeout")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTransport          = errors.New("transport failure")
	ErrCacheUnavailable   = errors.New("cache unavailable")
	ErrConnectionFailed   = errors.New("connection failed")

	// Remote collaborator errors
	ErrIntegration  = errors.New("integration rejected request")
	ErrTokenExpired = errors.New("integration token expired")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Internal catch-all
	ErrInternal = errors.New("internal error")
)

// Error kinds carried by DomainError. These mirror the platform's error
// taxonomy; HTTP handlers map them onto status codes.
const (
	KindDuplicateEvent  = "duplicate_event"
	KindValidation      = "validation"
	KindAuth            = "auth"
	KindNotFound        = "not_found"
	KindRateLimited     = "rate_limited"
	KindPayloadTooLarge = "payload_too_large"
	KindTimeout         = "timeout"
	KindCircuitOpen     = "circuit_open"
	KindTransport       = "transport"
	KindIntegration     = "integration"
	KindInternal        = "internal"
)

// DomainError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type DomainError struct {
	Op      string // Operation that failed (e.g., "eventbus.Publish")
	Kind    string // Error kind (one of the Kind* constants)
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message; safe to surface to callers
	Err     error  // Underlying error for wrapping
}

func (e *DomainError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a DomainError wrapping err.
func NewDomainError(op, kind string, err error) *DomainError {
	return &DomainError{Op: op, Kind: kind, Err: err}
}

// Kind extracts the error kind from err, walking the wrap chain.
// Returns KindInternal when no DomainError or sentinel matches.
func Kind(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Kind != "" {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		return KindDuplicateEvent
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return KindAuth
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrCircuitBreakerOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTransport), errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrCacheUnavailable):
		return KindTransport
	case errors.Is(err, ErrIntegration):
		return KindIntegration
	default:
		return KindInternal
	}
}

// IsRetryable reports whether an error represents a transient
// infrastructure failure that a retry could fix. Validation, auth and
// remote 4xx rejections are permanent and never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch Kind(err) {
	case KindTimeout, KindTransport:
		return true
	default:
		return false
	}
}

// IsValidation checks if an error is a structural/semantic request error.
func IsValidation(err error) bool {
	return Kind(err) == KindValidation
}

// IsAuth checks if an error is an authentication/authorization failure.
func IsAuth(err error) bool {
	return Kind(err) == KindAuth
}

// IsNotFound checks if an error represents a missing entity.
func IsNotFound(err error) bool {
	return Kind(err) == KindNotFound
}

// IsDuplicate checks if an error came from the dedupe window.
// Callers should treat it as idempotent success.
func IsDuplicate(err error) bool {
	return Kind(err) == KindDuplicateEvent
}

// IsRateLimited checks if an error is a rate-limit rejection.
func IsRateLimited(err error) bool {
	return Kind(err) == KindRateLimited
}

// IsConfigurationError checks if an error is configuration-related.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
