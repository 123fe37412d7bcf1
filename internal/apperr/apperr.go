// Package apperr defines the stable error tags surfaced by the query
// service. Callers match on the tag, never on internal error types.
package apperr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind is a stable, caller-visible error tag.
type Kind string

const (
	KindValidation           Kind = "ValidationError"
	KindNotFound             Kind = "NotFound"
	KindUpstreamUnauthorized Kind = "UpstreamUnauthorized"
	KindUpstreamRateLimited  Kind = "UpstreamRateLimited"
	KindUpstreamServerError  Kind = "UpstreamServerError"
	KindUpstreamTimeout      Kind = "UpstreamTimeout"
	KindUpstreamBadRequest   Kind = "UpstreamBadRequest"
	KindCircuitOpen          Kind = "CircuitOpen"
	KindCacheUnavailable     Kind = "CacheUnavailable"
	KindInternal             Kind = "Internal"
)

// Error carries a stable tag, a human-readable message, and a correlation
// id. The wrapped cause is logged but never serialized to callers.
type Error struct {
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
	Err           error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error with a fresh correlation id.
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:          kind,
		Message:       message,
		CorrelationID: uuid.New().String()[:8],
		Err:           cause,
	}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, cause error, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...), cause)
}

// KindOf extracts the tag from err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given tag.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CorrelationID extracts the correlation id from err, empty if untagged.
func CorrelationID(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.CorrelationID
	}
	return ""
}

// HTTPStatus maps an error to the transport status code. A nil error is
// 200.
func HTTPStatus(err error) int {
	if err == nil {
		return 200
	}
	switch KindOf(err) {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindUpstreamRateLimited, KindCircuitOpen, KindCacheUnavailable:
		return 503
	case KindUpstreamTimeout:
		return 504
	case KindUpstreamUnauthorized, KindUpstreamServerError, KindUpstreamBadRequest:
		return 502
	default:
		return 500
	}
}

// Retryable reports whether the upstream client may retry the request.
// Rate limiting, server errors, timeouts, and untagged (network) errors
// are retryable; request-shape and auth errors are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamRateLimited, KindUpstreamServerError, KindUpstreamTimeout:
		return true
	case KindInternal:
		return true
	default:
		return false
	}
}

// CircuitFailure reports whether err should count against the circuit
// breaker. Only server errors, timeouts, and network failures do; rate
// limiting, auth, and request-shape errors do not.
func CircuitFailure(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindUpstreamServerError, KindUpstreamTimeout, KindInternal:
		return true
	default:
		return false
	}
}
