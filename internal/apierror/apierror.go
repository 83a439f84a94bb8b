// Package apierror models the error kinds surfaced at component boundaries
// and maps them to the HTTP status codes the admin/ops surface returns.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for routing and status-code purposes. It is
// deliberately not a Go type hierarchy: callers compare Kind values, not
// concrete error types, so the taxonomy stays stable across packages.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransport  Kind = "transport"
	KindTimeout    Kind = "timeout"
	KindRejected   Kind = "rejected"
	KindCancelled  Kind = "cancelled"
	KindInternal   Kind = "internal"
)

// Error wraps an underlying cause with a classification and optional reason
// text surfaced to clients (e.g. why a drone rejected a command).
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		if e.Reason != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New constructs a classified error, optionally wrapping a cause.
func New(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// Validation builds a client-facing validation error, e.g. an illegal mission
// state transition.
func Validation(reason string) *Error { return New(KindValidation, reason, nil) }

// NotFound builds a client-facing not-found error.
func NotFound(reason string) *Error { return New(KindNotFound, reason, nil) }

// Conflict builds a client-facing conflict error, e.g. a drone that is not
// AVAILABLE or a command already in flight for a mission.
func Conflict(reason string) *Error { return New(KindConflict, reason, nil) }

// Transport builds a retryable transport error, e.g. the drone broker or the
// live-state store is unreachable.
func Transport(cause error) *Error { return New(KindTransport, "", cause) }

// Timeout builds an error for a command ack that never arrived.
func Timeout(reason string) *Error { return New(KindTimeout, reason, nil) }

// Rejected builds an error for a drone's explicit refusal of a command.
func Rejected(reason string) *Error { return New(KindRejected, reason, nil) }

// Cancelled builds an error for a caller-cancelled wait.
func Cancelled() *Error { return New(KindCancelled, "context cancelled", nil) }

// Internal builds an error for an invariant violation or serialization bug.
func Internal(cause error) *Error { return New(KindInternal, "", cause) }

// KindOf extracts the Kind from err, defaulting to KindInternal when err is
// not a classified *Error.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// StatusCode maps a Kind to the HTTP status the REST/admin surface returns.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindTransport:
		return http.StatusBadGateway
	case KindRejected:
		return http.StatusUnprocessableEntity
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
