// Package apperrors defines the typed error taxonomy shared by the core.
// Transport maps these kinds to HTTP codes; the core never returns raw
// driver errors to callers.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller contract.
type Kind string

const (
	KindInvalidInput      Kind = "INVALID_INPUT"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindForbidden         Kind = "FORBIDDEN"
	KindNotFound          Kind = "NOT_FOUND"
	KindIllegalTransition Kind = "ILLEGAL_TRANSITION"
	KindAlreadyProcessed  Kind = "ALREADY_PROCESSED"
	KindStoreTimeout      Kind = "STORE_TIMEOUT"
	KindStoreConflict     Kind = "STORE_CONFLICT"
	KindDeliveryFailed    Kind = "DELIVERY_FAILED"
	KindProtocolDisabled  Kind = "PROTOCOL_DISABLED"
	KindInternal          Kind = "INTERNAL"
)

// Error is the core error type. Wrap an underlying cause where one exists.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
