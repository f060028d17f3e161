package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures of the healthchecks.io API. The set is
// closed: callers switch over all kinds.
type ErrorKind int

const (
	// KindUnexpected is any failure that does not fit another kind. It is
	// treated as transient.
	KindUnexpected ErrorKind = iota

	// KindAuthFailure means the API key is invalid or was revoked. It is
	// terminal for the key until it is re-authenticated.
	KindAuthFailure

	// KindRateLimited means the rate limit of the API key was exceeded.
	KindRateLimited

	// KindNotFound means the requested check does not exist.
	KindNotFound

	// KindAPIFailure is a generic API or communication failure.
	KindAPIFailure
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindAuthFailure:
		return "auth_failure"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindAPIFailure:
		return "api_failure"
	case KindUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Transient returns true if an operation failing with this kind may succeed
// when retried later with the same API key.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindRateLimited, KindAPIFailure, KindUnexpected:
		return true
	case KindAuthFailure, KindNotFound:
		return false
	default:
		return false
	}
}

// Error is a classified API error.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError creates a new *Error of kind wrapping err.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf creates a new *Error of kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}

	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain. Errors that
// were not classified are KindUnexpected.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnexpected
}

// IsKind returns true if err was classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
