// Package poolerr defines the session-level error taxonomy used throughout
// the pooler. Every error that can reach a client is classified into one of
// a small set of kinds, each with a PostgreSQL-style SQLSTATE code, per
// spec.md §7.
package poolerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy decisions (terminate the
// session, recover locally, or surface to the client).
type Kind int

const (
	KindUnknown Kind = iota
	KindProtocolViolation
	KindAuthFailure
	KindFeatureNotSupported
	KindBackendDown
	KindMismatchedTuples
	KindCacheCorrupt
	KindInternalFailover
)

// sqlState maps each Kind to its PostgreSQL-style SQLSTATE code.
var sqlState = map[Kind]string{
	KindProtocolViolation:   "08P01",
	KindAuthFailure:         "28P01",
	KindFeatureNotSupported: "0A000",
	KindBackendDown:         "58000",
	KindMismatchedTuples:    "XX001",
	KindCacheCorrupt:        "XX000",
	KindInternalFailover:    "57P01",
}

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindAuthFailure:
		return "AuthFailure"
	case KindFeatureNotSupported:
		return "FeatureNotSupported"
	case KindBackendDown:
		return "BackendDown"
	case KindMismatchedTuples:
		return "MismatchedTuples"
	case KindCacheCorrupt:
		return "CacheCorrupt"
	case KindInternalFailover:
		return "InternalFailover"
	default:
		return "Unknown"
	}
}

// SQLState returns the SQLSTATE code associated with the Kind.
func (k Kind) SQLState() string {
	if s, ok := sqlState[k]; ok {
		return s
	}
	return "XX000"
}

// Error is the structural error type for this module. It carries a Kind, the
// derived SQLSTATE, a primary message, and an optional wrapped cause —
// equivalent to the "ErrorKind and an optional chain of context records"
// called for in spec.md §9.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	Hint    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// SQLState returns the error's SQLSTATE code.
func (e *Error) SQLState() string { return e.Kind.SQLState() }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithDetail attaches a detail/hint pair and returns the same *Error for chaining.
func (e *Error) WithDetail(detail, hint string) *Error {
	e.Detail = detail
	e.Hint = hint
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return KindUnknown, false
}

// Propagation policy per spec.md §7.
//
// IsSessionFatal reports whether err should terminate the whole session
// (protocol and auth errors do; backend-down and cache errors are meant to
// be recovered locally by the caller).
func IsSessionFatal(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case KindProtocolViolation, KindAuthFailure, KindInternalFailover:
		return true
	default:
		return false
	}
}

// IsLocallyRecoverable reports whether err represents a condition the caller
// should retry or route around rather than surface (backend-down: retry a
// different backend; cache-corrupt: reset the cache and continue).
func IsLocallyRecoverable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	return k == KindBackendDown || k == KindCacheCorrupt
}
