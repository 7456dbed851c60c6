// Package fault defines the error taxonomy shared by the HTTP surface, the
// worker harness, and the connector lifecycle.
//
// Every failure in Parley belongs to exactly one class:
//
//   - [ClassClient] — the caller did something wrong (bad request, auth,
//     tenant mismatch, unknown meeting). Never retried.
//   - [ClassTransient] — an external dependency hiccuped (broker timeout,
//     provider 5xx/429, JWKS fetch). Retried with backoff; exhausting
//     attempts moves the job to the DLQ.
//   - [ClassPermanent] — an external call failed in a way retrying cannot
//     fix (provider auth, malformed response, terminal 4xx). Straight to DLQ.
//   - [ClassInvariant] — an internal invariant was violated (monotone status,
//     duplicate chunk_seq under lock). Hard error, surfaced to the operator.
//   - [ClassCircuitOpen] — the circuit breaker rejected the call before it
//     reached the provider. Distinguished from provider failure so callers
//     can degrade gracefully; does not count toward the breaker.
//
// Use [New] or [Wrap] to attach a class and a stable machine code. Class and
// code survive wrapping via errors.As.
package fault

import (
	"errors"
	"fmt"
)

// Class partitions errors by how callers must react to them.
type Class int

const (
	ClassClient Class = iota
	ClassTransient
	ClassPermanent
	ClassInvariant
	ClassCircuitOpen
)

// String returns the snake_case name of the class as it appears in logs and
// JSON error bodies.
func (c Class) String() string {
	switch c {
	case ClassClient:
		return "client"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassInvariant:
		return "invariant"
	case ClassCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error carries a class, a stable machine code, and a human-readable reason.
// The code is part of the API contract; the reason is free text.
type Error struct {
	Class  Class
	Code   string
	Reason string
	cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Reason + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Reason
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error with a stable code and a formatted reason.
func New(class Class, code, format string, args ...any) *Error {
	return &Error{Class: class, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(class Class, code string, err error) *Error {
	return &Error{Class: class, Code: code, Reason: code, cause: err}
}

// ClassOf extracts the class from err. Unclassified errors default to
// [ClassTransient] — the safe choice for a worker, which will retry a bounded
// number of times and then DLQ.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassTransient
}

// CodeOf extracts the stable machine code from err, or "internal" when err is
// not classified.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return "internal"
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return ClassOf(err) == ClassTransient }

// IsClient reports whether err is the caller's fault.
func IsClient(err error) bool { return ClassOf(err) == ClassClient }
