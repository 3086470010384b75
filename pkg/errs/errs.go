// Package errs defines the error-kind taxonomy used across the mesh
// runtime so every layer can classify a failure the same way: whether
// it is reported to a caller, trapped in the guest, retried with
// backoff, or escalated to the supervisor.
package errs

import (
	"errors"
	"fmt"

	"github.com/agentmesh/mesh/pkg/metrics"
)

// Kind classifies an Error by how it must propagate.
type Kind string

const (
	// InvalidInput: malformed module, malformed message, unknown
	// conversation. Reported to caller; never retried.
	InvalidInput Kind = "invalid_input"
	// CapabilityDenied: returned to the guest as an in-band error code,
	// never a trap.
	CapabilityDenied Kind = "capability_denied"
	// ResourceExhausted: fuel, memory, or storage quota. Traps the
	// current guest call and increments the agent error counter.
	ResourceExhausted Kind = "resource_exhausted"
	// ProtocolViolation: invalid state transition. Message is dropped,
	// a structured warning is emitted, conversation state is unchanged.
	ProtocolViolation Kind = "protocol_violation"
	// Transient: peer connect refused, leader election in progress.
	// Retried at the caller with bounded backoff.
	Transient Kind = "transient"
	// Fatal: module hash mismatch on restore, corrupt log, majority
	// loss. Surfaces to the supervisor; the agent stops.
	Fatal Kind = "fatal"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// propagation behavior without string matching.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind and increments that kind's
// counter. Every error kind increments a named counter per the
// visibility requirement on error handling.
func New(kind Kind, msg string) *Error {
	metrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind around cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	metrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
