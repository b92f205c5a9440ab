// Package errs defines the tagged error-kind taxonomy shared across the
// trust fabric core. Components never compare on error strings; callers
// use errors.As against *Error and switch on Kind.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomies a rejection falls into.
type Kind string

const (
	// KindValidation marks a malformed event, empty required field, bad
	// hex, or unrecognized variant. Always fatal to the operation.
	KindValidation Kind = "ValidationError"
	// KindIntegrity marks a hash mismatch, broken chain, or Merkle root
	// mismatch. Non-recoverable for writes.
	KindIntegrity Kind = "IntegrityError"
	// KindSignature marks a signature that does not verify, a missing
	// key, or malformed key material. Never retried.
	KindSignature Kind = "SignatureError"
	// KindReplay marks a timestamp out of window, duplicate nonce, or
	// exhausted nonce quota. Never retried.
	KindReplay Kind = "ReplayError"
	// KindQuorum marks insufficient or untrusted signers.
	KindQuorum Kind = "QuorumError"
	// KindTransport marks peer unreachable or gossip timeout; retried
	// with backoff at the transport layer, not here.
	KindTransport Kind = "TransportError"
	// KindState marks an operation called in the wrong state.
	KindState Kind = "StateError"
)

// Error is the tagged sum type every component boundary returns instead of
// a bare error or a stringly-typed message.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on Kind alone when compared against a *Error
// with a matching Kind and no wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// sentinel markers for quick errors.Is comparisons without constructing a
// full reason string; components that need to build their own reason text
// should prefer New/Wrap directly.
var (
	ErrValidation = &Error{Kind: KindValidation, Reason: "validation failed"}
	ErrIntegrity  = &Error{Kind: KindIntegrity, Reason: "integrity check failed"}
	ErrSignature  = &Error{Kind: KindSignature, Reason: "signature verification failed"}
	ErrReplay     = &Error{Kind: KindReplay, Reason: "replay detected"}
	ErrQuorum     = &Error{Kind: KindQuorum, Reason: "quorum not met"}
	ErrTransport  = &Error{Kind: KindTransport, Reason: "transport failure"}
	ErrState      = &Error{Kind: KindState, Reason: "invalid state"}
)
