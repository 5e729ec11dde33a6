// Package kberrors defines the error taxonomy shared across the ingestion and
// retrieval subsystem. Errors are classified by Kind rather than by concrete
// type, so callers can branch on a stable, small vocabulary instead of
// sentinel values scattered across packages.
package kberrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that need to decide how to respond
// (retry, surface to a user, escalate) without inspecting the message text.
type Kind string

const (
	// BadInput covers validation failures: unsupported file types, malformed
	// dates, invalid UUIDs, missing required fields.
	BadInput Kind = "bad_input"
	// NotFound covers missing documents, sync logs, or other lookups.
	NotFound Kind = "not_found"
	// Forbidden covers disabled features, permission checks, and access
	// outside a caller's allow-list.
	Forbidden Kind = "forbidden"
	// Conflict covers concurrent-operation rejections, e.g. a sync job
	// already running.
	Conflict Kind = "conflict"
	// Upstream covers failures calling an external system: portal API,
	// website fetch, embedding provider HTTP errors.
	Upstream Kind = "upstream"
	// Extraction covers text-extraction failures, including "no text
	// extracted" cases.
	Extraction Kind = "extraction"
	// Embedding covers embedder call failures or vector index write
	// failures.
	Embedding Kind = "embedding"
	// Storage covers filesystem or database failures.
	Storage Kind = "storage"
	// Internal covers anything unexpected that doesn't fit another Kind.
	Internal Kind = "internal"
)

// Error is the subsystem's error type. It carries a Kind for classification,
// a human-readable Message, optional structured Details, and an optional
// wrapped Cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given Kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given Kind wrapping an existing error. The new
// Error always carries the supplied kind; it does not inherit the Kind of err,
// even when err is already a *Error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithDetails returns a copy of e with Details set. Existing Details entries
// under the same keys are overwritten.
func (e *Error) WithDetails(details map[string]any) *Error {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &Error{Kind: e.Kind, Message: e.Message, Details: merged, Cause: e.Cause}
}

// WithCause returns a copy of e with Cause set.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Details: e.Details, Cause: cause}
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, kberrors.New(kberrors.NotFound, "")) style checks, or
// more commonly use Is via the IsKind helper below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err is a *Error (directly or via wrapping) with the
// given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the Kind of err if it is a *Error (directly or via
// wrapping), and Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
