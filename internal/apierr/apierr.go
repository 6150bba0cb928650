// Package apierr implements the error taxonomy shared by the OAuth, SCIM,
// and admin surfaces: a small set of Kinds, each carrying the HTTP status
// it maps to and a caller-facing Description that is safe to show. Internal
// causes are attached with github.com/pkg/errors so the audit log keeps
// full context without it ever reaching the wire.
package apierr

import (
	"net/http"

	"github.com/pkg/errors"
)

// Kind is the coarse error taxonomy from the error-handling design.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindOpaque         Kind = "opaque"
	KindInternal       Kind = "internal"
)

// Error is the typed error value every engine returns. Code is the
// wire-level error code (e.g. "invalid_grant", "uniqueness"); Description
// is safe to return to the caller. Cause, if set, is never serialized.
type Error struct {
	Kind        Kind
	Code        string
	Description string
	Status      int
	Cause       error
}

func (e *Error) Error() string {
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Cause }

func new(kind Kind, status int, code, desc string) *Error {
	return &Error{Kind: kind, Code: code, Description: desc, Status: status}
}

// Invalid builds a Validation-kind error (400).
func Invalid(code, desc string) *Error {
	return new(KindValidation, http.StatusBadRequest, code, desc)
}

// Unauthenticated builds an Authentication-kind error (401).
func Unauthenticated(code, desc string) *Error {
	return new(KindAuthentication, http.StatusUnauthorized, code, desc)
}

// Conflict builds a Conflict-kind error. status must be 409 or 412.
func Conflict(status int, code, desc string) *Error {
	return new(KindConflict, status, code, desc)
}

// NotFound builds a NotFound-kind error (404), for administrative lookups
// only — the OAuth surface never returns 404 for token operations.
func NotFound(code, desc string) *Error {
	return new(KindNotFound, http.StatusNotFound, code, desc)
}

// Internal builds an Internal-kind error (500), wrapping cause with a
// stack trace for the audit log while keeping the wire description generic.
func Internal(cause error) *Error {
	e := new(KindInternal, http.StatusInternalServerError, "server_error",
		"an internal error occurred")
	e.Cause = errors.WithStack(cause)
	return e
}

// Timeout builds a storage-timeout Internal-kind error (503).
func Timeout(cause error) *Error {
	e := new(KindInternal, http.StatusServiceUnavailable, "storage_timeout",
		"the request could not be completed in time")
	e.Cause = errors.WithStack(cause)
	return e
}

// As extracts an *Error from err, wrapping any non-apierr error as Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
