package bridge

import (
	"errors"
	"fmt"

	"github.com/borealdata/icebridge/internal/sqlstmt"
)

// ErrorKind categorizes invocation failures so callers can distinguish
// policy rejections from backend faults without parsing messages.
type ErrorKind string

const (
	// ErrNotFound: unknown service or object reference.
	ErrNotFound ErrorKind = "not_found"
	// ErrValidation: malformed invocation parameters.
	ErrValidation ErrorKind = "validation"
	// ErrPolicyDenied: the statement's kind is not permitted.
	ErrPolicyDenied ErrorKind = "policy_denied"
	// ErrResourceExhausted: pool saturated or timed out acquiring a session.
	ErrResourceExhausted ErrorKind = "resource_exhausted"
	// ErrBackend: execution failure surfaced from the warehouse or an AI
	// service, including timeouts.
	ErrBackend ErrorKind = "backend"
	// ErrInternal: unexpected fault caught at the dispatcher boundary.
	ErrInternal ErrorKind = "internal"
)

// Error is a structured invocation failure.
type Error struct {
	Kind   ErrorKind
	Reason string
	// Category is set on policy denials so operators can audit which
	// statement kind was rejected.
	Category sqlstmt.Kind
	Err      error
}

func (e *Error) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("%s: %s (category %s)", e.Kind, e.Reason, e.Category)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func notFoundf(format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Reason: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Reason: fmt.Sprintf(format, args...)}
}

func policyDenied(kind sqlstmt.Kind) *Error {
	return &Error{
		Kind:     ErrPolicyDenied,
		Category: kind,
		Reason:   fmt.Sprintf("statements of kind %q are not permitted by the configured sql permissions", kind),
	}
}

func exhausted(err error) *Error {
	return &Error{Kind: ErrResourceExhausted, Reason: err.Error(), Err: err}
}

func backendErr(err error) *Error {
	return &Error{Kind: ErrBackend, Reason: err.Error(), Err: err}
}

func internalf(format string, args ...any) *Error {
	return &Error{Kind: ErrInternal, Reason: fmt.Sprintf(format, args...)}
}

// asError normalizes any failure into a structured *Error. Errors that are
// not already structured become internal errors.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: ErrInternal, Reason: err.Error(), Err: err}
}
