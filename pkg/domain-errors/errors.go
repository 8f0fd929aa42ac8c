// Package domainerrors defines the coded error taxonomy shared by all
// services. Stores return sentinel errors (pkg/platform/sentinel); services
// translate them into coded errors so transports and callers can branch on
// Code without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and transports.
type Code string

const (
	// CodeValidation marks bad or missing caller input.
	CodeValidation Code = "validation"
	// CodeBadRequest marks a structurally malformed request.
	CodeBadRequest Code = "bad_request"
	// CodeInvalidInput marks a value that failed domain-level parsing.
	CodeInvalidInput Code = "invalid_input"
	// CodeNotFound marks a missing entity.
	CodeNotFound Code = "not_found"
	// CodeConflict marks an attempt to mutate a finalized, voided, or locked
	// entity, or to exceed a capacity limit.
	CodeConflict Code = "conflict"
	// CodeUnauthorized marks a missing or invalid principal.
	CodeUnauthorized Code = "unauthorized"
	// CodeForbidden marks a principal without rights to the operation.
	CodeForbidden Code = "forbidden"
	// CodeInvariantViolation marks a broken internal invariant; these are
	// bugs or data corruption, not caller mistakes.
	CodeInvariantViolation Code = "invariant_violation"
	// CodeIntegrityViolation marks detected tampering. Security-grade:
	// surfaced, logged, never auto-healed.
	CodeIntegrityViolation Code = "integrity_violation"
	// CodeAllocationExhausted marks an exhausted identifier space or retry
	// budget. Fatal to the call, not the process.
	CodeAllocationExhausted Code = "allocation_exhausted"
	// CodeInternal marks everything else.
	CodeInternal Code = "internal"
)

// Error carries a code, a message, and an optional cause.
type Error struct {
	code  Code
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the classification of this error.
func (e *Error) Code() Code { return e.code }

// Message returns the human-readable message without code or cause.
func (e *Error) Message() string { return e.msg }

// New builds a coded error.
func New(code Code, msg string) error {
	return &Error{code: code, msg: msg}
}

// Newf builds a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err yields
// nil so call sites can wrap unconditionally.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, msg: msg, cause: err}
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.code == code {
			return true
		}
		err = e.cause
		e = nil
	}
	return false
}

// CodeOf returns the outermost code in the chain, or CodeInternal when the
// error carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return CodeInternal
}
