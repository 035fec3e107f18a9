// Package domainerrors defines coded domain errors for the invoice ledger.
//
// Stores return infrastructure sentinels (pkg/platform/sentinel); services
// translate them into coded errors from this package so transports can map
// them onto user-visible responses without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error for transport mapping and caller recovery.
type Code string

const (
	// CodeValidation marks a malformed or incomplete payload. Recoverable:
	// the caller must fix the request.
	CodeValidation Code = "validation_error"

	// CodeInvalidState marks an illegal lifecycle transition attempt.
	CodeInvalidState Code = "invalid_state"

	// CodeNotFound marks an unknown record id.
	CodeNotFound Code = "not_found"

	// CodeSigningUnavailable marks missing or misconfigured signing material.
	// Fatal to issuance; the ledger fails closed rather than emitting an
	// unsigned record.
	CodeSigningUnavailable Code = "signing_unavailable"

	// CodeChainIntegrity marks a broken hash chain detected during
	// verification. Indicates tampering or a storage bug; dependent
	// operations must halt and the incident surfaces loudly.
	CodeChainIntegrity Code = "chain_integrity_violation"

	// CodeConflict marks a lost race for a sequence number or unique
	// constraint. The caller should retry.
	CodeConflict Code = "concurrency_conflict"

	// CodeStorageTimeout marks a bounded-time storage failure. The caller
	// may retry with backoff.
	CodeStorageTimeout Code = "storage_timeout"

	// CodeClockUnsynchronized marks issuance refused under the fail-closed
	// clock policy because local time drifts beyond tolerance.
	CodeClockUnsynchronized Code = "clock_unsynchronized"

	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeInternal     Code = "internal_error"
)

// Error is a coded domain error with an operator-readable message.
type Error struct {
	Code    Code
	Message string
	wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New builds a coded error with a static message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause, preserving the
// chain for errors.Is/As.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, wrapped: err}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal for uncoded
// errors so transports never leak raw internals.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
