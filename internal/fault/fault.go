// Package fault defines the stable error taxonomy shared by every subsystem.
// Failures carry a machine-readable code plus a human-readable message; the
// HTTP layer owns the single mapping from codes to status responses.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. Codes are part of the external contract
// and never change once published.
type Code string

const (
	Unauthenticated   Code = "unauthenticated"
	PermissionDenied  Code = "permission_denied"
	InvalidArgument   Code = "invalid_argument"
	AlreadyExists     Code = "already_exists"
	NotFound          Code = "not_found"
	ResourceExhausted Code = "resource_exhausted"
	SecurityViolation Code = "security_violation"
	SetupIncomplete   Code = "setup_incomplete"
	Internal          Code = "internal"
)

// Error is a coded failure. It supports errors.Is against other *Error values
// with the same code, so sentinel-style comparisons keep working after
// wrapping with %w.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a coded error that preserves cause for errors.Is/As chains.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the code from err, walking wrapped chains. Unclassified
// errors report Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Internal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
