// Package apperr defines the typed error taxonomy shared by the ledger,
// matchmaking and the outer API surfaces.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code.
type Code string

// Error codes.
const (
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeNoSequencesAvailable   Code = "NO_SEQUENCES_AVAILABLE"
	CodeUnauthenticated        Code = "UNAUTHENTICATED"
	CodeTransientStoreConflict Code = "TRANSIENT_STORE_CONFLICT"
	CodeDependencyUnavailable  Code = "DEPENDENCY_UNAVAILABLE"
	CodeNotFound               Code = "NOT_FOUND"
	CodeAlreadySettled         Code = "ALREADY_SETTLED"
	CodeInternal               Code = "INTERNAL"
)

// Error carries a Code, a user-facing message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidArgument        = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrInsufficientFunds      = &Error{Code: CodeInsufficientFunds, Message: "insufficient funds"}
	ErrNoSequencesAvailable   = &Error{Code: CodeNoSequencesAvailable, Message: "no sequences available"}
	ErrUnauthenticated        = &Error{Code: CodeUnauthenticated, Message: "unauthenticated"}
	ErrTransientStoreConflict = &Error{Code: CodeTransientStoreConflict, Message: "transient store conflict"}
	ErrDependencyUnavailable  = &Error{Code: CodeDependencyUnavailable, Message: "dependency unavailable"}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAlreadySettled         = &Error{Code: CodeAlreadySettled, Message: "already settled"}
	ErrInternal               = &Error{Code: CodeInternal, Message: "internal error"}
)

// New returns an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the user-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrInternal.Message
}
