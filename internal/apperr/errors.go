// Package apperr defines the coded errors shared by the rental core and the
// HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies a failure
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeNotAuthorized     Code = "NOT_AUTHORIZED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeIO                Code = "IO_ERROR"
	CodeBuild             Code = "BUILD_ERROR"
	CodeRun               Code = "RUN_ERROR"
	CodeInvalidInterval   Code = "INVALID_INTERVAL"
	CodeExecution         Code = "EXECUTION_ERROR"
	CodeTimeout           Code = "TIMEOUT"
	CodeConflict          Code = "CONFLICT"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeInternal          Code = "INTERNAL"
)

// Error is a failure with a code, the operation that produced it, a human
// readable message and an optional cause.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

// New creates a coded error
func New(code Code, op, message string, cause error) *Error {
	return &Error{Code: code, Op: op, Message: message, Cause: cause}
}

// Newf creates a coded error without a cause
func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Op, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Op, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrNotAuthorized     = &Error{Code: CodeNotAuthorized}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrInvalidState      = &Error{Code: CodeInvalidState}
	ErrInvalidInput      = &Error{Code: CodeInvalidInput}
	ErrIO                = &Error{Code: CodeIO}
	ErrBuild             = &Error{Code: CodeBuild}
	ErrRun               = &Error{Code: CodeRun}
	ErrInvalidInterval   = &Error{Code: CodeInvalidInterval}
	ErrExecution         = &Error{Code: CodeExecution}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrConflict          = &Error{Code: CodeConflict}
	ErrRateLimited       = &Error{Code: CodeRateLimited}
	ErrUnavailable       = &Error{Code: CodeUnavailable}
)

// CodeOf returns the code of the outermost *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the message of the outermost *Error in err's chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "server error"
}
