// Package errs is the control plane's error taxonomy: every boundary
// (HTTP handler, dispatcher, repo) returns one of these codes so the
// HTTP layer can translate failures to status codes without string
// sniffing.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	CodeValidation   Code = "validation"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeConflict     Code = "conflict"
	CodeNotFound     Code = "not_found"
	CodeInconsistent Code = "inconsistent"
	CodeRetryable    Code = "retryable"
	CodeInternal     Code = "internal"
)

// Error is the canonical control-plane error wrapper.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, op, message string, cause error) error {
	return &Error{Code: code, Op: strings.TrimSpace(op), Message: strings.TrimSpace(message), Cause: cause}
}

func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(code, op, err.Error(), err)
}

func Validation(op, msg string) error   { return New(CodeValidation, op, msg, nil) }
func Unauthorized(op, msg string) error { return New(CodeUnauthorized, op, msg, nil) }
func Forbidden(op, msg string) error    { return New(CodeForbidden, op, msg, nil) }
func Conflict(op, msg string) error     { return New(CodeConflict, op, msg, nil) }
func NotFound(op, msg string) error     { return New(CodeNotFound, op, msg, nil) }
func Inconsistent(op, msg string) error { return New(CodeInconsistent, op, msg, nil) }
func Retryable(op, msg string) error    { return New(CodeRetryable, op, msg, nil) }
func Internal(op, msg string, cause error) error {
	return New(CodeInternal, op, msg, cause)
}

// Is reports whether err (or a wrapped err) carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// CodeOf extracts the code, or "" if err isn't one of ours.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}
