// Package apperr defines the structured business errors surfaced on the
// wire. Codes follow the stable taxonomy; Reason carries the machine
// readable detail (e.g. already_clocked_in).
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeUnauthenticated    Code = "unauthenticated"
	CodePermissionDenied   Code = "permission-denied"
	CodeInvalidArgument    Code = "invalid-argument"
	CodeNotFound           Code = "not-found"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeResourceExhausted  Code = "resource-exhausted"
	CodeDeadlineExceeded   Code = "deadline-exceeded"
	CodeInternal           Code = "internal"
)

type Error struct {
	Code    Code   `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s/%s: %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code Code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

func Newf(code Code, reason, format string, args ...any) *Error {
	return &Error{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(message string) *Error {
	return New(CodeUnauthenticated, "", message)
}

func PermissionDenied(reason, message string) *Error {
	return New(CodePermissionDenied, reason, message)
}

func InvalidArgument(reason, message string) *Error {
	return New(CodeInvalidArgument, reason, message)
}

func NotFound(reason, message string) *Error {
	return New(CodeNotFound, reason, message)
}

func FailedPrecondition(reason, message string) *Error {
	return New(CodeFailedPrecondition, reason, message)
}

func Internal(message string) *Error {
	return New(CodeInternal, "", message)
}

// As unwraps err into an *Error if it carries one.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or internal when it carries none.
func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}

// ReasonOf returns the machine readable reason of err, if any.
func ReasonOf(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Reason
	}
	return ""
}
