package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// Code classifies a failure for callers, telemetry and the UI.
type Code string

// Error codes. The set is closed; Normalize maps everything else onto it.
const (
	CodeValidationError     Code = "VALIDATION_ERROR"
	CodeSessionNotFound     Code = "SESSION_NOT_FOUND"
	CodeApprovalRequired    Code = "APPROVAL_REQUIRED"
	CodeGatingBlocked       Code = "GATING_BLOCKED"
	CodeBackendUnavailable  Code = "BACKEND_UNAVAILABLE"
	CodeToolExecutionFailed Code = "TOOL_EXECUTION_FAILED"
	CodeStreamCancelled     Code = "STREAM_CANCELLED"
)

var defaultUserMessages = map[Code]string{
	CodeValidationError:     "The request was incomplete or malformed.",
	CodeSessionNotFound:     "This conversation no longer exists. Start a new session.",
	CodeApprovalRequired:    "This action needs your approval and a short reason before it can run.",
	CodeGatingBlocked:       "Destructive actions are disabled until classification enforcement is active.",
	CodeBackendUnavailable:  "The assistant backend is unreachable; only read-only tools are available.",
	CodeToolExecutionFailed: "The tool reported a failure.",
	CodeStreamCancelled:     "Cancelled.",
}

// Error is the normalized error shape handed to callers and telemetry.
type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	UserMessage string `json:"userMessage"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether a manual retry could succeed without changing
// the request. Only backend reachability failures qualify.
func (e *Error) Retryable() bool {
	return e.Code == CodeBackendUnavailable
}

// HTTPStatus maps the code onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeSessionNotFound:
		return http.StatusNotFound
	case CodeApprovalRequired:
		return http.StatusConflict
	case CodeGatingBlocked:
		return http.StatusForbidden
	case CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case CodeStreamCancelled:
		return 499
	default:
		return http.StatusBadGateway
	}
}

// NewError builds an Error with the default user message for code.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message, UserMessage: defaultUserMessages[code]}
}

// Errorf is NewError with formatting.
func Errorf(code Code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError builds an Error that keeps err in its chain.
func WrapError(code Code, err error) *Error {
	e := NewError(code, err.Error())
	e.cause = err
	return e
}

// WithUserMessage returns a copy of e with a custom user-facing message.
func (e *Error) WithUserMessage(msg string) *Error {
	cp := *e
	cp.UserMessage = msg
	return &cp
}

// ErrCircuitOpen is returned by callers guarded by an open circuit breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Normalize converts any error into an *Error. It is the only place where raw
// transport, context and collaborator failures are translated.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return wrapWithMessage(CodeBackendUnavailable, "request timed out", err)
	case errors.Is(err, context.Canceled):
		return wrapWithMessage(CodeStreamCancelled, "request cancelled", err)
	case errors.Is(err, ErrCircuitOpen):
		return wrapWithMessage(CodeBackendUnavailable, "backend circuit open", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return wrapWithMessage(CodeBackendUnavailable, "request timed out", err)
		}
		return WrapError(CodeBackendUnavailable, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return WrapError(CodeBackendUnavailable, err)
	}

	return WrapError(CodeToolExecutionFailed, err)
}

// CodeOf returns the normalized code of err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return Normalize(err).Code
}

// IsCode reports whether err normalizes to code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func wrapWithMessage(code Code, msg string, err error) *Error {
	e := NewError(code, msg)
	e.cause = err
	return e
}
