package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes failures of a relay request.
type ErrorKind string

const (
	// Rejections before any frame is written.
	ErrorKindInvalidRequest           ErrorKind = "invalid_request"
	ErrorKindUnauthorized             ErrorKind = "unauthorized"
	ErrorKindConversationNotFound     ErrorKind = "conversation_not_found"
	ErrorKindConversationCreateFailed ErrorKind = "conversation_create_failed"
	ErrorKindCredentialMissing        ErrorKind = "credential_missing"
	ErrorKindHistoryLoadFailed        ErrorKind = "history_load_failed"
	ErrorKindPersistFailed            ErrorKind = "persist_failed"
	ErrorKindUpstreamUnavailable      ErrorKind = "upstream_unavailable"

	// Failures of the conversation and settings endpoints.
	ErrorKindConversationDeleteFailed ErrorKind = "conversation_delete_failed"
	ErrorKindCredentialStoreFailed    ErrorKind = "credential_store_failed"

	// Failures after streaming has begun. These never reach the client.
	ErrorKindUpstreamStreamError    ErrorKind = "upstream_stream_error"
	ErrorKindAssistantPersistFailed ErrorKind = "assistant_persist_failed"
)

// Error is the canonical relay error. Message is safe to show to the caller;
// Err carries the underlying cause for logs.
type Error struct {
	Kind    ErrorKind
	Message string

	// StatusCode overrides the default HTTP status for Kind.
	StatusCode int

	// UpstreamStatus and UpstreamBody are set for ErrorKindUpstreamUnavailable
	// when the provider answered with a non-success status.
	UpstreamStatus int
	UpstreamBody   string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status used when the error is reported before
// streaming begins.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Kind {
	case ErrorKindInvalidRequest, ErrorKindCredentialMissing:
		return http.StatusBadRequest
	case ErrorKindUnauthorized:
		return http.StatusUnauthorized
	case ErrorKindConversationNotFound:
		return http.StatusNotFound
	case ErrorKindUpstreamUnavailable:
		if e.UpstreamStatus >= 400 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// WithStatusCode sets a specific HTTP status code.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// AsError extracts a *Error from err. Errors that are not relay errors are
// reported as internal failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: "internal", Message: "internal error", Err: err}
}

// IsKind reports whether err is a relay error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Convenience constructors mirroring the relay's failure points.

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *Error {
	return NewError(ErrorKindInvalidRequest, message, nil)
}

// ErrUnauthorized creates an authentication error.
func ErrUnauthorized(message string) *Error {
	return NewError(ErrorKindUnauthorized, message, nil)
}

// ErrCredentialMissing is returned when the caller has no provider key.
func ErrCredentialMissing(provider string) *Error {
	return NewError(ErrorKindCredentialMissing,
		fmt.Sprintf("API key not found. Please add your %s API key in settings.", provider), nil)
}

// ErrUpstreamUnavailable reports a provider that could not be reached or
// answered with a non-success status.
func ErrUpstreamUnavailable(status int, body string, cause error) *Error {
	msg := "AI service unavailable"
	if status != 0 {
		msg = fmt.Sprintf("AI service error: %d", status)
	}
	return &Error{
		Kind:           ErrorKindUpstreamUnavailable,
		Message:        msg,
		UpstreamStatus: status,
		UpstreamBody:   body,
		Err:            cause,
	}
}
