package core

import (
	"errors"
	"fmt"
	"net/url"
)

// Error represents a session-layer error.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest        ErrorType = "invalid_request_error"
	ErrPermissionDenied      ErrorType = "permission_denied"
	ErrCredentialFetchFailed ErrorType = "credential_fetch_failed"
	ErrTransport             ErrorType = "transport_error"
	ErrNotConnected          ErrorType = "not_connected"
	ErrWrongMode             ErrorType = "wrong_mode"
	ErrSessionExpired        ErrorType = "session_expired"
	ErrReconnectExhausted    ErrorType = "reconnect_exhausted"
	ErrConnectTimeout        ErrorType = "connect_timeout"
	ErrSuperseded            ErrorType = "superseded"
	ErrTransferFailed        ErrorType = "transfer_failed"
	ErrAgent                 ErrorType = "agent_error"
	ErrAutoplayBlocked       ErrorType = "autoplay_blocked"
)

// NewError creates an error of the given type.
func NewError(t ErrorType, message string) *Error {
	return &Error{Type: t, Message: message}
}

// WrapError creates an error of the given type carrying an underlying cause.
func WrapError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message)
}

// NewPermissionDeniedError creates a media permission error.
func NewPermissionDeniedError(message string, cause error) *Error {
	return WrapError(ErrPermissionDenied, message, cause)
}

// NewCredentialError creates a credential fetch error.
func NewCredentialError(message string, cause error) *Error {
	return WrapError(ErrCredentialFetchFailed, message, cause)
}

// NewTransportError creates a transport error.
func NewTransportError(message string, cause error) *Error {
	return WrapError(ErrTransport, message, cause)
}

// NewNotConnectedError creates a not-connected error.
func NewNotConnectedError(message string) *Error {
	return NewError(ErrNotConnected, message)
}

// NewWrongModeError creates a wrong-mode error.
func NewWrongModeError(message string) *Error {
	return NewError(ErrWrongMode, message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsFatal reports whether the error ends the connection attempt or session.
func (e *Error) IsFatal() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case ErrAgent, ErrAutoplayBlocked, ErrTransferFailed:
		return false
	default:
		return true
	}
}

// IsType reports whether err carries a *Error of type t anywhere in its chain.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == t
}

// TypeOf returns the error type of err, or "" when err is not a *Error.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Type
}

// TransportError represents network-level failures (DNS, timeouts, connection
// reset, TLS handshake, unexpected status) while talking to the agent platform.
//
// Use errors.As(err, &TransportError{}) to distinguish raw network failures
// from the session taxonomy (*Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
