package widget

import (
	"github.com/vango-go/agentline/pkg/core"
)

// Error is the widget error type.
type Error = core.Error

// TransportError represents network-level failures while talking to the
// agent platform. Use errors.As to distinguish it from *Error.
type TransportError = core.TransportError

// Error types
const (
	ErrInvalidRequest        = core.ErrInvalidRequest
	ErrPermissionDenied      = core.ErrPermissionDenied
	ErrCredentialFetchFailed = core.ErrCredentialFetchFailed
	ErrTransport             = core.ErrTransport
	ErrNotConnected          = core.ErrNotConnected
	ErrWrongMode             = core.ErrWrongMode
	ErrSessionExpired        = core.ErrSessionExpired
	ErrReconnectExhausted    = core.ErrReconnectExhausted
	ErrConnectTimeout        = core.ErrConnectTimeout
	ErrSuperseded            = core.ErrSuperseded
	ErrTransferFailed        = core.ErrTransferFailed
	ErrAgent                 = core.ErrAgent
	ErrAutoplayBlocked       = core.ErrAutoplayBlocked
)

// IsType reports whether err carries an *Error of type t.
var IsType = core.IsType
