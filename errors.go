package authserver

import (
	"github.com/giantswarm/authserver/server"
)

// OAuth error codes as sent on the wire
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeLoginRequired           = server.ErrorCodeLoginRequired
	ErrorCodeConsentRequired         = server.ErrorCodeConsentRequired
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable  = server.ErrorCodeTemporarilyUnavailable

	// HTTP layer only
	ErrorCodeInsufficientScope = "insufficient_scope"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// Error is the protocol error returned by every server operation.
// Use errors.Is with the sentinels below or server.KindOf to inspect it.
type Error = server.Error

// ErrorKind classifies an Error
type ErrorKind = server.ErrorKind

// Sentinels for errors.Is
var (
	ErrInvalidRequest        = server.ErrInvalidRequest
	ErrInvalidClient         = server.ErrInvalidClient
	ErrInvalidGrant          = server.ErrInvalidGrant
	ErrInvalidScope          = server.ErrInvalidScope
	ErrUnauthorizedClient    = server.ErrUnauthorizedClient
	ErrUnsupportedGrantType  = server.ErrUnsupportedGrantType
	ErrAccessDenied          = server.ErrAccessDenied
	ErrLoginRequired         = server.ErrLoginRequired
	ErrConsentRequired       = server.ErrConsentRequired
	ErrInvalidToken          = server.ErrInvalidToken
	ErrServerError           = server.ErrServerError
	ErrTransientStoreFailure = server.ErrTransientStoreFailure
)
