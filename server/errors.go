package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/authserver/storage"
)

// ErrorKind classifies every failure the protocol core can report
type ErrorKind int

const (
	KindInvalidRequest ErrorKind = iota + 1
	KindInvalidClient
	KindInvalidGrant
	KindInvalidScope
	KindUnauthorizedClient
	KindUnsupportedGrantType
	KindUnsupportedResponseType
	KindAccessDenied
	KindLoginRequired
	KindConsentRequired
	KindInvalidToken
	KindServerError
	KindTransientStoreFailure
	KindReplayDetected
)

// OAuth error codes as sent on the wire
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeLoginRequired           = "login_required"
	ErrorCodeConsentRequired         = "consent_required"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

var kindInfo = map[ErrorKind]struct {
	code   string
	status int
	name   string
}{
	KindInvalidRequest:          {ErrorCodeInvalidRequest, http.StatusBadRequest, "InvalidRequest"},
	KindInvalidClient:           {ErrorCodeInvalidClient, http.StatusUnauthorized, "InvalidClient"},
	KindInvalidGrant:            {ErrorCodeInvalidGrant, http.StatusBadRequest, "InvalidGrant"},
	KindInvalidScope:            {ErrorCodeInvalidScope, http.StatusBadRequest, "InvalidScope"},
	KindUnauthorizedClient:      {ErrorCodeUnauthorizedClient, http.StatusBadRequest, "UnauthorizedClient"},
	KindUnsupportedGrantType:    {ErrorCodeUnsupportedGrantType, http.StatusBadRequest, "UnsupportedGrantType"},
	KindUnsupportedResponseType: {ErrorCodeUnsupportedResponseType, http.StatusBadRequest, "UnsupportedResponseType"},
	KindAccessDenied:            {ErrorCodeAccessDenied, http.StatusForbidden, "AccessDenied"},
	KindLoginRequired:           {ErrorCodeLoginRequired, http.StatusBadRequest, "LoginRequired"},
	KindConsentRequired:         {ErrorCodeConsentRequired, http.StatusBadRequest, "ConsentRequired"},
	KindInvalidToken:            {ErrorCodeInvalidToken, http.StatusUnauthorized, "InvalidToken"},
	KindServerError:             {ErrorCodeServerError, http.StatusInternalServerError, "ServerError"},
	KindTransientStoreFailure:   {ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable, "TransientStoreFailure"},
	// Replay is never disclosed to the client
	KindReplayDetected: {ErrorCodeInvalidGrant, http.StatusBadRequest, "ReplayDetected"},
}

// String returns the kind name (e.g. "InvalidGrant")
func (k ErrorKind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the protocol-level error returned by every Server operation.
// Description is safe to show to clients; Err carries the internal cause.
type Error struct {
	Kind        ErrorKind
	Description string
	Err         error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInvalidRequest          = &Error{Kind: KindInvalidRequest}
	ErrInvalidClient           = &Error{Kind: KindInvalidClient}
	ErrInvalidGrant            = &Error{Kind: KindInvalidGrant}
	ErrInvalidScope            = &Error{Kind: KindInvalidScope}
	ErrUnauthorizedClient      = &Error{Kind: KindUnauthorizedClient}
	ErrUnsupportedGrantType    = &Error{Kind: KindUnsupportedGrantType}
	ErrUnsupportedResponseType = &Error{Kind: KindUnsupportedResponseType}
	ErrAccessDenied            = &Error{Kind: KindAccessDenied}
	ErrLoginRequired           = &Error{Kind: KindLoginRequired}
	ErrConsentRequired         = &Error{Kind: KindConsentRequired}
	ErrInvalidToken            = &Error{Kind: KindInvalidToken}
	ErrServerError             = &Error{Kind: KindServerError}
	ErrTransientStoreFailure   = &Error{Kind: KindTransientStoreFailure}
	ErrReplayDetected          = &Error{Kind: KindReplayDetected}
)

// NewError creates an error of the given kind
func NewError(kind ErrorKind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// wrapError creates an error of the given kind that keeps cause for errors.Is/As
func wrapError(kind ErrorKind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, Err: cause}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Code() + ": " + e.Description
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the internal cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Description == "" && t.Err == nil
}

// Code returns the RFC 6749 error code
func (e *Error) Code() string {
	if info, ok := kindInfo[e.Kind]; ok {
		return info.code
	}
	return ErrorCodeServerError
}

// Status returns the HTTP status for the token endpoint response
func (e *Error) Status() int {
	if info, ok := kindInfo[e.Kind]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the caller may retry the whole request unchanged
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientStoreFailure
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindServerError when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServerError
}

// AsError converts any error into an *Error, treating unknown errors as
// server errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return wrapError(KindServerError, "internal server error", err)
}

// storeError converts a storage failure that has no protocol meaning
func storeError(op string, err error) *Error {
	if storage.IsTransient(err) {
		return wrapError(KindTransientStoreFailure, "service temporarily unavailable, retry the request", fmt.Errorf("%s: %w", op, err))
	}
	return wrapError(KindServerError, "internal server error", fmt.Errorf("%s: %w", op, err))
}
