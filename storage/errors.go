package storage

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors returned by storage implementations.
// Callers match them with errors.Is; implementations wrap them with context.
var (
	ErrClientNotFound      = errors.New("client not found")
	ErrCodeNotFound        = errors.New("authorization code not found")
	ErrCodeAlreadyUsed     = errors.New("authorization code already used")
	ErrCodeExpired         = errors.New("authorization code expired")
	ErrCodeMismatch        = errors.New("authorization code does not match request")
	ErrTokenNotFound       = errors.New("token not found")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrTokenClientMismatch = errors.New("token issued to another client")
	ErrSessionNotFound     = errors.New("session not found")
	ErrConsentNotFound     = errors.New("consent not found")
	ErrEmptyFilter         = errors.New("token filter must name a grant, parent, session or subject")

	// ErrTransient marks timeouts and backend unavailability.
	// It is the only storage error a caller may retry.
	ErrTransient = errors.New("storage temporarily unavailable")
)

// transientError keeps the backend cause while matching ErrTransient
type transientError struct {
	cause error
}

func (e *transientError) Error() string {
	return ErrTransient.Error() + ": " + e.cause.Error()
}

func (e *transientError) Unwrap() []error {
	return []error{ErrTransient, e.cause}
}

// MarkTransient wraps err so that errors.Is(err, ErrTransient) holds.
// A nil error stays nil.
func MarkTransient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{cause: err}
}

// ClassifyError marks deadline, cancellation and network failures as transient
// and returns any other error unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return MarkTransient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return MarkTransient(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return MarkTransient(err)
	}
	return err
}

// IsTransient reports whether err may be retried
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
