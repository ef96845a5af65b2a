package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/authserver/storage"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		kind       ErrorKind
		wantCode   string
		wantStatus int
	}{
		{KindInvalidRequest, "invalid_request", http.StatusBadRequest},
		{KindInvalidClient, "invalid_client", http.StatusUnauthorized},
		{KindInvalidGrant, "invalid_grant", http.StatusBadRequest},
		{KindInvalidScope, "invalid_scope", http.StatusBadRequest},
		{KindUnauthorizedClient, "unauthorized_client", http.StatusBadRequest},
		{KindUnsupportedGrantType, "unsupported_grant_type", http.StatusBadRequest},
		{KindUnsupportedResponseType, "unsupported_response_type", http.StatusBadRequest},
		{KindAccessDenied, "access_denied", http.StatusForbidden},
		{KindLoginRequired, "login_required", http.StatusBadRequest},
		{KindConsentRequired, "consent_required", http.StatusBadRequest},
		{KindInvalidToken, "invalid_token", http.StatusUnauthorized},
		{KindServerError, "server_error", http.StatusInternalServerError},
		{KindTransientStoreFailure, "temporarily_unavailable", http.StatusServiceUnavailable},
		{KindReplayDetected, "invalid_grant", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := NewError(tt.kind, "something")
			if got := err.Code(); got != tt.wantCode {
				t.Errorf("Code() = %q, want %q", got, tt.wantCode)
			}
			if got := err.Status(); got != tt.wantStatus {
				t.Errorf("Status() = %d, want %d", got, tt.wantStatus)
			}
			if got := err.Retryable(); got != (tt.kind == KindTransientStoreFailure) {
				t.Errorf("Retryable() = %v", got)
			}
		})
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("lookup: %w", storage.ErrCodeAlreadyUsed)
	err := wrapError(KindReplayDetected, "invalid authorization code", cause)

	if !errors.Is(err, ErrReplayDetected) {
		t.Error("errors.Is should match the sentinel of the same kind")
	}
	if errors.Is(err, ErrInvalidGrant) {
		t.Error("replay must not match the invalid_grant sentinel; only its wire code is shared")
	}
	if !errors.Is(err, storage.ErrCodeAlreadyUsed) {
		t.Error("errors.Is should reach the internal cause")
	}
	if errors.Is(err, NewError(KindReplayDetected, "other")) {
		t.Error("errors with a description are not sentinels")
	}

	wrapped := fmt.Errorf("exchange: %w", err)
	if KindOf(wrapped) != KindReplayDetected {
		t.Errorf("KindOf() = %s, want ReplayDetected", KindOf(wrapped))
	}
	if AsError(wrapped) != err {
		t.Error("AsError() should return the wrapped *Error")
	}
}

func TestError_Message(t *testing.T) {
	err := wrapError(KindInvalidClient, "client authentication failed", errors.New("client secret mismatch"))
	want := "invalid_client: client authentication failed: client secret mismatch"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if NewError(KindInvalidScope, "bad").Error() != "invalid_scope: bad" {
		t.Errorf("Error() = %q", NewError(KindInvalidScope, "bad").Error())
	}
}

func TestAsError_UnknownErrors(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}

	err := AsError(errors.New("boom"))
	if err.Kind != KindServerError {
		t.Errorf("Kind = %s, want ServerError", err.Kind)
	}
	if err.Description != "internal server error" {
		t.Errorf("Description = %q, internal causes must not leak", err.Description)
	}
	if KindOf(errors.New("boom")) != KindServerError {
		t.Error("KindOf() should default to ServerError")
	}
}

func TestErrorKind_StringUnknown(t *testing.T) {
	if got := ErrorKind(99).String(); got != "ErrorKind(99)" {
		t.Errorf("String() = %q", got)
	}
	if got := (&Error{Kind: ErrorKind(99)}).Code(); got != ErrorCodeServerError {
		t.Errorf("Code() = %q, want server_error", got)
	}
}
