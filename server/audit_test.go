package server

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/giantswarm/authserver/internal/testutil"
	"github.com/giantswarm/authserver/security"
)

// containsAuditEvent checks if log output contains an audit event of given type
func containsAuditEvent(logOutput, eventType string) bool {
	return strings.Contains(logOutput, "security_audit") && strings.Contains(logOutput, eventType)
}

// containsAuthFailure checks if log output contains an auth failure with given reason
func containsAuthFailure(logOutput, reason string) bool {
	return strings.Contains(logOutput, "security_audit") &&
		strings.Contains(logOutput, "auth_failure") &&
		strings.Contains(logOutput, reason)
}

// newAuditedServer returns a test server whose audit output lands in the returned buffer
func newAuditedServer(t *testing.T) (*Server, *bytes.Buffer) {
	t.Helper()
	srv, store := newTestServer(t, nil)
	saveClient(t, store, testutil.GenerateTestClient("c1", testSecret))

	logger, logBuf := captureLogger()
	srv.SetAuditor(security.NewAuditor(logger, true))
	return srv, logBuf
}

func TestServer_AuditLoggingClientAuthFailure(t *testing.T) {
	ctx := context.Background()
	srv, logBuf := newAuditedServer(t)

	_, err := srv.Exchange(ctx, ClientAuth{ClientID: "c1", ClientSecret: "wrong", IPAddress: "192.168.1.100"}, ClientCredentialsGrant{})
	if err == nil {
		t.Fatal("Exchange() with a wrong secret should fail")
	}

	logOutput := logBuf.String()
	if !containsAuthFailure(logOutput, "client secret mismatch") {
		t.Errorf("Expected auth failure with reason in output: %s", logOutput)
	}
	if !strings.Contains(logOutput, "192.168.1.100") {
		t.Error("Expected IP address in audit log")
	}

	logBuf.Reset()
	_, err = srv.Exchange(ctx, ClientAuth{ClientID: "ghost", ClientSecret: "x"}, ClientCredentialsGrant{})
	if err == nil {
		t.Fatal("Exchange() for an unknown client should fail")
	}
	if !containsAuthFailure(logBuf.String(), "client not found") {
		t.Errorf("Expected auth failure for unknown client: %s", logBuf.String())
	}
}

func TestServer_AuditEventAuthorizationCodeReuse(t *testing.T) {
	ctx := context.Background()
	srv, logBuf := newAuditedServer(t)

	verifier := oauth2.GenerateVerifier()
	code := issueTestCode(t, srv, "c1", verifier, []string{"openid", "email"})
	grant := AuthorizationCodeGrant{Code: code, RedirectURI: testRedirectURI, CodeVerifier: verifier}
	auth := ClientAuth{ClientID: "c1", ClientSecret: testSecret}

	if _, err := srv.Exchange(ctx, auth, grant); err != nil {
		t.Fatalf("First Exchange() error = %v", err)
	}
	if _, err := srv.Exchange(ctx, auth, grant); err == nil {
		t.Fatal("Second exchange should fail (code reuse)")
	}

	logOutput := logBuf.String()
	if !containsAuditEvent(logOutput, "authorization_code_reuse_detected") {
		t.Errorf("Expected authorization_code_reuse_detected audit event in output: %s", logOutput)
	}
	if !strings.Contains(logOutput, "critical") {
		t.Error("Expected 'critical' severity in audit log")
	}
	if !containsAuditEvent(logOutput, "grant_revoked") || !strings.Contains(logOutput, "code_reuse") {
		t.Error("Expected grant_revoked audit event with reason code_reuse")
	}
	if strings.Contains(logOutput, testSubject) {
		t.Error("Subject identifiers must be hashed in audit logs")
	}
}

func TestServer_AuditEventRefreshTokenReuse(t *testing.T) {
	ctx := context.Background()
	srv, logBuf := newAuditedServer(t)

	tokens := exchangeTestCode(t, srv, "c1", []string{"api"})
	if _, err := srv.RotateRefresh(ctx, tokens.RefreshToken, "c1", nil); err != nil {
		t.Fatalf("RotateRefresh() error = %v", err)
	}
	if !containsAuditEvent(logBuf.String(), "token_refreshed") {
		t.Errorf("Expected token_refreshed audit event: %s", logBuf.String())
	}

	if _, err := srv.RotateRefresh(ctx, tokens.RefreshToken, "c1", nil); err == nil {
		t.Fatal("Reusing a rotated refresh token should fail")
	}
	if !containsAuditEvent(logBuf.String(), "refresh_token_reuse_detected") {
		t.Errorf("Expected refresh_token_reuse_detected audit event: %s", logBuf.String())
	}
}

func TestServer_AuditEventsLifecycle(t *testing.T) {
	ctx := context.Background()
	srv, logBuf := newAuditedServer(t)

	if _, _, err := srv.RegisterClient(ctx, ClientRegistration{
		ClientName:   "Audited",
		RedirectURIs: []string{"https://audited.example.com/cb"},
	}); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	session, err := srv.Login(ctx, testSubject)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := srv.GrantConsent(ctx, testSubject, "c1", []string{"openid"}); err != nil {
		t.Fatalf("GrantConsent() error = %v", err)
	}
	tokens := exchangeTestCode(t, srv, "c1", []string{"api"})
	if err := srv.RevokeToken(ctx, tokens.AccessToken, "c1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if err := srv.EndSession(ctx, session.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	logOutput := logBuf.String()
	for _, event := range []string{
		security.EventClientRegistered,
		security.EventConsentGranted,
		security.EventAuthorizationCodeIssued,
		security.EventTokenIssued,
		security.EventTokenRevoked,
		security.EventLogout,
	} {
		if !containsAuditEvent(logOutput, event) {
			t.Errorf("Expected %s audit event in output", event)
		}
	}
}

func TestServer_AuditorDisabled(t *testing.T) {
	srv, logBuf := newAuditedServer(t)
	logger, _ := captureLogger()
	srv.SetAuditor(security.NewAuditor(logger, false))

	_, _ = srv.Exchange(context.Background(), ClientAuth{ClientID: "c1", ClientSecret: "wrong"}, ClientCredentialsGrant{})
	if strings.Contains(logBuf.String(), "security_audit") {
		t.Error("A disabled auditor must not log")
	}
}
