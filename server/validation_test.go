package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/giantswarm/authserver/internal/testutil"
	"github.com/giantswarm/authserver/storage"
	"github.com/giantswarm/authserver/storage/memory"
)

// testServerSetup holds common test dependencies
type testServerSetup struct {
	store  *memory.Store
	logger *slog.Logger
	logBuf *bytes.Buffer
}

// newTestServerSetup creates a test server setup with a captured logger
func newTestServerSetup(t *testing.T) *testServerSetup {
	t.Helper()
	setup := &testServerSetup{
		store:  memory.New(),
		logBuf: &bytes.Buffer{},
	}
	t.Cleanup(setup.store.Stop)
	setup.logger = slog.New(slog.NewTextHandler(setup.logBuf, nil))
	return setup
}

// createServer creates a server with the given config
func (s *testServerSetup) createServer(config *Config) (*Server, error) {
	return New(s.store, nil, config, s.logger)
}

func (s *testServerSetup) getLogs() string {
	return s.logBuf.String()
}

func TestValidateHTTPSEnforcement(t *testing.T) {
	tests := []struct {
		name        string
		issuer      string
		allowHTTP   bool
		wantErr     bool
		wantWarning string
	}{
		{name: "HTTPS production URL", issuer: "https://oauth.example.com"},
		{name: "HTTPS with port", issuer: "https://oauth.example.com:8443"},
		{name: "HTTPS with path", issuer: "https://example.com/oauth"},
		{name: "empty issuer", issuer: ""},
		{name: "HTTP localhost", issuer: "http://localhost:8080", wantWarning: "DEVELOPMENT WARNING"},
		{name: "HTTP IPv4 loopback", issuer: "http://127.0.0.1:8080", wantWarning: "DEVELOPMENT WARNING"},
		{name: "HTTP loopback range", issuer: "http://127.1.2.3:8080", wantWarning: "DEVELOPMENT WARNING"},
		{name: "HTTP IPv6 loopback", issuer: "http://[::1]:8080", wantWarning: "DEVELOPMENT WARNING"},
		{name: "HTTP production blocked", issuer: "http://oauth.example.com", wantErr: true},
		{name: "HTTP production with port blocked", issuer: "http://oauth.example.com:8080", wantErr: true},
		{name: "HTTP production with flag", issuer: "http://oauth.example.com", allowHTTP: true, wantWarning: "CRITICAL SECURITY WARNING"},
		{name: "unsupported scheme", issuer: "ftp://oauth.example.com", wantErr: true},
		{name: "unparseable URL", issuer: "http://[::1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := newTestServerSetup(t)
			srv, err := setup.createServer(&Config{
				Issuer:            tt.issuer,
				AllowInsecureHTTP: tt.allowHTTP,
			})

			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for issuer %q", tt.issuer)
				}
				if srv != nil {
					t.Fatal("Expected server creation to fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if tt.wantWarning != "" && !strings.Contains(setup.getLogs(), tt.wantWarning) {
				t.Errorf("Expected %q in logs, got: %s", tt.wantWarning, setup.getLogs())
			}
		})
	}
}

func TestValidateHTTPSEnforcement_ErrorMessage(t *testing.T) {
	setup := newTestServerSetup(t)
	_, err := setup.createServer(&Config{Issuer: "http://oauth.example.com"})
	if err == nil {
		t.Fatal("Expected error for HTTP issuer")
	}
	if !strings.Contains(err.Error(), "SECURITY ERROR") || !strings.Contains(err.Error(), "oauth.example.com") {
		t.Errorf("error should name the problem and host, got: %v", err)
	}
}

func TestValidateResponseType(t *testing.T) {
	if err := validateResponseType("code"); err != nil {
		t.Errorf("validateResponseType(code) error = %v", err)
	}
	if got := KindOf(validateResponseType("")); got != KindInvalidRequest {
		t.Errorf("empty response_type kind = %s, want InvalidRequest", got)
	}
	for _, rt := range []string{"token", "id_token", "code token"} {
		if got := KindOf(validateResponseType(rt)); got != KindUnsupportedResponseType {
			t.Errorf("validateResponseType(%q) kind = %s, want UnsupportedResponseType", rt, got)
		}
	}
}

func TestValidateCodeChallenge(t *testing.T) {
	confidential := testutil.GenerateTestClient("c1", "secret")
	public := testutil.GenerateTestPublicClient("cli")
	s256 := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())
	plain := oauth2.GenerateVerifier()

	tests := []struct {
		name       string
		config     Config
		client     *storage.Client
		challenge  string
		method     string
		wantMethod string
		wantErr    bool
	}{
		{name: "S256", client: public, challenge: s256, method: "S256", wantMethod: "S256"},
		{name: "public client without challenge", client: public, wantErr: true},
		{name: "confidential client without challenge", client: confidential, wantErr: true},
		{
			name:   "confidential client without challenge when PKCE is optional",
			config: Config{DisablePKCEForConfidentialClients: true},
			client: confidential,
		},
		{name: "method without challenge", client: confidential, method: "S256", wantErr: true},
		{name: "plain rejected by default", client: public, challenge: plain, method: "plain", wantErr: true},
		{name: "missing method means plain", client: public, challenge: plain, wantErr: true},
		{
			name:       "plain when allowed",
			config:     Config{AllowPKCEPlain: true},
			client:     public,
			challenge:  plain,
			method:     "plain",
			wantMethod: "plain",
		},
		{name: "S256 with wrong length", client: public, challenge: s256[:40], method: "S256", wantErr: true},
		{name: "S256 with invalid characters", client: public, challenge: strings.Repeat("+", 43), method: "S256", wantErr: true},
		{name: "unknown method", client: public, challenge: s256, method: "S512", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.config
			srv := &Server{Config: applySecureDefaults(&config, slog.New(slog.DiscardHandler)), Logger: slog.New(slog.DiscardHandler)}

			method, err := srv.validateCodeChallenge(tt.client, tt.challenge, tt.method)
			if tt.wantErr {
				if KindOf(err) != KindInvalidRequest {
					t.Fatalf("validateCodeChallenge() error = %v, want invalid_request", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("validateCodeChallenge() error = %v", err)
			}
			if method != tt.wantMethod {
				t.Errorf("method = %q, want %q", method, tt.wantMethod)
			}
		})
	}
}

func TestCodeMatch(t *testing.T) {
	srv := &Server{Config: applySecureDefaults(&Config{}, slog.New(slog.DiscardHandler))}

	verifier := oauth2.GenerateVerifier()
	m := srv.codeMatch("c1", "https://app.example.com/callback", verifier)
	if !m.VerifierValid {
		t.Fatal("generated verifier should be valid")
	}
	if m.S256Challenge != oauth2.S256ChallengeFromVerifier(verifier) {
		t.Error("S256Challenge does not match the verifier")
	}

	for _, bad := range []string{"", "short", strings.Repeat("a", 129), strings.Repeat("a", 42) + "!"} {
		m := srv.codeMatch("c1", "https://app.example.com/callback", bad)
		if m.VerifierValid {
			t.Errorf("verifier %q should be invalid", bad)
		}
		if m.S256Challenge != "" {
			t.Errorf("invalid verifier %q must not produce a challenge", bad)
		}
	}
}
