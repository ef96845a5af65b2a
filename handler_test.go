package authserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/authserver/identity"
	"github.com/giantswarm/authserver/internal/testutil"
	"github.com/giantswarm/authserver/server"
	"github.com/giantswarm/authserver/signing"
	"github.com/giantswarm/authserver/storage/memory"
)

const (
	testIssuer       = "https://auth.example.com"
	testRedirectURI  = "https://app.example.com/callback"
	testClientID     = "test-client"
	testClientSecret = "s3cret-value"
	testEmail        = "alice@example.com"
	testPassword     = "correct horse battery"
)

type testEnv struct {
	handler *Handler
	server  *server.Server
	store   *memory.Store
	users   *identity.Service
	routes  http.Handler
}

// newTestEnv wires a handler over a memory store with one confidential
// client. Rate limiting is off unless mutate turns it on.
func newTestEnv(t *testing.T, mutate func(*server.Config, *Config)) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	t.Cleanup(store.Stop)

	keys, err := signing.NewKeyRing(time.Hour)
	require.NoError(t, err)

	srvConfig := &server.Config{Issuer: testIssuer}
	config := Config{
		RateLimit: RateLimitConfig{Rate: -1},
		Logger:    logger,
	}
	if mutate != nil {
		mutate(srvConfig, &config)
	}

	srv, err := server.New(store, keys, srvConfig, logger)
	require.NoError(t, err)
	srv.Clients().SetHashCost(bcrypt.MinCost)

	users, err := identity.NewService(identity.NewMemoryStore(), bcrypt.MinCost, logger)
	require.NoError(t, err)
	srv.SetUserLookup(users)

	h, err := NewHandler(srv, users, config)
	require.NoError(t, err)
	t.Cleanup(h.Close)

	client := testutil.GenerateTestClient(testClientID, testClientSecret)
	client.PostLogoutRedirectURIs = []string{"https://app.example.com/signed-out"}
	require.NoError(t, store.SaveClient(context.Background(), client))

	return &testEnv{handler: h, server: srv, store: store, users: users, routes: h.Routes()}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.routes.ServeHTTP(w, req)
	return w
}

// postForm builds a form POST, optionally with client_secret_basic credentials
func postForm(path string, form url.Values, clientID, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if clientID != "" {
		req.SetBasicAuth(clientID, secret)
	}
	return req
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

// clientCredentialsToken obtains an access token for the test client
func (e *testEnv) clientCredentialsToken(t *testing.T, scope string) string {
	t.Helper()
	w := e.do(postForm(PathToken, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {scope},
	}, testClientID, testClientSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp TokenResponse
	decodeJSON(t, w, &resp)
	return resp.AccessToken
}

func TestNewHandler(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := NewHandler(nil, env.users, Config{})
	assert.Error(t, err)

	_, err = NewHandler(env.server, nil, Config{})
	assert.Error(t, err)

	h, err := NewHandler(env.server, env.users, Config{})
	require.NoError(t, err)
	defer h.Close()

	assert.NotNil(t, h.logger)
	assert.NotNil(t, h.limiter, "rate limiting is on by default")
	assert.Equal(t, DefaultSessionCookieName, h.config.SessionCookieName)
}

func TestClientAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name       string
		form       url.Values
		basicUser  string
		basicPass  string
		wantID     string
		wantSecret string
		wantKind   server.ErrorKind
	}{
		{
			name:       "basic",
			basicUser:  "client%3A1",
			basicPass:  "p%40ss",
			wantID:     "client:1",
			wantSecret: "p@ss",
		},
		{
			name:       "post",
			form:       url.Values{"client_id": {"c1"}, "client_secret": {"s1"}},
			wantID:     "c1",
			wantSecret: "s1",
		},
		{
			name:   "public",
			form:   url.Values{"client_id": {"c1"}},
			wantID: "c1",
		},
		{
			name:      "both methods",
			form:      url.Values{"client_secret": {"s1"}},
			basicUser: "c1",
			basicPass: "s1",
			wantKind:  server.KindInvalidRequest,
		},
		{
			name:      "mismatched client_id",
			form:      url.Values{"client_id": {"other"}},
			basicUser: "c1",
			basicPass: "s1",
			wantKind:  server.KindInvalidRequest,
		},
		{
			name:     "no credentials",
			form:     url.Values{},
			wantKind: server.KindInvalidClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := postForm(PathToken, tt.form, tt.basicUser, tt.basicPass)
			require.NoError(t, req.ParseForm())

			auth, err := env.handler.clientAuth(req)
			if tt.wantKind != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, server.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, auth.ClientID)
			assert.Equal(t, tt.wantSecret, auth.ClientSecret)
			assert.NotEmpty(t, auth.IPAddress)
		})
	}
}

func TestValidateTokenAndRequireScope(t *testing.T) {
	env := newTestEnv(t, nil)

	protected := env.handler.ValidateToken(env.handler.RequireScope("api")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := TokenInfoFromContext(r.Context())
			if !ok {
				t.Error("token info missing from context")
			}
			_, _ = io.WriteString(w, info.ClientID)
		})))

	call := func(authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/resource", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, req)
		return w
	}

	t.Run("missing header", func(t *testing.T) {
		w := call("")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), `realm="`+testIssuer+`"`)
	})

	t.Run("malformed header", func(t *testing.T) {
		w := call("Basic abc")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="invalid_request"`)
	})

	t.Run("unknown token", func(t *testing.T) {
		w := call("Bearer not-a-token")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing scope", func(t *testing.T) {
		token := env.clientCredentialsToken(t, "email")
		w := call("Bearer " + token)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="insufficient_scope"`)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), `scope="api"`)
	})

	t.Run("granted", func(t *testing.T) {
		token := env.clientCredentialsToken(t, "api")
		w := call("bearer " + token)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, testClientID, w.Body.String())
	})
}

func TestRequireScope_WithoutValidateToken(t *testing.T) {
	env := newTestEnv(t, nil)

	h := env.handler.RequireScope("api")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resource", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFormatWWWAuthenticate(t *testing.T) {
	env := newTestEnv(t, nil)

	got := env.handler.formatWWWAuthenticate("api", "invalid_token", `bad "token"`)
	assert.Equal(t, `Bearer realm="https://auth.example.com", scope="api", error="invalid_token", error_description="bad \"token\""`, got)

	assert.Equal(t, `a\\b\"c`, quoteEscape(`a\b"c`))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(_ *server.Config, c *Config) {
		c.RateLimit = RateLimitConfig{Rate: 1, Burst: 1}
	})

	form := url.Values{"grant_type": {"client_credentials"}, "scope": {"api"}}
	w := env.do(postForm(PathToken, form, testClientID, testClientSecret))
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(postForm(PathToken, form, testClientID, testClientSecret))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Discovery is not limited
	w = env.do(httptest.NewRequest(http.MethodGet, PathDiscovery, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(httptest.NewRequest(http.MethodGet, PathHealthz, nil))
	env.do(httptest.NewRequest(http.MethodGet, "/no-such-path", nil))

	w := env.do(httptest.NewRequest(http.MethodGet, PathMetrics, nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `authserver_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
	assert.Contains(t, body, `route="unmatched"`)
}
