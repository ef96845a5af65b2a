package authserver

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authserver/internal/testutil"
)

func TestServeToken_ClientCredentials(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(postForm(PathToken, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"api unknown"},
	}, testClientID, testClientSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp TokenResponse
	decodeJSON(t, w, &resp)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "api", resp.Scope, "unknown scopes are dropped")
	assert.Positive(t, resp.ExpiresIn)
	assert.Empty(t, resp.RefreshToken)
	assert.Empty(t, resp.IDToken)
}

func TestServeToken_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name       string
		form       url.Values
		clientID   string
		secret     string
		wantStatus int
		wantError  string
	}{
		{
			name:       "wrong secret",
			form:       url.Values{"grant_type": {"client_credentials"}},
			clientID:   testClientID,
			secret:     "wrong",
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrorCodeInvalidClient,
		},
		{
			name:       "no client",
			form:       url.Values{"grant_type": {"client_credentials"}},
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrorCodeInvalidClient,
		},
		{
			name:       "unsupported grant",
			form:       url.Values{"grant_type": {"password"}},
			clientID:   testClientID,
			secret:     testClientSecret,
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeUnsupportedGrantType,
		},
		{
			name:       "unknown code",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"nope"}, "redirect_uri": {testRedirectURI}, "code_verifier": {testutil.GenerateRandomString(43)}},
			clientID:   testClientID,
			secret:     testClientSecret,
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
		{
			name:       "unknown refresh token",
			form:       url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"nope"}},
			clientID:   testClientID,
			secret:     testClientSecret,
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
		{
			name:       "scope outside registration",
			form:       url.Values{"grant_type": {"client_credentials"}, "scope": {"admin"}},
			clientID:   testClientID,
			secret:     testClientSecret,
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(postForm(PathToken, tt.form, tt.clientID, tt.secret))
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp ErrorResponse
			decodeJSON(t, w, &resp)
			assert.Equal(t, tt.wantError, resp.Error)

			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, `Basic realm="https://auth.example.com"`, w.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestServeToken_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(newGet(PathToken))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServeTokenRevocation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.clientCredentialsToken(t, "api")

	introspect := func() IntrospectionResponse {
		w := env.do(postForm(PathIntrospect, url.Values{"token": {token}}, testClientID, testClientSecret))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp IntrospectionResponse
		decodeJSON(t, w, &resp)
		return resp
	}
	require.True(t, introspect().Active)

	w := env.do(postForm(PathRevoke, url.Values{"token": {token}}, testClientID, testClientSecret))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.False(t, introspect().Active)

	// Unknown tokens and repeated revocations still answer 200
	w = env.do(postForm(PathRevoke, url.Values{"token": {token}}, testClientID, testClientSecret))
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(postForm(PathRevoke, url.Values{"token": {"unknown"}}, testClientID, testClientSecret))
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(postForm(PathRevoke, url.Values{}, testClientID, testClientSecret))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(postForm(PathRevoke, url.Values{"token": {token}}, testClientID, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeTokenRevocation_OtherClientsToken(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.SaveClient(context.Background(), testutil.GenerateTestClient("other", testClientSecret)))

	token := env.clientCredentialsToken(t, "api")

	w := env.do(postForm(PathRevoke, url.Values{"token": {token}}, "other", testClientSecret))
	assert.Equal(t, http.StatusOK, w.Code, "RFC 7009 hides whether the token exists")

	w = env.do(postForm(PathIntrospect, url.Values{"token": {token}}, testClientID, testClientSecret))
	var resp IntrospectionResponse
	decodeJSON(t, w, &resp)
	assert.True(t, resp.Active, "another client cannot revoke the token")
}

func TestServeTokenIntrospection(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.clientCredentialsToken(t, "api email")

	w := env.do(postForm(PathIntrospect, url.Values{"token": {token}}, testClientID, testClientSecret))
	require.Equal(t, http.StatusOK, w.Code)

	var resp IntrospectionResponse
	decodeJSON(t, w, &resp)
	assert.True(t, resp.Active)
	assert.Equal(t, "api email", resp.Scope)
	assert.Equal(t, testClientID, resp.ClientID)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, testIssuer, resp.Issuer)
	assert.Greater(t, resp.ExpiresAt, resp.IssuedAt)
	assert.NotEmpty(t, resp.JTI)

	t.Run("unknown token", func(t *testing.T) {
		w := env.do(postForm(PathIntrospect, url.Values{"token": {"unknown"}}, testClientID, testClientSecret))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"active":false}`, w.Body.String())
	})

	t.Run("public client", func(t *testing.T) {
		require.NoError(t, env.store.SaveClient(context.Background(), testutil.GenerateTestPublicClient("spa")))
		w := env.do(postForm(PathIntrospect, url.Values{"token": {token}, "client_id": {"spa"}}, "", ""))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		w := env.do(postForm(PathIntrospect, url.Values{}, testClientID, testClientSecret))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
