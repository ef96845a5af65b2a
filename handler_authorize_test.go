package authserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/giantswarm/authserver/server"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func newGet(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, target, nil)
}

func withCookie(req *http.Request, c *http.Cookie) *http.Request {
	if c != nil {
		req.AddCookie(c)
	}
	return req
}

// authorizeQuery is a valid authorization request for the test client
func authorizeQuery(extra url.Values) url.Values {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid email"},
		"state":                 {"xyz"},
		"nonce":                 {"n-0S6_WzA2Mj"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(testVerifier)},
		"code_challenge_method": {"S256"},
	}
	for k, v := range extra {
		q[k] = v
	}
	return q
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == DefaultSessionCookieName {
			return c
		}
	}
	t.Fatalf("no session cookie in response (status %d)", w.Code)
	return nil
}

func location(t *testing.T, w *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return loc
}

// signIn registers the test user and logs in, returning the session cookie
func (e *testEnv) signIn(t *testing.T) *http.Cookie {
	t.Helper()
	_, err := e.users.Register(context.Background(), testEmail, testPassword, "Alice")
	require.NoError(t, err)

	w := e.do(postForm(PathLogin, url.Values{
		"email":     {testEmail},
		"password":  {testPassword},
		"return_to": {"/"},
	}, "", ""))
	require.Equal(t, http.StatusSeeOther, w.Code, w.Body.String())
	return sessionCookie(t, w)
}

func TestAuthorizeFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.users.Register(context.Background(), testEmail, testPassword, "Alice")
	require.NoError(t, err)

	// Without a session the user is sent to the login page
	w := env.do(newGet(PathAuthorize + "?" + authorizeQuery(nil).Encode()))
	require.Equal(t, http.StatusFound, w.Code)
	loc := location(t, w)
	assert.Equal(t, PathLogin, loc.Path)
	returnTo := loc.Query().Get("return_to")
	assert.True(t, strings.HasPrefix(returnTo, PathAuthorize+"?"), returnTo)

	w = env.do(newGet(loc.String()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `name="return_to"`)

	// Sign in and come back
	w = env.do(postForm(PathLogin, url.Values{
		"email":     {testEmail},
		"password":  {testPassword},
		"return_to": {returnTo},
	}, "", ""))
	require.Equal(t, http.StatusSeeOther, w.Code, w.Body.String())
	assert.Equal(t, returnTo, w.Header().Get("Location"))
	cookie := sessionCookie(t, w)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	// First visit asks for consent
	w = env.do(withCookie(newGet(returnTo), cookie))
	require.Equal(t, http.StatusFound, w.Code)
	loc = location(t, w)
	assert.Equal(t, PathConsent, loc.Path)

	w = env.do(withCookie(newGet(loc.String()), cookie))
	require.Equal(t, http.StatusOK, w.Code)
	page := w.Body.String()
	assert.Contains(t, page, "Test Client")
	assert.Contains(t, page, "<li>email</li>")
	assert.Contains(t, page, consentCSRFToken(cookie.Value))

	form := loc.Query()
	form.Set("csrf_token", consentCSRFToken(cookie.Value))
	form.Set("decision", "allow")
	w = env.do(withCookie(postForm(PathConsent, form, "", ""), cookie))
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	callback := location(t, w)
	assert.Equal(t, "app.example.com", callback.Host)
	assert.Equal(t, "xyz", callback.Query().Get("state"))
	assert.Equal(t, testIssuer, callback.Query().Get("iss"))
	code := callback.Query().Get("code")
	require.NotEmpty(t, code)

	// Redeem the code
	w = env.do(postForm(PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testVerifier},
	}, testClientID, testClientSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tokens TokenResponse
	decodeJSON(t, w, &tokens)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.NotEmpty(t, tokens.IDToken)

	claims, err := env.server.VerifyIDToken(context.Background(), tokens.IDToken, false)
	require.NoError(t, err)
	assert.Equal(t, "n-0S6_WzA2Mj", claims.Nonce)

	// A second authorization skips consent
	w = env.do(withCookie(newGet(PathAuthorize+"?"+authorizeQuery(nil).Encode()), cookie))
	require.Equal(t, http.StatusFound, w.Code)
	assert.NotEmpty(t, location(t, w).Query().Get("code"))
}

func TestAuthorize_NonRedirectableErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name  string
		query url.Values
	}{
		{name: "unknown client", query: authorizeQuery(url.Values{"client_id": {"nope"}})},
		{name: "unregistered redirect", query: authorizeQuery(url.Values{"redirect_uri": {"https://evil.example.com/cb"}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(newGet(PathAuthorize + "?" + tt.query.Encode()))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, w.Header().Get("Location"))
			assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
		})
	}
}

func TestAuthorize_RedirectedErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name      string
		extra     url.Values
		wantError string
	}{
		{name: "response type", extra: url.Values{"response_type": {"token"}}, wantError: ErrorCodeUnsupportedResponseType},
		{name: "missing pkce", extra: url.Values{"code_challenge": {""}}, wantError: ErrorCodeInvalidRequest},
		{name: "prompt none signed out", extra: url.Values{"prompt": {"none"}}, wantError: ErrorCodeLoginRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(newGet(PathAuthorize + "?" + authorizeQuery(tt.extra).Encode()))
			require.Equal(t, http.StatusFound, w.Code)
			loc := location(t, w)
			assert.Equal(t, "app.example.com", loc.Host)
			assert.Equal(t, tt.wantError, loc.Query().Get("error"))
			assert.Equal(t, "xyz", loc.Query().Get("state"))
		})
	}
}

func TestAuthorize_PromptLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.signIn(t)

	w := env.do(withCookie(newGet(PathAuthorize+"?"+authorizeQuery(url.Values{"prompt": {"login consent"}}).Encode()), cookie))
	require.Equal(t, http.StatusFound, w.Code)
	loc := location(t, w)
	require.Equal(t, PathLogin, loc.Path)

	returnTo, err := url.Parse(loc.Query().Get("return_to"))
	require.NoError(t, err)
	assert.Equal(t, "consent", returnTo.Query().Get("prompt"), "login is dropped from prompt after signing in")
}

func TestAuthorize_POST(t *testing.T) {
	env := newTestEnv(t, func(c *server.Config, _ *Config) {
		c.ConsentPolicy = server.ConsentPolicyImplicit
	})
	cookie := env.signIn(t)

	w := env.do(withCookie(postForm(PathAuthorize, authorizeQuery(nil), "", ""), cookie))
	require.Equal(t, http.StatusFound, w.Code)
	assert.NotEmpty(t, location(t, w).Query().Get("code"))
}

func TestConsent_Deny(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.signIn(t)

	form := authorizeQuery(nil)
	form.Set("csrf_token", consentCSRFToken(cookie.Value))
	form.Set("decision", "deny")
	w := env.do(withCookie(postForm(PathConsent, form, "", ""), cookie))
	require.Equal(t, http.StatusFound, w.Code)

	loc := location(t, w)
	assert.Equal(t, ErrorCodeAccessDenied, loc.Query().Get("error"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Empty(t, loc.Query().Get("code"))
}

func TestConsent_RejectsForgedForm(t *testing.T) {
	env := newTestEnv(t, nil)
	cookie := env.signIn(t)

	tests := []struct {
		name   string
		cookie *http.Cookie
		token  string
	}{
		{name: "wrong token", cookie: cookie, token: "forged"},
		{name: "no session", cookie: nil, token: consentCSRFToken(cookie.Value)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := authorizeQuery(nil)
			form.Set("csrf_token", tt.token)
			form.Set("decision", "allow")
			w := env.do(withCookie(postForm(PathConsent, form, "", ""), tt.cookie))
			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.Empty(t, w.Header().Get("Location"))
		})
	}

	form := authorizeQuery(nil)
	form.Set("csrf_token", consentCSRFToken(cookie.Value))
	w := env.do(withCookie(postForm(PathConsent, form, "", ""), cookie))
	assert.Equal(t, http.StatusBadRequest, w.Code, "a decision is required")
}

func TestConsent_GETWithoutPendingConsent(t *testing.T) {
	env := newTestEnv(t, nil)

	// Signed out: the consent page forwards to login
	w := env.do(newGet(PathConsent + "?" + authorizeQuery(nil).Encode()))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, PathLogin, location(t, w).Path)
}

func TestServeLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.users.Register(context.Background(), testEmail, testPassword, "Alice")
	require.NoError(t, err)

	t.Run("wrong password", func(t *testing.T) {
		w := env.do(postForm(PathLogin, url.Values{
			"email":     {testEmail},
			"password":  {"not the password"},
			"return_to": {"/connect/authorize?x=1"},
		}, "", ""))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid email or password")
		assert.Contains(t, w.Body.String(), testEmail)
		assert.Empty(t, w.Result().Cookies())
	})

	t.Run("open redirect", func(t *testing.T) {
		w := env.do(postForm(PathLogin, url.Values{
			"email":     {testEmail},
			"password":  {testPassword},
			"return_to": {"https://evil.example.com/"},
		}, "", ""))
		require.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, "/", w.Header().Get("Location"))
	})

	t.Run("new session replaces old", func(t *testing.T) {
		form := url.Values{"email": {testEmail}, "password": {testPassword}}
		first := sessionCookie(t, env.do(postForm(PathLogin, form, "", "")))
		second := sessionCookie(t, env.do(withCookie(postForm(PathLogin, form, "", ""), first)))
		assert.NotEqual(t, first.Value, second.Value)

		_, ok, err := env.server.IsAuthenticated(context.Background(), first.Value)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSafeReturnTo(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: "/"},
		{in: "/connect/authorize?a=b", want: "/connect/authorize?a=b"},
		{in: "//evil.example.com", want: "/"},
		{in: `/\evil.example.com`, want: "/"},
		{in: "https://evil.example.com", want: "/"},
		{in: "relative", want: "/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, safeReturnTo(tt.in), "safeReturnTo(%q)", tt.in)
	}
}

func TestWithoutPrompt(t *testing.T) {
	params := url.Values{"prompt": {"login consent"}, "state": {"s"}}

	got := withoutPrompt(params, server.PromptLogin)
	assert.Equal(t, "consent", got.Get("prompt"))
	assert.Equal(t, "s", got.Get("state"))
	assert.Equal(t, "login consent", params.Get("prompt"), "input is not modified")

	got = withoutPrompt(url.Values{"prompt": {"login"}}, server.PromptLogin)
	_, ok := got["prompt"]
	assert.False(t, ok)
}

func TestServeRegister(t *testing.T) {
	env := newTestEnv(t, nil)

	register := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, PathRegister, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return env.do(req)
	}

	w := register(`{"email":"Bob@Example.com","password":"long enough","name":"Bob"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp RegisterResponse
	decodeJSON(t, w, &resp)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "bob@example.com", resp.Email)
	assert.Equal(t, "Bob", resp.Name)

	w = register(`{"email":"bob@example.com","password":"long enough"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = register(`{"email":"not-an-email","password":"long enough"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = register(`{"email":"carol@example.com","password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = register(`not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeRegister_Disabled(t *testing.T) {
	env := newTestEnv(t, func(_ *server.Config, c *Config) {
		c.DisableRegistration = true
	})

	req := httptest.NewRequest(http.MethodPost, PathRegister, strings.NewReader(`{}`))
	w := env.do(req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
