package authserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/authserver/identity"
	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/security"
	"github.com/giantswarm/authserver/server"
	"github.com/giantswarm/authserver/storage"
)

// maxRegisterBodyBytes bounds the JSON body of a registration request
const maxRegisterBodyBytes = 64 << 10

// authorizeParams are the request parameters carried through the login and
// consent pages back to the authorization endpoint
var authorizeParams = []string{
	"response_type",
	"client_id",
	"redirect_uri",
	"scope",
	"state",
	"code_challenge",
	"code_challenge_method",
	"nonce",
	"prompt",
}

// ServeAuthorize handles the authorization endpoint (RFC 6749 Section 3.1).
// GET and POST are both accepted, as OpenID Connect Core 3.1.2.1 requires.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "oauth.http.authorize")
	defer span.End()

	params := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			h.renderMessage(w, http.StatusBadRequest, "Invalid request", "The authorization request could not be parsed.")
			return
		}
		params = r.PostForm
	}
	params = filterParams(params)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, params.Get("client_id")))

	result, err := h.server.Authorize(ctx, server.ParseAuthorizeRequest(params), h.sessionID(r))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizeError(w, r, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.completeAuthorize(w, r, result, params)
}

// completeAuthorize sends the user agent where result says
func (h *Handler) completeAuthorize(w http.ResponseWriter, r *http.Request, result *server.AuthorizeResult, params url.Values) {
	switch result.Action {
	case server.ActionLogin:
		// Coming back from the login page must not ask for a login again
		returnTo := PathAuthorize + "?" + withoutPrompt(params, server.PromptLogin).Encode()
		target := withQuery(h.server.Config.LoginURL, url.Values{"return_to": {returnTo}})
		http.Redirect(w, r, target, http.StatusFound)
	case server.ActionConsent:
		http.Redirect(w, r, withQuery(h.server.Config.ConsentURL, params), http.StatusFound)
	default:
		if result.Err != nil {
			h.logger.Debug("Authorization request rejected",
				"client_id", result.Client.ClientID,
				"error", result.Err.Code())
		}
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	}
}

// writeAuthorizeError renders an error that must not be sent to the
// client's redirect URI, because the client or the URI cannot be trusted
func (h *Handler) writeAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	e := server.AsError(err)
	switch e.Kind {
	case server.KindTransientStoreFailure:
		h.logger.Error("Authorization request failed", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "1")
		h.renderMessage(w, http.StatusServiceUnavailable, "Temporarily unavailable", "Please try again in a moment.")
	case server.KindServerError:
		h.logger.Error("Authorization request failed", "path", r.URL.Path, "error", err)
		h.renderMessage(w, http.StatusInternalServerError, "Something went wrong", "The request could not be completed.")
	default:
		h.logger.Debug("Authorization request rejected", "path", r.URL.Path, "kind", e.Kind.String(), "error", err)
		h.renderMessage(w, http.StatusBadRequest, "Invalid request", e.Description)
	}
}

// ServeLogin shows the sign-in form on GET and authenticates the user on POST.
// A successful login starts a new session and returns the user to return_to.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.renderPage(w, http.StatusOK, loginPageTmpl, loginPageData{
			Action:   PathLogin,
			ReturnTo: safeReturnTo(r.URL.Query().Get("return_to")),
		})
		return
	}

	ctx, span := h.startSpan(r, "oauth.http.login")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.renderMessage(w, http.StatusBadRequest, "Invalid request", "The sign-in form could not be parsed.")
		return
	}
	ip := h.clientIP(r)
	email := r.PostForm.Get("email")
	returnTo := safeReturnTo(r.PostForm.Get("return_to"))

	user, err := h.users.Authenticate(ctx, email, r.PostForm.Get("password"))
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.server.Auditor.LogLogin("", ip, false)
			h.renderPage(w, http.StatusUnauthorized, loginPageTmpl, loginPageData{
				Action:   PathLogin,
				ReturnTo: returnTo,
				Email:    email,
				Error:    "Invalid email or password",
			})
			return
		}
		h.writeAuthorizeError(w, r, classifyUserError(err))
		return
	}

	// A fresh session ID on every login; the previous one is discarded
	if old := h.sessionID(r); old != "" {
		if err := h.server.Logout(ctx, old); err != nil {
			h.logger.Warn("Failed to discard previous session", "error", err)
		}
	}

	session, err := h.server.Login(ctx, user.ID)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizeError(w, r, err)
		return
	}

	h.setSessionCookie(w, session)
	h.server.Auditor.LogLogin(user.ID, ip, true)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

// ServeRegister creates a user account from a JSON RegisterRequest
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	if h.config.DisableRegistration {
		http.NotFound(w, r)
		return
	}

	ctx, span := h.startSpan(r, "oauth.http.register")
	defer span.End()

	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegisterBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Request body must be a JSON object", http.StatusBadRequest)
		return
	}

	user, err := h.users.Register(ctx, req.Email, req.Password, req.Name)
	if err != nil {
		instrumentation.RecordError(span, err)
		switch {
		case errors.Is(err, identity.ErrEmailTaken):
			h.writeError(w, ErrorCodeInvalidRequest, "Email address is already registered", http.StatusConflict)
		case errors.Is(err, identity.ErrInvalidEmail), errors.Is(err, identity.ErrWeakPassword):
			h.writeError(w, ErrorCodeInvalidRequest, err.Error(), http.StatusBadRequest)
		default:
			h.writeServerError(w, r, classifyUserError(err))
		}
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusCreated, RegisterResponse{ID: user.ID, Email: user.Email, Name: user.Name})
}

// ServeConsent shows the consent page on GET and records the decision on POST
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		h.serveConsentDecision(w, r)
		return
	}

	ctx, span := h.startSpan(r, "oauth.http.consent")
	defer span.End()

	params := filterParams(r.URL.Query())
	sid := h.sessionID(r)
	result, err := h.server.Authorize(ctx, server.ParseAuthorizeRequest(params), sid)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizeError(w, r, err)
		return
	}
	if result.Action != server.ActionConsent {
		h.completeAuthorize(w, r, result, params)
		return
	}

	name := result.Client.ClientName
	if name == "" {
		name = result.Client.ClientID
	}
	h.renderPage(w, http.StatusOK, consentPageTmpl, consentPageData{
		Action:     PathConsent,
		ClientName: name,
		Scopes:     result.Scopes,
		Params:     params,
		CSRFToken:  consentCSRFToken(sid),
	})
}

func (h *Handler) serveConsentDecision(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "oauth.http.consent_decision")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.renderMessage(w, http.StatusBadRequest, "Invalid request", "The consent form could not be parsed.")
		return
	}

	sid := h.sessionID(r)
	if sid == "" || !validConsentCSRFToken(r.PostForm.Get("csrf_token"), sid) {
		h.logger.Warn("Consent form rejected", "ip", h.clientIP(r), "reason", "csrf_mismatch")
		h.renderMessage(w, http.StatusForbidden, "Invalid request", "The consent form has expired. Please start again.")
		return
	}

	params := filterParams(r.PostForm)
	req := server.ParseAuthorizeRequest(params)

	var (
		result *server.AuthorizeResult
		err    error
	)
	switch r.PostForm.Get("decision") {
	case "allow":
		result, err = h.server.ApproveConsent(ctx, req, sid)
	case "deny":
		result, err = h.server.DenyConsent(ctx, req, sid)
	default:
		h.renderMessage(w, http.StatusBadRequest, "Invalid request", "No consent decision was made.")
		return
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizeError(w, r, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
	h.completeAuthorize(w, r, result, params)
}

// ============================================================
// Session cookie
// ============================================================

func (h *Handler) sessionID(r *http.Request) string {
	c, err := r.Cookie(h.config.SessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, session *storage.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		MaxAge:   int(h.server.Config.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) secureCookies() bool {
	return strings.HasPrefix(h.server.Config.Issuer, "https://")
}

// consentCSRFToken binds the consent form to the session that rendered it
func consentCSRFToken(sessionID string) string {
	return storage.Fingerprint("consent:" + sessionID)
}

func validConsentCSRFToken(token, sessionID string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(consentCSRFToken(sessionID))) == 1
}

// ============================================================
// Helpers
// ============================================================

// filterParams keeps only authorization request parameters
func filterParams(in url.Values) url.Values {
	out := url.Values{}
	for _, name := range authorizeParams {
		if v := in.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	return out
}

// withoutPrompt returns a copy of params with value removed from prompt
func withoutPrompt(params url.Values, value string) url.Values {
	out := url.Values{}
	for k, vs := range params {
		out[k] = append([]string(nil), vs...)
	}
	var kept []string
	for _, p := range strings.Fields(params.Get("prompt")) {
		if p != value {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		out.Del("prompt")
	} else {
		out.Set("prompt", strings.Join(kept, " "))
	}
	return out
}

// withQuery adds params to rawURL, keeping any query it already has
func withQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// safeReturnTo accepts only local absolute paths, so the login page cannot
// be used as an open redirector
func safeReturnTo(returnTo string) string {
	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") || strings.HasPrefix(returnTo, `/\`) {
		return "/"
	}
	u, err := url.Parse(returnTo)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return returnTo
}

// classifyUserError maps user store failures onto server error kinds
func classifyUserError(err error) error {
	if storage.IsTransient(err) {
		return &server.Error{Kind: server.KindTransientStoreFailure, Description: "temporarily unavailable", Err: err}
	}
	return &server.Error{Kind: server.KindServerError, Description: "internal server error", Err: err}
}
