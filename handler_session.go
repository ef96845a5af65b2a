package authserver

import (
	"context"
	"net/http"
	"net/url"
	"slices"

	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/security"
	"github.com/giantswarm/authserver/server"
)

// ServeUserInfo handles the OpenID Connect UserInfo endpoint.
// The access token comes from the Authorization header, or from the
// access_token form field of a POST (RFC 6750 Section 2.2).
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "oauth.http.userinfo")
	defer span.End()

	var accessToken string
	if r.Header.Get("Authorization") == "" && r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			accessToken = r.PostForm.Get("access_token")
		}
	}
	if accessToken == "" {
		var ok bool
		if accessToken, ok = h.extractBearerToken(w, r); !ok {
			return
		}
	}

	claims, err := h.server.UserInfo(ctx, accessToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		if e := server.AsError(err); e.Kind == server.KindInvalidToken {
			h.writeUnauthorizedError(w, ErrorCodeInvalidToken, e.Description)
			return
		}
		h.writeServerError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, claims)
}

// ServeEndSession handles OpenID Connect RP-Initiated Logout.
// The browser session and every token issued in it are revoked. The user
// agent is sent to post_logout_redirect_uri only when the URI is registered
// for the client named by client_id or by the id_token_hint audience.
func (h *Handler) ServeEndSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "oauth.http.end_session")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.renderMessage(w, http.StatusBadRequest, "Invalid request", "The logout request could not be parsed.")
		return
	}

	if err := h.server.EndSession(ctx, h.sessionID(r)); err != nil {
		instrumentation.RecordError(span, err)
		h.writeAuthorizeError(w, r, err)
		return
	}
	h.clearSessionCookie(w)
	instrumentation.SetSpanSuccess(span)

	if target := h.postLogoutRedirect(ctx, r.Form); target != "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	h.renderMessage(w, http.StatusOK, "Signed out", "You have been signed out.")
}

// postLogoutRedirect returns where to send the user after logout, or ""
// when the request names no redirect that can be trusted
func (h *Handler) postLogoutRedirect(ctx context.Context, params url.Values) string {
	uri := params.Get("post_logout_redirect_uri")
	if uri == "" {
		return ""
	}

	clientID := params.Get("client_id")
	if hint := params.Get("id_token_hint"); hint != "" {
		claims, err := h.server.VerifyIDToken(ctx, hint, true)
		if err != nil {
			h.logger.Debug("Ignoring post_logout_redirect_uri", "reason", "invalid_id_token_hint", "error", err)
			return ""
		}
		if len(claims.Audience) == 0 {
			return ""
		}
		if clientID != "" && !slices.Contains(claims.Audience, clientID) {
			h.logger.Debug("Ignoring post_logout_redirect_uri", "reason", "client_id_mismatch")
			return ""
		}
		clientID = claims.Audience[0]
	}
	if clientID == "" {
		return ""
	}

	client, err := h.server.Clients().Lookup(ctx, clientID)
	if err != nil {
		h.logger.Debug("Ignoring post_logout_redirect_uri", "reason", "unknown_client", "client_id", clientID)
		return ""
	}
	if !h.server.Clients().ValidatePostLogoutRedirectURI(client, uri) {
		h.logger.Warn("Unregistered post_logout_redirect_uri", "client_id", clientID)
		return ""
	}

	if state := params.Get("state"); state != "" {
		return withQuery(uri, url.Values{"state": {state}})
	}
	return uri
}
