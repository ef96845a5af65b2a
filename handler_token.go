package authserver

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/security"
	"github.com/giantswarm/authserver/server"
	"github.com/giantswarm/authserver/storage"
)

// ServeToken handles the token endpoint (RFC 6749 Section 3.2)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "oauth.http.token")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		instrumentation.SetSpanError(span, "malformed form")
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	auth, err := h.clientAuth(r)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, r, err)
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, auth.ClientID))

	grant, err := server.ParseGrant(r.PostForm.Get("grant_type"), r.PostForm)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, r, err)
		return
	}

	set, err := h.server.Exchange(ctx, auth, grant)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, r, err)
		return
	}

	h.logger.Info("Token request granted",
		"grant_type", grant.GrantType(),
		"client_id", auth.ClientID,
		"ip", auth.IPAddress)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, set)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// The response is 200 whether or not the token existed.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "oauth.http.token_revocation")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	auth, err := h.clientAuth(r)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	client, err := h.server.Clients().Authenticate(ctx, auth.ClientID, auth.ClientSecret)
	if err != nil {
		h.logAuthFailure(auth, "revocation_auth_failed")
		instrumentation.RecordError(span, err)
		h.writeServerError(w, r, err)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	if err := h.server.RevokeToken(ctx, token, client.ClientID); err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// Only confidential clients may introspect, which keeps the endpoint from
// being used to probe for valid tokens.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "oauth.http.token_introspection")
	defer span.End()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	auth, err := h.clientAuth(r)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	client, err := h.server.Clients().Authenticate(ctx, auth.ClientID, auth.ClientSecret)
	if err == nil && client.IsPublic() {
		err = server.NewError(server.KindInvalidClient, "client authentication failed")
	}
	if err != nil {
		h.logAuthFailure(auth, "introspection_auth_failed")
		instrumentation.RecordError(span, err)
		h.writeServerError(w, r, err)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}

	info, err := h.server.Introspect(ctx, token)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeServerError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, h.buildIntrospectionResponse(info))
}

func (h *Handler) buildIntrospectionResponse(info *server.Introspection) IntrospectionResponse {
	if !info.Active {
		return IntrospectionResponse{Active: false}
	}

	resp := IntrospectionResponse{
		Active:    true,
		Scope:     strings.Join(info.Scopes, " "),
		ClientID:  info.ClientID,
		Subject:   info.SubjectID,
		TokenType: "refresh_token",
		Issuer:    h.server.Config.Issuer,
		JTI:       info.TokenID,
	}
	if info.Kind == storage.TokenKindAccess {
		resp.TokenType = server.TokenTypeBearer
	}
	if !info.IssuedAt.IsZero() {
		resp.IssuedAt = info.IssuedAt.Unix()
	}
	if !info.ExpiresAt.IsZero() {
		resp.ExpiresAt = info.ExpiresAt.Unix()
	}
	return resp
}

// logAuthFailure logs client authentication failures with optional auditing.
func (h *Handler) logAuthFailure(auth server.ClientAuth, reason string) {
	h.logger.Warn("Client authentication failed", "client_id", auth.ClientID, "ip", auth.IPAddress, "reason", reason)
	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure(auth.ClientID, auth.IPAddress, reason)
	}
}
