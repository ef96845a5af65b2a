package authserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/authserver/identity"
	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/security"
	"github.com/giantswarm/authserver/server"
)

// Handler is a thin HTTP adapter for the authorization server.
// It parses requests, delegates to server.Server and renders responses.
type Handler struct {
	server  *server.Server
	users   *identity.Service
	config  Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *security.RateLimiter
	metrics *httpMetrics
}

// NewHandler creates the HTTP handler. users backs the login and
// registration pages.
func NewHandler(srv *server.Server, users *identity.Service, config Config) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user service is required")
	}
	config.applyDefaults()

	metrics, err := newHTTPMetrics(config.MetricsRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to register HTTP metrics: %w", err)
	}

	h := &Handler{
		server:  srv,
		users:   users,
		config:  config,
		logger:  config.Logger,
		tracer:  srv.Instrumentation().Tracer("http"),
		metrics: metrics,
	}
	if config.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, config.RateLimit.MaxEntries, h.logger)
	}
	return h, nil
}

// Close stops background work of the handler
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// ============================================================
// Client authentication
// ============================================================

// clientAuth reads client credentials from HTTP Basic (client_secret_basic)
// or the form (client_secret_post, or client_id alone for public clients).
// Using both methods in one request is an error (RFC 6749 Section 2.3).
func (h *Handler) clientAuth(r *http.Request) (server.ClientAuth, error) {
	auth := server.ClientAuth{IPAddress: h.clientIP(r)}

	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	if user, pass, ok := r.BasicAuth(); ok {
		if formSecret != "" {
			return auth, server.NewError(server.KindInvalidRequest, "multiple client authentication methods used")
		}
		// RFC 6749 Section 2.3.1: credentials are form-urlencoded before Basic encoding
		id, err := url.QueryUnescape(user)
		if err != nil {
			return auth, server.NewError(server.KindInvalidClient, "client authentication failed")
		}
		secret, err := url.QueryUnescape(pass)
		if err != nil {
			return auth, server.NewError(server.KindInvalidClient, "client authentication failed")
		}
		if formID != "" && formID != id {
			return auth, server.NewError(server.KindInvalidRequest, "client_id does not match the authenticated client")
		}
		auth.ClientID = id
		auth.ClientSecret = secret
		return auth, nil
	}

	if formID == "" {
		return auth, server.NewError(server.KindInvalidClient, "client authentication failed")
	}
	auth.ClientID = formID
	auth.ClientSecret = formSecret
	return auth, nil
}

// ============================================================
// Responses
// ============================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, set *server.TokenSet) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  set.AccessToken,
		TokenType:    set.TokenType,
		ExpiresIn:    set.ExpiresIn,
		RefreshToken: set.RefreshToken,
		Scope:        strings.Join(set.Scopes, " "),
		IDToken:      set.IDToken,
	})
}

// writeError writes an OAuth error body. A 401 invalid_client carries a
// Basic challenge; a 503 asks the client to retry shortly.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, h.realm()))
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	h.writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: description})
}

// writeServerError renders err returned by a server operation. Only the
// client-safe description is sent; the cause stays in the debug log.
func (h *Handler) writeServerError(w http.ResponseWriter, r *http.Request, err error) {
	e := server.AsError(err)
	if e.Kind == server.KindServerError || e.Kind == server.KindTransientStoreFailure {
		h.logger.Error("Request failed", "path", r.URL.Path, "kind", e.Kind.String(), "error", err)
	} else {
		h.logger.Debug("Request rejected", "path", r.URL.Path, "kind", e.Kind.String(), "error", err)
	}
	h.writeError(w, e.Code(), e.Description, e.Status())
}

// writeUnauthorizedError writes a 401 with a Bearer challenge (RFC 6750 Section 3)
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate("", code, description))
	h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: code, ErrorDescription: description})
}

// writeInsufficientScopeError writes a 403 naming the scopes the resource needs
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("WWW-Authenticate",
		h.formatWWWAuthenticate(strings.Join(requiredScopes, " "), ErrorCodeInsufficientScope, description))
	h.writeJSON(w, http.StatusForbidden, ErrorResponse{Error: ErrorCodeInsufficientScope, ErrorDescription: description})
}

// formatWWWAuthenticate formats a Bearer challenge per RFC 6750 Section 3.
// Values are escaped as HTTP quoted-strings.
//
// Example output:
//
//	Bearer realm="https://auth.example.com", error="invalid_token", error_description="Token has expired"
func (h *Handler) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`realm="%s"`, quoteEscape(h.realm()))}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}
	return "Bearer " + strings.Join(params, ", ")
}

func (h *Handler) realm() string {
	if h.server.Config.Issuer != "" {
		return h.server.Config.Issuer
	}
	return "authserver"
}

// quoteEscape escapes backslashes first, then quotes
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// ============================================================
// Protecting resources
// ============================================================

type contextKey string

const tokenInfoKey contextKey = "token_info"

// TokenInfoFromContext returns the access token validated by ValidateToken
func TokenInfoFromContext(ctx context.Context) (*server.Introspection, bool) {
	info, ok := ctx.Value(tokenInfoKey).(*server.Introspection)
	return info, ok
}

// ContextWithTokenInfo stores a validated access token in ctx
func ContextWithTokenInfo(ctx context.Context, info *server.Introspection) context.Context {
	return context.WithValue(ctx, tokenInfoKey, info)
}

// ValidateToken is middleware that admits requests with an active access token
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		info, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if err != nil {
			if server.KindOf(err) == server.KindInvalidToken {
				h.logger.Debug("Token validation failed", "ip", h.clientIP(r), "error", err)
				h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Token validation failed")
				return
			}
			h.writeServerError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithTokenInfo(r.Context(), info)))
	})
}

// RequireScope is middleware that rejects tokens lacking any of scopes with
// 403 insufficient_scope. It must run after ValidateToken.
func (h *Handler) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := TokenInfoFromContext(r.Context())
			if !ok {
				h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing access token")
				return
			}
			for _, scope := range scopes {
				if !slices.Contains(info.Scopes, scope) {
					h.writeInsufficientScopeError(w, scopes, "The access token lacks a required scope")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], server.TokenTypeBearer) || strings.TrimSpace(parts[1]) == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidRequest, "Invalid Authorization header format")
		return "", false
	}

	return strings.TrimSpace(parts[1]), true
}

// recordRateLimitExceeded is the rate limiter's reject hook
func (h *Handler) recordRateLimitExceeded(r *http.Request, clientIP string) {
	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	h.server.Instrumentation().Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "ip")
	}
}

// startSpan starts an HTTP-layer span
func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	ctx, span := h.tracer.Start(r.Context(), name)
	instrumentation.AddSecurityAttributes(span, h.clientIP(r))
	return ctx, span
}
