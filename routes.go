package authserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/giantswarm/authserver/security"
)

// Endpoint paths
const (
	PathAuthorize      = "/connect/authorize"
	PathToken          = "/connect/token"
	PathUserInfo       = "/connect/userinfo"
	PathEndSession     = "/connect/endsession"
	PathRevoke         = "/connect/revoke"
	PathIntrospect     = "/connect/introspect"
	PathConsent        = "/connect/consent"
	PathLogin          = "/account/login"
	PathRegister       = "/account/register"
	PathDiscovery      = "/.well-known/openid-configuration"
	PathServerMetadata = "/.well-known/oauth-authorization-server"
	PathJWKS           = "/.well-known/jwks.json"
	PathMetrics        = "/metrics"
	PathHealthz        = "/healthz"
)

// Routes returns a router with every endpoint registered
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.metrics.middleware)
	r.Use(security.Headers(h.server.Config.Issuer))

	h.ConnectRoutes(r)
	h.AccountRoutes(r)
	h.WellKnownRoutes(r)

	r.Method(http.MethodGet, PathMetrics, h.metrics.handler())
	r.Get(PathHealthz, h.ServeHealthz)
	return r
}

// ConnectRoutes registers the OAuth 2.0 and OpenID Connect endpoints
func (h *Handler) ConnectRoutes(r chi.Router) {
	r.Get(PathAuthorize, h.ServeAuthorize)
	r.Post(PathAuthorize, h.ServeAuthorize)
	r.Get(PathConsent, h.ServeConsent)
	r.Post(PathConsent, h.ServeConsent)
	r.Get(PathUserInfo, h.ServeUserInfo)
	r.Post(PathUserInfo, h.ServeUserInfo)
	r.Get(PathEndSession, h.ServeEndSession)
	r.Post(PathEndSession, h.ServeEndSession)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post(PathToken, h.ServeToken)
		r.Post(PathRevoke, h.ServeTokenRevocation)
		r.Post(PathIntrospect, h.ServeTokenIntrospection)
	})
}

// AccountRoutes registers the built-in sign-in and registration pages
func (h *Handler) AccountRoutes(r chi.Router) {
	r.Get(PathLogin, h.ServeLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post(PathLogin, h.ServeLogin)
		r.Post(PathRegister, h.ServeRegister)
	})
}

// WellKnownRoutes registers the discovery documents and the JWKS
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(PathDiscovery, h.ServeOpenIDConfiguration)
	r.Get(PathServerMetadata, h.ServeOpenIDConfiguration)
	r.Get(PathJWKS, h.ServeJWKS)
}

// rateLimit applies the per-IP limiter when one is configured
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return h.limiter.Middleware(h.clientIP, h.recordRateLimitExceeded)(next)
}
