package authserver

import (
	"fmt"
	"net/http"

	"github.com/giantswarm/authserver/security"
	"github.com/giantswarm/authserver/server"
	"github.com/giantswarm/authserver/signing"
	"github.com/giantswarm/authserver/storage"
)

// ServeOpenIDConfiguration serves the OpenID Connect Discovery document.
// It is also served at the RFC 8414 authorization server metadata path.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.setDiscoveryHeaders(w)
	h.writeJSON(w, http.StatusOK, h.buildProviderMetadata())
}

// ServeJWKS publishes the keys that verify ID tokens and JWT access tokens.
// Without a key source the set is empty.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	set := &signing.JWKS{Keys: []signing.JWK{}}
	if keys := h.server.Keys(); keys != nil {
		var err error
		set, err = signing.BuildJWKS(r.Context(), keys)
		if err != nil {
			h.logger.Error("Failed to build JWKS", "error", err)
			h.writeError(w, ErrorCodeServerError, "Failed to load signing keys", http.StatusInternalServerError)
			return
		}
	}
	h.setDiscoveryHeaders(w)
	h.writeJSON(w, http.StatusOK, set)
}

// ServeHealthz reports liveness
func (h *Handler) ServeHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// setDiscoveryHeaders makes public documents cacheable and readable from
// browser-based clients
func (h *Handler) setDiscoveryHeaders(w http.ResponseWriter) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.config.DiscoveryMaxAge.Seconds())))
	w.Header().Del("Pragma")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func (h *Handler) buildProviderMetadata() ProviderMetadata {
	issuer := h.server.Config.Issuer

	challengeMethods := []string{"S256"}
	if h.server.Config.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, "plain")
	}

	return ProviderMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + PathAuthorize,
		TokenEndpoint:         issuer + PathToken,
		UserInfoEndpoint:      issuer + PathUserInfo,
		JWKSURI:               issuer + PathJWKS,
		EndSessionEndpoint:    issuer + PathEndSession,
		RevocationEndpoint:    issuer + PathRevoke,
		IntrospectionEndpoint: issuer + PathIntrospect,
		ScopesSupported:       h.server.Config.SupportedScopes,
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeClientCredentials,
			storage.GrantTypeRefreshToken,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{signing.Algorithm},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic",
			"client_secret_post",
			"none",
		},
		CodeChallengeMethodsSupported: challengeMethods,
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "email", "email_verified", "name",
		},
		PromptValuesSupported:                      []string{server.PromptNone, server.PromptLogin, server.PromptConsent},
		AuthorizationResponseIssParameterSupported: true,
	}
}
