package server

import (
	"slices"
	"time"
)

// Access token formats
const (
	AccessTokenFormatOpaque = "opaque"
	AccessTokenFormatJWT    = "jwt"
)

// Consent policies
const (
	// ConsentPolicyRemember prompts once per newly requested scope
	ConsentPolicyRemember = "remember"
	// ConsentPolicyAlways prompts on every authorization request
	ConsentPolicyAlways = "always"
	// ConsentPolicyImplicit never prompts (first-party deployments)
	ConsentPolicyImplicit = "implicit"
)

// Well-known scopes
const (
	ScopeOpenID  = "openid"
	ScopeEmail   = "email"
	ScopeProfile = "profile"
	ScopeAPI     = "api"
)

// Defaults and hard limits
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	MaxAuthorizationCodeTTL     = 10 * time.Minute
	DefaultAccessTokenTTL       = 15 * time.Minute
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultSessionTTL           = 24 * time.Hour
	DefaultStoreTimeout         = 2 * time.Second
	DefaultMaxTransientRetries  = 2
	DefaultClientCacheTTL       = 30 * time.Second
	DefaultLoginURL             = "/account/login"
	DefaultConsentURL           = "/connect/consent"

	// RFC 7636 Section 4.1 verifier length bounds
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// DefaultSupportedScopes are the scopes clients may request unless configured otherwise
var DefaultSupportedScopes = []string{ScopeOpenID, ScopeEmail, ScopeProfile, ScopeAPI}

// Config holds the protocol configuration of the authorization server.
// Server.New copies it, so changes after New have no effect.
type Config struct {
	// Issuer is the server's issuer identifier (base URL), used as "iss"
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	// Default: 10 minutes, which is also the maximum
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long access tokens are valid
	// Must be shorter than RefreshTokenTTL
	// Default: 15 minutes
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid
	// Default: 30 days
	RefreshTokenTTL time.Duration

	// IDTokenTTL is how long ID tokens are valid
	// Default: AccessTokenTTL
	IDTokenTTL time.Duration

	// SessionTTL is how long a login session lasts
	// Default: 24 hours
	SessionTTL time.Duration

	// AccessTokenFormat selects "opaque" (default) or "jwt" access tokens.
	// JWT access tokens need a signing key source.
	AccessTokenFormat string

	// ConsentPolicy selects "remember" (default), "always" or "implicit"
	ConsentPolicy string

	// SupportedScopes lists the scopes the server knows about.
	// Default: openid, email, profile, api
	SupportedScopes []string

	// RequirePKCE enforces PKCE for confidential clients too.
	// Public clients always need PKCE regardless of this setting.
	// Default: true
	RequirePKCE bool

	// DisablePKCEForConfidentialClients turns RequirePKCE off explicitly
	// WARNING: confidential clients may then skip code_challenge
	DisablePKCEForConfidentialClients bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: false
	AllowPKCEPlain bool

	// MinCodeVerifierLength is the shortest accepted code_verifier
	// Default: 43 (RFC 7636). Values below 43 are accepted with a warning.
	MinCodeVerifierLength int

	// RevokeFamilyOnRefreshReuse revokes every token of a lineage when a
	// rotated refresh token is presented again.
	// Default: false (only the reuse attempt fails)
	RevokeFamilyOnRefreshReuse bool

	// StoreTimeout bounds every individual store call
	// Default: 2 seconds
	StoreTimeout time.Duration

	// MaxTransientRetries is how often a read-only store call is retried
	// after a transient failure. Writes are never retried.
	// Default: 2. Negative disables retries.
	MaxTransientRetries int

	// ClientCacheTTL is how long client lookups are cached
	// Default: 30 seconds. Negative disables the cache.
	ClientCacheTTL time.Duration

	// LoginURL is where the authorize endpoint sends users without a session
	LoginURL string

	// ConsentURL is where the authorize endpoint sends users who must consent
	ConsentURL string

	// AllowInsecureHTTP allows an http:// issuer that is not localhost
	// WARNING: only for development
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// ClockSkewGracePeriod is the grace period for token expiration checks
	// Default: 5 seconds
	ClockSkewGracePeriod time.Duration
}

// supportsScope reports whether scope is in SupportedScopes
func (c *Config) supportsScope(scope string) bool {
	return slices.Contains(c.SupportedScopes, scope)
}
