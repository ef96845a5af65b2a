package server

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/security"
)

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	// Apply time-based defaults
	applyTimeDefaults(config)

	// Apply protocol defaults
	applyProtocolDefaults(config)

	// Apply security defaults and log warnings for insecure settings
	applySecurityDefaults(config, logger)

	return config
}

func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = config.AccessTokenTTL
	}
	if config.SessionTTL == 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	if config.ClientCacheTTL == 0 {
		config.ClientCacheTTL = DefaultClientCacheTTL
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = security.DefaultClockSkewGracePeriod
	}
}

func applyProtocolDefaults(config *Config) {
	config.Issuer = util.NormalizeURL(config.Issuer)
	if config.AccessTokenFormat == "" {
		config.AccessTokenFormat = AccessTokenFormatOpaque
	}
	if config.ConsentPolicy == "" {
		config.ConsentPolicy = ConsentPolicyRemember
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = slices.Clone(DefaultSupportedScopes)
	} else {
		config.SupportedScopes = slices.Clone(config.SupportedScopes)
	}
	if config.MaxTransientRetries == 0 {
		config.MaxTransientRetries = DefaultMaxTransientRetries
	} else if config.MaxTransientRetries < 0 {
		config.MaxTransientRetries = 0
	}
	if config.LoginURL == "" {
		config.LoginURL = DefaultLoginURL
	}
	if config.ConsentURL == "" {
		config.ConsentURL = DefaultConsentURL
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
}

func applySecurityDefaults(config *Config, logger *slog.Logger) {
	// Go's zero value for bools is false, so PKCE is forced on unless the
	// explicit Disable field is set.
	config.RequirePKCE = !config.DisablePKCEForConfidentialClients

	if config.MinCodeVerifierLength == 0 {
		config.MinCodeVerifierLength = MinCodeVerifierLength
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure settings (whether explicitly set or not)
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is optional for confidential clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Leave DisablePKCEForConfidentialClients unset")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.MinCodeVerifierLength > 0 && config.MinCodeVerifierLength < MinCodeVerifierLength {
		logger.Warn("SECURITY WARNING: MinCodeVerifierLength below RFC 7636 minimum",
			"configured", config.MinCodeVerifierLength,
			"rfc_minimum", MinCodeVerifierLength)
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.ConsentPolicy == ConsentPolicyImplicit {
		logger.Warn("SECURITY NOTICE: Consent is implicit",
			"risk", "Users are never asked before a client receives their data",
			"recommendation", "Only use for first-party clients")
	}
	if config.AllowInsecureHTTP {
		logger.Error("CRITICAL SECURITY WARNING: HTTP is explicitly allowed",
			"risk", "All OAuth tokens and credentials exposed to network interception",
			"recommendation", "Use HTTPS in all environments")
	}
}

// Validate checks the configuration after defaults have been applied
func (c *Config) Validate() error {
	var errs []error

	if c.AuthorizationCodeTTL < 0 || c.AuthorizationCodeTTL > MaxAuthorizationCodeTTL {
		errs = append(errs, fmt.Errorf("AuthorizationCodeTTL must be between 0 and %s, got %s", MaxAuthorizationCodeTTL, c.AuthorizationCodeTTL))
	}
	if c.AccessTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("AccessTokenTTL must be positive, got %s", c.AccessTokenTTL))
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		errs = append(errs, fmt.Errorf("AccessTokenTTL (%s) must be shorter than RefreshTokenTTL (%s)", c.AccessTokenTTL, c.RefreshTokenTTL))
	}
	if c.StoreTimeout < 0 {
		errs = append(errs, fmt.Errorf("StoreTimeout must not be negative, got %s", c.StoreTimeout))
	}
	switch c.AccessTokenFormat {
	case AccessTokenFormatOpaque, AccessTokenFormatJWT:
	default:
		errs = append(errs, fmt.Errorf("unknown AccessTokenFormat %q", c.AccessTokenFormat))
	}
	switch c.ConsentPolicy {
	case ConsentPolicyRemember, ConsentPolicyAlways, ConsentPolicyImplicit:
	default:
		errs = append(errs, fmt.Errorf("unknown ConsentPolicy %q", c.ConsentPolicy))
	}
	if c.MinCodeVerifierLength < 1 || c.MinCodeVerifierLength > MaxCodeVerifierLength {
		errs = append(errs, fmt.Errorf("MinCodeVerifierLength must be between 1 and %d, got %d", MaxCodeVerifierLength, c.MinCodeVerifierLength))
	}
	for _, scope := range c.SupportedScopes {
		if err := validateScopeToken(scope); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// validateScopeToken checks a single scope against RFC 6749 Section 3.3:
// scope-token = 1*( %x21 / %x23-5B / %x5D-7E )
func validateScopeToken(scope string) error {
	if scope == "" {
		return errors.New("scope must not be empty")
	}
	for _, c := range scope {
		if c < 0x21 || c == 0x22 || c == 0x5C || c > 0x7E {
			return fmt.Errorf("scope %q contains invalid character %q", scope, c)
		}
	}
	return nil
}
