package authserver

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Defaults for the HTTP layer
const (
	DefaultSessionCookieName = "authserver_session"
	DefaultRateLimit         = 10
	DefaultRateLimitBurst    = 20
	DefaultDiscoveryMaxAge   = time.Hour
)

// Config holds the HTTP handler configuration.
// Protocol settings (issuer, TTLs, PKCE, consent policy) live in server.Config.
type Config struct {
	// SessionCookieName names the browser session cookie
	// Default: "authserver_session"
	SessionCookieName string

	// Rate limiting of the token, login, registration, revocation and
	// introspection endpoints
	RateLimit RateLimitConfig

	// DisableRegistration turns POST /account/register off
	DisableRegistration bool

	// DiscoveryMaxAge is the Cache-Control max-age of the discovery and JWKS documents
	// Default: 1 hour
	DiscoveryMaxAge time.Duration

	// MetricsRegistry receives the HTTP metrics and is served at /metrics.
	// Pass the same registry as instrumentation.Config.Registerer to expose
	// the OpenTelemetry metrics on the same endpoint.
	// If nil, a private registry is created.
	MetricsRegistry *prometheus.Registry

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP.
	// Default: 10. Negative disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	// Default: 20
	Burst int

	// MaxEntries bounds the number of tracked IPs (default: 10000)
	MaxEntries int
}

// applyDefaults fills in unset fields
func (c *Config) applyDefaults() {
	if c.SessionCookieName == "" {
		c.SessionCookieName = DefaultSessionCookieName
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = DefaultRateLimit
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.DiscoveryMaxAge <= 0 {
		c.DiscoveryMaxAge = DefaultDiscoveryMaxAge
	}
	if c.MetricsRegistry == nil {
		c.MetricsRegistry = prometheus.NewRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
