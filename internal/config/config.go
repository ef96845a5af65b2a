// Package config loads the application configuration of the authserver
// binary: a YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/authserver"
	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/security"
	"github.com/giantswarm/authserver/server"
	"github.com/giantswarm/authserver/signing"
	"github.com/giantswarm/authserver/storage"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverValkey   = "valkey"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// EnvPrefix prefixes every environment override except PORT
const EnvPrefix = "AUTHSERVER_"

// Config is the application configuration
type Config struct {
	Server struct {
		Addr              string        `yaml:"addr"`
		Issuer            string        `yaml:"issuer"`
		TrustProxy        bool          `yaml:"trust_proxy"`
		TrustedProxyCount int           `yaml:"trusted_proxy_count"`
		AllowInsecureHTTP bool          `yaml:"allow_insecure_http"`
		ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
		CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	} `yaml:"server"`

	OAuth struct {
		AuthorizationCodeTTL              time.Duration `yaml:"authorization_code_ttl"`
		AccessTokenTTL                    time.Duration `yaml:"access_token_ttl"`
		RefreshTokenTTL                   time.Duration `yaml:"refresh_token_ttl"`
		IDTokenTTL                        time.Duration `yaml:"id_token_ttl"`
		SessionTTL                        time.Duration `yaml:"session_ttl"`
		AccessTokenFormat                 string        `yaml:"access_token_format"`
		ConsentPolicy                     string        `yaml:"consent_policy"`
		Scopes                            []string      `yaml:"scopes"`
		DisablePKCEForConfidentialClients bool          `yaml:"disable_pkce_for_confidential_clients"`
		AllowPKCEPlain                    bool          `yaml:"allow_pkce_plain"`
		RevokeFamilyOnRefreshReuse        bool          `yaml:"revoke_family_on_refresh_reuse"`
		StoreTimeout                      time.Duration `yaml:"store_timeout"`
		MaxTransientRetries               int           `yaml:"max_transient_retries"`
		ClientCacheTTL                    time.Duration `yaml:"client_cache_ttl"`
		ClockSkewGracePeriod              time.Duration `yaml:"clock_skew_grace_period"`
	} `yaml:"oauth"`

	Storage struct {
		// memory | valkey | postgres
		Driver string `yaml:"driver"`
		// ExpiredRetention keeps expired records around for replay detection
		ExpiredRetention time.Duration `yaml:"expired_retention"`
		Valkey           struct {
			Address   string `yaml:"address"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"key_prefix"`
		} `yaml:"valkey"`
		Postgres struct {
			DSN      string `yaml:"dsn"`
			MaxConns int32  `yaml:"max_conns"`
			Migrate  bool   `yaml:"migrate"`
		} `yaml:"postgres"`
		// Sessions optionally moves sessions and consents to Redis
		Sessions struct {
			// "" keeps them in the main store, "redis" moves them
			Driver string `yaml:"driver"`
			Redis  struct {
				Addr      string `yaml:"addr"`
				Username  string `yaml:"username"`
				Password  string `yaml:"password"`
				DB        int    `yaml:"db"`
				KeyPrefix string `yaml:"key_prefix"`
			} `yaml:"redis"`
		} `yaml:"sessions"`
	} `yaml:"storage"`

	Keys struct {
		// File holds the sealed signing keys. Empty keeps keys in memory only.
		File string `yaml:"file"`
		// EncryptionKey is the base64 AES-256 key sealing File
		EncryptionKey string        `yaml:"encryption_key"`
		RetireAfter   time.Duration `yaml:"retire_after"`
	} `yaml:"keys"`

	HTTP struct {
		SessionCookieName   string        `yaml:"session_cookie_name"`
		RateLimit           float64       `yaml:"rate_limit"`
		RateLimitBurst      int           `yaml:"rate_limit_burst"`
		DisableRegistration bool          `yaml:"disable_registration"`
		DiscoveryMaxAge     time.Duration `yaml:"discovery_max_age"`
	} `yaml:"http"`

	Users struct {
		BcryptCost int `yaml:"bcrypt_cost"`
	} `yaml:"users"`

	Log struct {
		// debug | info | warn | error
		Level string `yaml:"level"`
		// text | json
		Format string `yaml:"format"`
	} `yaml:"log"`

	Metrics struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"metrics"`

	// Clients are registered at startup unless they already exist
	Clients []ClientConfig `yaml:"clients"`
}

// ClientConfig describes a client seeded at startup
type ClientConfig struct {
	ID                     string   `yaml:"id"`
	Name                   string   `yaml:"name"`
	Secret                 string   `yaml:"secret"`
	Public                 bool     `yaml:"public"`
	RedirectURIs           []string `yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris"`
	GrantTypes             []string `yaml:"grant_types"`
	Scopes                 []string `yaml:"scopes"`
}

// Registration converts the entry for server.RegisterClient
func (c ClientConfig) Registration() server.ClientRegistration {
	return server.ClientRegistration{
		ClientID:               c.ID,
		ClientName:             c.Name,
		Secret:                 c.Secret,
		Public:                 c.Public,
		RedirectURIs:           c.RedirectURIs,
		PostLogoutRedirectURIs: c.PostLogoutRedirectURIs,
		GrantTypes:             c.GrantTypes,
		Scopes:                 c.Scopes,
	}
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var c Config
	c.Server.Addr = authserver.DefaultAddr
	c.Server.Issuer = "http://localhost:8080"
	c.Storage.Driver = DriverMemory
	c.Storage.Postgres.Migrate = true
	c.Storage.ExpiredRetention = storage.DefaultExpiredRetention
	c.Keys.RetireAfter = signing.DefaultRetireAfter
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Metrics.Enabled = true
	c.Metrics.ServiceName = "authserver"
	return &c
}

// Load reads path (optional) over Default, applies environment overrides and
// validates the result
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadDotEnv loads KEY=value pairs from file into the environment. Variables
// already set win. A missing file is only an error when required.
func LoadDotEnv(file string, required bool) error {
	if file == "" {
		return nil
	}
	if _, err := os.Stat(file); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("env file: %w", err)
	}
	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("load env file %s: %w", file, err)
	}
	return nil
}

// Validate checks the settings the server packages cannot check themselves
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverValkey:
		if c.Storage.Valkey.Address == "" {
			return errors.New("storage.valkey.address is required for the valkey driver")
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Storage.Sessions.Driver {
	case "":
	case DriverRedis:
		if c.Storage.Sessions.Redis.Addr == "" {
			return errors.New("storage.sessions.redis.addr is required for the redis session driver")
		}
	default:
		return fmt.Errorf("unknown session driver %q", c.Storage.Sessions.Driver)
	}

	if c.Keys.File != "" && c.Keys.EncryptionKey == "" {
		return errors.New("keys.encryption_key is required when keys.file is set")
	}
	if c.Keys.EncryptionKey != "" {
		if _, err := security.KeyFromBase64(c.Keys.EncryptionKey); err != nil {
			return fmt.Errorf("keys.encryption_key: %w", err)
		}
	}

	if _, err := c.logLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	for i, cl := range c.Clients {
		if cl.ID == "" {
			return fmt.Errorf("clients[%d]: id is required", i)
		}
	}
	return nil
}

// ServerConfig returns the protocol configuration for server.New
func (c *Config) ServerConfig() *server.Config {
	o := c.OAuth
	return &server.Config{
		Issuer:                            c.Server.Issuer,
		AuthorizationCodeTTL:              o.AuthorizationCodeTTL,
		AccessTokenTTL:                    o.AccessTokenTTL,
		RefreshTokenTTL:                   o.RefreshTokenTTL,
		IDTokenTTL:                        o.IDTokenTTL,
		SessionTTL:                        o.SessionTTL,
		AccessTokenFormat:                 o.AccessTokenFormat,
		ConsentPolicy:                     o.ConsentPolicy,
		SupportedScopes:                   o.Scopes,
		RequirePKCE:                       !o.DisablePKCEForConfidentialClients,
		DisablePKCEForConfidentialClients: o.DisablePKCEForConfidentialClients,
		AllowPKCEPlain:                    o.AllowPKCEPlain,
		RevokeFamilyOnRefreshReuse:        o.RevokeFamilyOnRefreshReuse,
		StoreTimeout:                      o.StoreTimeout,
		MaxTransientRetries:               o.MaxTransientRetries,
		ClientCacheTTL:                    o.ClientCacheTTL,
		AllowInsecureHTTP:                 c.Server.AllowInsecureHTTP,
		TrustProxy:                        c.Server.TrustProxy,
		TrustedProxyCount:                 c.Server.TrustedProxyCount,
		ClockSkewGracePeriod:              o.ClockSkewGracePeriod,
	}
}

// HandlerConfig returns the HTTP layer configuration
func (c *Config) HandlerConfig(reg *prometheus.Registry, logger *slog.Logger) authserver.Config {
	return authserver.Config{
		SessionCookieName: c.HTTP.SessionCookieName,
		RateLimit: authserver.RateLimitConfig{
			Rate:  c.HTTP.RateLimit,
			Burst: c.HTTP.RateLimitBurst,
		},
		DisableRegistration: c.HTTP.DisableRegistration,
		DiscoveryMaxAge:     c.HTTP.DiscoveryMaxAge,
		MetricsRegistry:     reg,
		Logger:              logger,
	}
}

// HTTPServerConfig returns the listener configuration. cleaner may be nil.
func (c *Config) HTTPServerConfig(cleaner authserver.ExpiredDeleter, logger *slog.Logger) authserver.ServerConfig {
	return authserver.ServerConfig{
		Addr:              c.Server.Addr,
		ReadHeaderTimeout: c.Server.ReadHeaderTimeout,
		ShutdownTimeout:   c.Server.ShutdownTimeout,
		Cleaner:           cleaner,
		CleanupInterval:   c.Server.CleanupInterval,
		ExpiredRetention:  c.Storage.ExpiredRetention,
		Logger:            logger,
	}
}

// InstrumentationConfig returns the OpenTelemetry configuration
func (c *Config) InstrumentationConfig(version string, reg *prometheus.Registry) instrumentation.Config {
	return instrumentation.Config{
		ServiceName:    c.Metrics.ServiceName,
		ServiceVersion: version,
		Enabled:        c.Metrics.Enabled,
		Registerer:     reg,
	}
}

// Logger builds the slog logger described by the log section
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := c.logLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func (c *Config) logLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// Encryptor returns the signing key encryptor, or nil when no key is configured
func (c *Config) Encryptor() (*security.Encryptor, error) {
	if c.Keys.EncryptionKey == "" {
		return nil, nil
	}
	key, err := security.KeyFromBase64(c.Keys.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return security.NewEncryptor(key)
}

// ---- env ----

// applyEnvOverrides lets the environment win over the file
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("PORT"); ok {
		c.Server.Addr = ":" + v
	}

	// SERVER
	if v, ok := getEnvStr(EnvPrefix + "ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr(EnvPrefix + "ISSUER"); ok {
		c.Server.Issuer = v
	}
	if v, ok := getEnvBool(EnvPrefix + "TRUST_PROXY"); ok {
		c.Server.TrustProxy = v
	}
	if v, ok := getEnvBool(EnvPrefix + "ALLOW_INSECURE_HTTP"); ok {
		c.Server.AllowInsecureHTTP = v
	}

	// OAUTH
	if v, ok := getEnvDur(EnvPrefix + "ACCESS_TOKEN_TTL"); ok {
		c.OAuth.AccessTokenTTL = v
	}
	if v, ok := getEnvDur(EnvPrefix + "REFRESH_TOKEN_TTL"); ok {
		c.OAuth.RefreshTokenTTL = v
	}
	if v, ok := getEnvStr(EnvPrefix + "ACCESS_TOKEN_FORMAT"); ok {
		c.OAuth.AccessTokenFormat = strings.ToLower(v)
	}
	if v, ok := getEnvStr(EnvPrefix + "CONSENT_POLICY"); ok {
		c.OAuth.ConsentPolicy = strings.ToLower(v)
	}
	if v, ok := getEnvCSV(EnvPrefix + "SCOPES"); ok {
		c.OAuth.Scopes = v
	}

	// STORAGE
	if v, ok := getEnvStr(EnvPrefix + "STORAGE_DRIVER"); ok {
		c.Storage.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr(EnvPrefix + "VALKEY_ADDRESS"); ok {
		c.Storage.Valkey.Address = v
	}
	if v, ok := getEnvStr(EnvPrefix + "VALKEY_PASSWORD"); ok {
		c.Storage.Valkey.Password = v
	}
	if v, ok := getEnvStr(EnvPrefix + "POSTGRES_DSN"); ok {
		c.Storage.Postgres.DSN = v
	}
	if v, ok := getEnvStr(EnvPrefix + "SESSION_DRIVER"); ok {
		c.Storage.Sessions.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr(EnvPrefix + "REDIS_ADDR"); ok {
		c.Storage.Sessions.Redis.Addr = v
	}
	if v, ok := getEnvStr(EnvPrefix + "REDIS_PASSWORD"); ok {
		c.Storage.Sessions.Redis.Password = v
	}

	// KEYS
	if v, ok := getEnvStr(EnvPrefix + "KEYS_FILE"); ok {
		c.Keys.File = v
	}
	if v, ok := getEnvStr(EnvPrefix + "KEYS_ENCRYPTION_KEY"); ok {
		c.Keys.EncryptionKey = v
	}

	// HTTP
	if v, ok := getEnvFloat(EnvPrefix + "RATE_LIMIT"); ok {
		c.HTTP.RateLimit = v
	}
	if v, ok := getEnvInt(EnvPrefix + "RATE_LIMIT_BURST"); ok {
		c.HTTP.RateLimitBurst = v
	}
	if v, ok := getEnvBool(EnvPrefix + "DISABLE_REGISTRATION"); ok {
		c.HTTP.DisableRegistration = v
	}

	// LOG / METRICS
	if v, ok := getEnvStr(EnvPrefix + "LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := getEnvStr(EnvPrefix + "LOG_FORMAT"); ok {
		c.Log.Format = strings.ToLower(v)
	}
	if v, ok := getEnvBool(EnvPrefix + "METRICS_ENABLED"); ok {
		c.Metrics.Enabled = v
	}
}

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvFloat(key string) (float64, bool) {
	if s, ok := getEnvStr(key); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}
