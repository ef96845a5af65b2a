package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authserver"
	"github.com/giantswarm/authserver/security"
	"github.com/giantswarm/authserver/server"
	"github.com/giantswarm/authserver/signing"
	"github.com/giantswarm/authserver/storage"
)

const sampleConfig = `
server:
  addr: ":9000"
  issuer: https://auth.example.com
  trust_proxy: true
  trusted_proxy_count: 2
oauth:
  access_token_ttl: 5m
  refresh_token_ttl: 720h
  access_token_format: jwt
  consent_policy: always
  scopes: [openid, email]
  revoke_family_on_refresh_reuse: true
storage:
  driver: postgres
  expired_retention: 2h
  postgres:
    dsn: postgres://auth@localhost/auth
    max_conns: 8
  sessions:
    driver: redis
    redis:
      addr: localhost:6379
http:
  rate_limit: 5
  rate_limit_burst: 7
  disable_registration: true
log:
  level: debug
  format: json
clients:
  - id: web
    name: Web App
    secret: s3cret
    redirect_uris: [https://app.example.com/callback]
    post_logout_redirect_uris: [https://app.example.com/]
    scopes: [openid, email]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, authserver.DefaultAddr, c.Server.Addr)
	assert.Equal(t, DriverMemory, c.Storage.Driver)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "text", c.Log.Format)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, signing.DefaultRetireAfter, c.Keys.RetireAfter)
	assert.Equal(t, storage.DefaultExpiredRetention, c.Storage.ExpiredRetention)
	assert.Empty(t, c.Clients)
}

func TestLoad_File(t *testing.T) {
	c, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", c.Server.Addr)
	assert.Equal(t, "https://auth.example.com", c.Server.Issuer)
	assert.Equal(t, 5*time.Minute, c.OAuth.AccessTokenTTL)
	assert.Equal(t, 720*time.Hour, c.OAuth.RefreshTokenTTL)
	assert.Equal(t, DriverPostgres, c.Storage.Driver)
	assert.Equal(t, int32(8), c.Storage.Postgres.MaxConns)
	assert.True(t, c.Storage.Postgres.Migrate, "unset fields keep their defaults")
	assert.Equal(t, DriverRedis, c.Storage.Sessions.Driver)
	assert.Equal(t, "json", c.Log.Format)

	require.Len(t, c.Clients, 1)
	reg := c.Clients[0].Registration()
	assert.Equal(t, "web", reg.ClientID)
	assert.Equal(t, "Web App", reg.ClientName)
	assert.Equal(t, "s3cret", reg.Secret)
	assert.False(t, reg.Public)
	assert.Equal(t, []string{"https://app.example.com/callback"}, reg.RedirectURIs)
	assert.Equal(t, []string{"https://app.example.com/"}, reg.PostLogoutRedirectURIs)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [not, a, map]"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("AUTHSERVER_ISSUER", "https://env.example.com")
	t.Setenv("AUTHSERVER_ACCESS_TOKEN_TTL", "1m")
	t.Setenv("AUTHSERVER_CONSENT_POLICY", "IMPLICIT")
	t.Setenv("AUTHSERVER_SCOPES", "openid, api ,")
	t.Setenv("AUTHSERVER_STORAGE_DRIVER", "valkey")
	t.Setenv("AUTHSERVER_VALKEY_ADDRESS", "valkey:6379")
	t.Setenv("AUTHSERVER_RATE_LIMIT", "2.5")
	t.Setenv("AUTHSERVER_METRICS_ENABLED", "false")
	t.Setenv("AUTHSERVER_TRUST_PROXY", "not-a-bool")

	c, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":7000", c.Server.Addr)
	assert.Equal(t, "https://env.example.com", c.Server.Issuer)
	assert.Equal(t, time.Minute, c.OAuth.AccessTokenTTL)
	assert.Equal(t, server.ConsentPolicyImplicit, c.OAuth.ConsentPolicy)
	assert.Equal(t, []string{"openid", "api"}, c.OAuth.Scopes)
	assert.Equal(t, DriverValkey, c.Storage.Driver)
	assert.Equal(t, "valkey:6379", c.Storage.Valkey.Address)
	assert.Equal(t, 2.5, c.HTTP.RateLimit)
	assert.False(t, c.Metrics.Enabled)
	assert.True(t, c.Server.TrustProxy, "unparsable values are ignored")
}

func TestLoad_AddrWinsOverPort(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("AUTHSERVER_ADDR", "127.0.0.1:7001")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7001", c.Server.Addr)
}

func TestValidate(t *testing.T) {
	key, err := security.GenerateKey()
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: true},
		{name: "valkey without address", mutate: func(c *Config) { c.Storage.Driver = DriverValkey }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = DriverPostgres }, wantErr: true},
		{name: "redis sessions without addr", mutate: func(c *Config) { c.Storage.Sessions.Driver = DriverRedis }, wantErr: true},
		{name: "unknown session driver", mutate: func(c *Config) { c.Storage.Sessions.Driver = "memcached" }, wantErr: true},
		{name: "key file without encryption key", mutate: func(c *Config) { c.Keys.File = "keys.json" }, wantErr: true},
		{name: "bad encryption key", mutate: func(c *Config) { c.Keys.EncryptionKey = "short" }, wantErr: true},
		{
			name: "key file with encryption key",
			mutate: func(c *Config) {
				c.Keys.File = "keys.json"
				c.Keys.EncryptionKey = security.KeyToBase64(key)
			},
		},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: true},
		{name: "client without id", mutate: func(c *Config) { c.Clients = []ClientConfig{{Name: "x"}} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServerConfig(t *testing.T) {
	c, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	sc := c.ServerConfig()
	assert.Equal(t, "https://auth.example.com", sc.Issuer)
	assert.Equal(t, 5*time.Minute, sc.AccessTokenTTL)
	assert.Equal(t, server.AccessTokenFormatJWT, sc.AccessTokenFormat)
	assert.Equal(t, server.ConsentPolicyAlways, sc.ConsentPolicy)
	assert.Equal(t, []string{"openid", "email"}, sc.SupportedScopes)
	assert.True(t, sc.RequirePKCE)
	assert.True(t, sc.RevokeFamilyOnRefreshReuse)
	assert.True(t, sc.TrustProxy)
	assert.Equal(t, 2, sc.TrustedProxyCount)

	c.OAuth.DisablePKCEForConfidentialClients = true
	sc = c.ServerConfig()
	assert.False(t, sc.RequirePKCE)
	assert.True(t, sc.DisablePKCEForConfidentialClients)
}

func TestHandlerConfig(t *testing.T) {
	c, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	hc := c.HandlerConfig(reg, nil)
	assert.Equal(t, float64(5), hc.RateLimit.Rate)
	assert.Equal(t, 7, hc.RateLimit.Burst)
	assert.True(t, hc.DisableRegistration)
	assert.Same(t, reg, hc.MetricsRegistry)

	sc := c.HTTPServerConfig(nil, nil)
	assert.Equal(t, ":9000", sc.Addr)
	assert.Equal(t, 2*time.Hour, sc.ExpiredRetention)

	ic := c.InstrumentationConfig("v1.2.3", reg)
	assert.Equal(t, "authserver", ic.ServiceName)
	assert.Equal(t, "v1.2.3", ic.ServiceVersion)
	assert.True(t, ic.Enabled)
	assert.Same(t, reg, ic.Registerer)
}

func TestLogger(t *testing.T) {
	c := Default()
	c.Log.Format = "json"
	c.Log.Level = "warn"

	var buf bytes.Buffer
	logger, err := c.Logger(&buf)
	require.NoError(t, err)

	logger.Info("Dropped")
	logger.Warn("Kept", "key", "value")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Kept", rec["msg"])
	assert.Equal(t, "value", rec["key"])

	c.Log.Level = "nope"
	_, err = c.Logger(&buf)
	assert.Error(t, err)
}

func TestEncryptor(t *testing.T) {
	c := Default()
	enc, err := c.Encryptor()
	require.NoError(t, err)
	assert.Nil(t, enc)

	key, err := security.GenerateKey()
	require.NoError(t, err)
	c.Keys.EncryptionKey = security.KeyToBase64(key)
	enc, err = c.Encryptor()
	require.NoError(t, err)
	assert.NotNil(t, enc)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, LoadDotEnv("", true))
	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), false))
	assert.Error(t, LoadDotEnv(filepath.Join(dir, "missing.env"), true))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("AUTHSERVER_LOG_FORMAT=json\nAUTHSERVER_ISSUER=https://dotenv.example.com\n"), 0o600))
	t.Setenv("AUTHSERVER_ISSUER", "https://set.example.com")
	t.Setenv("AUTHSERVER_LOG_FORMAT", "")
	require.NoError(t, os.Unsetenv("AUTHSERVER_LOG_FORMAT"))

	require.NoError(t, LoadDotEnv(path, true))
	t.Cleanup(func() { _ = os.Unsetenv("AUTHSERVER_LOG_FORMAT") })

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, "https://set.example.com", c.Server.Issuer, "existing variables win")
}
