package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/authserver/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authserver:"

	// DefaultExpiredRetention is how long codes, tokens and sessions are kept
	// past their expiry so that late replays are still recognised
	DefaultExpiredRetention = storage.DefaultExpiredRetention

	// tokenIDLogLength is the number of characters of a token or code ID that may appear in logs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxRecordSize is the maximum size of a serialized record (64KB)
	MaxRecordSize = 64 * 1024
)

var errRecordTooLarge = errors.New("record exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authserver:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// ExpiredRetention keeps expired records around for replay detection.
	// Default: 1 hour
	ExpiredRetention time.Duration
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	retention time.Duration

	now func() time.Time
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.CodeStore    = (*Store)(nil)
	_ storage.TokenStore   = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
	_ storage.ConsentStore = (*Store)(nil)
	_ storage.Store        = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.ExpiredRetention
	if retention <= 0 {
		retention = DefaultExpiredRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Ping checks that the server is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.fail("ping", s.client.Do(ctx, s.client.B().Ping().Build()).Error())
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// codeKey returns the key for an authorization code: {prefix}code:{fingerprint}
func (s *Store) codeKey(codeID string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, codeID)
}

// tokenKey returns the key for a token record: {prefix}token:{tokenID}
func (s *Store) tokenKey(tokenID string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, tokenID)
}

// indexKey returns the key of a token index set: {prefix}idx:{field}:{value}
func (s *Store) indexKey(field, value string) string {
	return fmt.Sprintf("%sidx:%s:%s", s.prefix, field, value)
}

// sessionKey returns the key for a browser session: {prefix}session:{sessionID}
func (s *Store) sessionKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, sessionID)
}

// consentKey returns the key for a consent record: {prefix}consent:{subjectID}:{clientID}
func (s *Store) consentKey(subjectID, clientID string) string {
	return fmt.Sprintf("%sconsent:%s:%s", s.prefix, subjectID, clientID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Codes and tokens are stored as hashes: an immutable "data" field holding the
// JSON record plus small state fields. The scripts below only ever touch the
// state fields, so the JSON never has to be decoded inside Valkey.

// luaSaveRecord replaces a record hash, sets its TTL and adds the record ID to
// every index set in KEYS[2..], extending each set's TTL to cover the record.
//
// KEYS[1]    = record key
// KEYS[2..n] = index set keys
// ARGV[1]    = TTL in milliseconds, 0 keeps the record until deleted
// ARGV[2]    = record ID
// ARGV[3..]  = hash field/value pairs
var luaSaveRecord = valkeygo.NewLuaScript(`
local ttl = tonumber(ARGV[1])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
if ttl > 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
end
for i = 2, #KEYS do
    redis.call('SADD', KEYS[i], ARGV[2])
    if ttl == 0 then
        redis.call('PERSIST', KEYS[i])
    elseif redis.call('PTTL', KEYS[i]) < ttl then
        redis.call('PEXPIRE', KEYS[i], ttl)
    end
end
return 'OK'
`)

// luaMarkCodeUsed flips an authorization code from unused to used.
// A second attempt flags the code compromised instead.
//
// KEYS[1] = code key
//
// Returns "OK", "ALREADY_USED" or "NOT_FOUND".
var luaMarkCodeUsed = valkeygo.NewLuaScript(`
local used = redis.call('HGET', KEYS[1], 'used')
if not used then
    return 'NOT_FOUND'
end
if used == '1' then
    redis.call('HSET', KEYS[1], 'compromised', '1')
    return 'ALREADY_USED'
end
redis.call('HSET', KEYS[1], 'used', '1')
return 'OK'
`)

// luaRevokeToken flips a token from live to revoked.
//
// KEYS[1] = token key
// ARGV[1] = revocation time in Unix milliseconds
//
// Returns "OK", "ALREADY_REVOKED" or "NOT_FOUND".
var luaRevokeToken = valkeygo.NewLuaScript(`
local revoked = redis.call('HGET', KEYS[1], 'revoked')
if not revoked then
    return 'NOT_FOUND'
end
if revoked == '1' then
    return 'ALREADY_REVOKED'
end
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1])
return 'OK'
`)

// luaMergeConsent appends scopes to a consent record, keeping their order.
//
// KEYS[1]   = consent key
// ARGV[1]   = grant time in Unix milliseconds
// ARGV[2..] = scopes to add
//
// Returns the merged space-separated scope string.
var luaMergeConsent = valkeygo.NewLuaScript(`
local current = redis.call('HGET', KEYS[1], 'scope') or ''
local seen = {}
local scopes = {}
for s in string.gmatch(current, '%S+') do
    if not seen[s] then
        seen[s] = true
        table.insert(scopes, s)
    end
end
for i = 2, #ARGV do
    local s = ARGV[i]
    if not seen[s] then
        seen[s] = true
        table.insert(scopes, s)
    end
end
local merged = table.concat(scopes, ' ')
redis.call('HSET', KEYS[1], 'scope', merged, 'granted_at', ARGV[1])
return merged
`)

// ============================================================
// Helper methods
// ============================================================

// fail wraps a Valkey error with the failed operation and marks connection
// and timeout failures as transient
func (s *Store) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("failed to %s: %w", op, err)
	if errors.Is(err, valkeygo.ErrClosing) {
		return storage.MarkTransient(wrapped)
	}
	return storage.ClassifyError(wrapped)
}

// recordTTL returns how long a record expiring at expiresAt is kept
func (s *Store) recordTTL(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := expiresAt.Sub(s.now()) + s.retention
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}

// saveRecord writes a hash record through luaSaveRecord
func (s *Store) saveRecord(ctx context.Context, key, id string, ttl time.Duration, indexes []string, fields ...string) error {
	keys := append([]string{key}, indexes...)
	args := append([]string{strconv.FormatInt(ttl.Milliseconds(), 10), id}, fields...)
	return luaSaveRecord.Exec(ctx, s.client, keys, args).Error()
}

func formatMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
