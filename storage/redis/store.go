package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces every key written by the store
const DefaultKeyPrefix = "authserver:"

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the host:port of the Redis server (required)
	Addr string

	Username string
	Password string
	DB       int

	// KeyPrefix for all keys (default: "authserver:")
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Store implements storage.SessionStore and storage.ConsentStore on Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger

	now func() time.Time
}

var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.ConsentStore = (*Store)(nil)
)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix)
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}
	s.logger.Info("Connected to Redis session storage", "addr", cfg.Addr, "db", cfg.DB)
	return s, nil
}

// NewWithClient wraps a pre-configured client, e.g. one pointed at miniredis.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client: client,
		prefix: keyPrefix,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks that Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.fail("ping", s.client.Ping(ctx).Err())
}

func (s *Store) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *Store) consentKey(subjectID, clientID string) string {
	return s.prefix + "consent:" + subjectID + ":" + clientID
}

// fail wraps err with the operation; a closed client is transient
func (s *Store) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("failed to %s: %w", op, err)
	if errors.Is(err, goredis.ErrClosed) {
		return storage.MarkTransient(wrapped)
	}
	return storage.ClassifyError(wrapped)
}

// ============================================================
// SessionStore Implementation
// ============================================================

type sessionJSON struct {
	ID              string `json:"id"`
	SubjectID       string `json:"subject_id"`
	AuthenticatedAt int64  `json:"authenticated_at"`
	ExpiresAt       int64  `json:"expires_at"`
}

// SaveSession stores the session with a TTL matching its expiry.
// An already expired session is deleted instead.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID is required")
	}

	ttl := session.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.fail("save session", s.client.Del(ctx, s.sessionKey(session.ID)).Err())
	}

	data, err := json.Marshal(sessionJSON{
		ID:              session.ID,
		SubjectID:       session.SubjectID,
		AuthenticatedAt: session.AuthenticatedAt.UnixMilli(),
		ExpiresAt:       session.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.client.Set(ctx, s.sessionKey(session.ID), data, ttl).Err(); err != nil {
		return s.fail("save session", err)
	}
	return nil
}

// GetSession returns ErrSessionNotFound for unknown or expired sessions
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, s.fail("get session", err)
	}

	var j sessionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	session := &storage.Session{
		ID:              j.ID,
		SubjectID:       j.SubjectID,
		AuthenticatedAt: time.UnixMilli(j.AuthenticatedAt),
		ExpiresAt:       time.UnixMilli(j.ExpiresAt),
	}
	// Key TTLs are only as precise as the server clock
	if s.now().After(session.ExpiresAt) {
		return nil, storage.ErrSessionNotFound
	}
	return session, nil
}

// DeleteSession removes a session; deleting an unknown session is not an error
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.fail("delete session", s.client.Del(ctx, s.sessionKey(sessionID)).Err())
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// mergeConsentScript appends scopes to a consent record, keeping their order.
//
// KEYS[1]   = consent key
// ARGV[1]   = grant time in Unix milliseconds
// ARGV[2..] = scopes to add
//
// Returns the merged space-separated scope string.
var mergeConsentScript = goredis.NewScript(`
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

// GrantConsent merges scopes into the subject's consent for the client
func (s *Store) GrantConsent(ctx context.Context, subjectID, clientID string, scopes []string) (*storage.Consent, error) {
	now := time.UnixMilli(s.now().UnixMilli())

	args := make([]any, 0, len(scopes)+1)
	args = append(args, now.UnixMilli())
	for _, scope := range scopes {
		args = append(args, scope)
	}

	merged, err := mergeConsentScript.Run(ctx, s.client, []string{s.consentKey(subjectID, clientID)}, args...).Text()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, s.fail("grant consent", err)
	}

	return &storage.Consent{
		SubjectID: subjectID,
		ClientID:  clientID,
		Scopes:    util.SplitScopes(merged),
		GrantedAt: now,
	}, nil
}

// GetConsent returns the scopes granted so far
func (s *Store) GetConsent(ctx context.Context, subjectID, clientID string) (*storage.Consent, error) {
	fields, err := s.client.HGetAll(ctx, s.consentKey(subjectID, clientID)).Result()
	if err != nil {
		return nil, s.fail("get consent", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrConsentNotFound
	}

	grantedAt, _ := strconv.ParseInt(fields["granted_at"], 10, 64)
	return &storage.Consent{
		SubjectID: subjectID,
		ClientID:  clientID,
		Scopes:    util.SplitScopes(fields["scope"]),
		GrantedAt: time.UnixMilli(grantedAt),
	}, nil
}

// RevokeConsent forgets the consent record
func (s *Store) RevokeConsent(ctx context.Context, subjectID, clientID string) error {
	return s.fail("revoke consent", s.client.Del(ctx, s.consentKey(subjectID, clientID)).Err())
}
