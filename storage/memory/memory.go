// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/security"
	"github.com/giantswarm/authserver/storage"
)

// tokenIDLogLength is the number of characters of a token or code ID that may appear in logs
const tokenIDLogLength = 8

// Store is an in-memory implementation of all storage interfaces.
// Every conditional transition (code consume, refresh rotation, revocation)
// happens inside a single critical section of mu.
type Store struct {
	mu sync.RWMutex

	clients  map[string]*storage.Client
	codes    map[string]*storage.AuthorizationCode // code fingerprint -> code
	tokens   map[string]*storage.Token             // token ID -> record
	sessions map[string]*storage.Session
	consents map[consentKey]*storage.Consent

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	tokensCountAtomic   atomic.Int64
	codesCountAtomic    atomic.Int64
	clientsCountAtomic  atomic.Int64
	sessionsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval  time.Duration
	expiredRetention time.Duration
	stopCleanup      chan struct{}
	stopOnce         sync.Once
	logger           *slog.Logger

	now func() time.Time
}

type consentKey struct {
	subjectID string
	clientID  string
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

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:          make(map[string]*storage.Client),
		codes:            make(map[string]*storage.AuthorizationCode),
		tokens:           make(map[string]*storage.Token),
		sessions:         make(map[string]*storage.Session),
		consents:         make(map[consentKey]*storage.Consent),
		cleanupInterval:  cleanupInterval,
		expiredRetention: storage.DefaultExpiredRetention,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
		now:              time.Now,
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetExpiredRetention sets how long records are kept past their expiry.
// Zero or negative values restore storage.DefaultExpiredRetention.
func (s *Store) SetExpiredRetention(d time.Duration) {
	if d <= 0 {
		d = storage.DefaultExpiredRetention
	}
	s.mu.Lock()
	s.expiredRetention = d
	s.mu.Unlock()
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			s.tokensCountAtomic.Load,
			s.codesCountAtomic.Load,
			s.clientsCountAtomic.Load,
			s.sessionsCountAtomic.Load,
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_client", err, start) }(time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ClientID]; !existed {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[client.ClientID] = client.Clone()

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_client", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return client.Clone(), nil
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "list_clients", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c.Clone())
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return clients, nil
}

// DeleteClient removes a client registration
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "delete_client", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	delete(s.clients, clientID)
	s.clientsCountAtomic.Add(-1)
	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode persists a freshly issued code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, start)
	}(time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.codes[code.Code]; !existed {
		s.codesCountAtomic.Add(1)
	}
	s.codes[code.Code] = code.Clone()

	s.logger.Debug("Saved authorization code",
		"code_id", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode reads a code without changing it
func (s *Store) GetAuthorizationCode(ctx context.Context, codeID string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_authorization_code")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "get_authorization_code", err, start)
	}(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codes[codeID]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	return code.Clone(), nil
}

// ConsumeAuthorizationCode checks match and marks the code used in one critical section
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeID string, match storage.CodeMatch) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, start)
	}(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeID]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	if code.Used {
		code.Compromised = true
		s.logger.Warn("Authorization code presented twice",
			"code_id", util.SafeTruncate(codeID, tokenIDLogLength),
			"client_id", code.ClientID)
		return code.Clone(), storage.ErrCodeAlreadyUsed
	}
	if code.IsExpired(s.now()) {
		return nil, storage.ErrCodeExpired
	}
	if !match.Matches(code) {
		return nil, storage.ErrCodeMismatch
	}

	code.Used = true
	return code.Clone(), nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken persists a token record
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_token", err, start) }(time.Now())

	if token == nil || token.TokenID == "" {
		return fmt.Errorf("token ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.tokens[token.TokenID]; !existed {
		s.tokensCountAtomic.Add(1)
	}
	s.tokens[token.TokenID] = token.Clone()
	return nil
}

// GetToken reads a token record, including revoked and expired ones
func (s *Store) GetToken(ctx context.Context, tokenID string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_token", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return token.Clone(), nil
}

// RevokeToken flips revoked from false to true
func (s *Store) RevokeToken(ctx context.Context, tokenID string) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "revoke_token", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return false, storage.ErrTokenNotFound
	}
	if token.Revoked {
		return false, nil
	}
	token.Revoked = true
	token.RevokedAt = s.now()
	return true, nil
}

// ConsumeRefreshToken revokes a live refresh token owned by clientID and returns it
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenID, clientID string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "consume_refresh_token", err, start)
	}(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[tokenID]
	if !ok || token.Kind != storage.TokenKindRefresh {
		return nil, storage.ErrTokenNotFound
	}
	if token.ClientID != clientID {
		return nil, storage.ErrTokenClientMismatch
	}
	if token.Revoked {
		return token.Clone(), storage.ErrTokenRevoked
	}
	now := s.now()
	if token.IsExpired(now) {
		return nil, storage.ErrTokenExpired
	}

	token.Revoked = true
	token.RevokedAt = now
	return token.Clone(), nil
}

// RevokeTokens revokes every live token matching filter
func (s *Store) RevokeTokens(ctx context.Context, filter storage.TokenFilter) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_tokens")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "revoke_tokens", err, start) }(time.Now())

	if err := filter.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	revoked := 0
	for _, token := range s.tokens {
		if token.Revoked || !filter.Matches(token) {
			continue
		}
		token.Revoked = true
		token.RevokedAt = now
		revoked++
	}

	span.SetAttributes(attribute.Int(instrumentation.AttrRevokedCount, revoked))
	return revoked, nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// SaveSession persists an authenticated session
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_session")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "save_session", err, start) }(time.Now())

	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.sessions[session.ID]; !existed {
		s.sessionsCountAtomic.Add(1)
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

// GetSession returns ErrSessionNotFound for unknown or expired sessions
func (s *Store) GetSession(ctx context.Context, sessionID string) (_ *storage.Session, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_session")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_session", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || s.now().After(session.ExpiresAt) {
		return nil, storage.ErrSessionNotFound
	}
	cp := *session
	return &cp, nil
}

// DeleteSession removes a session; deleting an unknown session is not an error
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_session")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "delete_session", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; ok {
		delete(s.sessions, sessionID)
		s.sessionsCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// GrantConsent merges scopes into the subject's consent for the client
func (s *Store) GrantConsent(ctx context.Context, subjectID, clientID string, scopes []string) (_ *storage.Consent, err error) {
	ctx, span := s.startStorageSpan(ctx, "grant_consent")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "grant_consent", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	key := consentKey{subjectID: subjectID, clientID: clientID}
	consent, ok := s.consents[key]
	if !ok {
		consent = &storage.Consent{SubjectID: subjectID, ClientID: clientID}
		s.consents[key] = consent
	}
	consent.Scopes = storage.MergeScopes(consent.Scopes, scopes)
	consent.GrantedAt = s.now()

	cp := *consent
	cp.Scopes = slices.Clone(consent.Scopes)
	return &cp, nil
}

// GetConsent returns the scopes granted so far
func (s *Store) GetConsent(ctx context.Context, subjectID, clientID string) (_ *storage.Consent, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_consent")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "get_consent", err, start) }(time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	consent, ok := s.consents[consentKey{subjectID: subjectID, clientID: clientID}]
	if !ok {
		return nil, storage.ErrConsentNotFound
	}
	cp := *consent
	cp.Scopes = slices.Clone(consent.Scopes)
	return &cp, nil
}

// RevokeConsent forgets the consent record
func (s *Store) RevokeConsent(ctx context.Context, subjectID, clientID string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_consent")
	defer span.End()
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "revoke_consent", err, start) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.consents, consentKey{subjectID: subjectID, clientID: clientID})
	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops records whose expiry lies further back than the retention window
func (s *Store) cleanup() {
	s.mu.RLock()
	cutoff := s.now().Add(-s.expiredRetention)
	s.mu.RUnlock()

	n, _ := s.DeleteExpired(context.Background(), cutoff)
	if n > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", n)
	}
}

// DeleteExpired removes codes, tokens and sessions that expired before cutoff,
// allowing for clock skew, and returns how many were removed.
// Used codes and revoked tokens stay until then so that replays are still
// recognised as replays.
func (s *Store) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	expired := func(expiresAt time.Time) bool {
		return security.IsExpiredAt(expiresAt, cutoff, security.DefaultClockSkewGracePeriod)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var cleaned int64

	for id, code := range s.codes {
		if expired(code.ExpiresAt) {
			delete(s.codes, id)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for id, token := range s.tokens {
		if expired(token.ExpiresAt) {
			delete(s.tokens, id)
			s.tokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	for id, session := range s.sessions {
		if expired(session.ExpiresAt) {
			delete(s.sessions, id)
			s.sessionsCountAtomic.Add(-1)
			cleaned++
		}
	}

	return cleaned, nil
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a span for a storage operation when tracing is configured
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
