package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/authserver/storage"
)

// RunStoreSuite runs the behaviour every storage.Store backend must share.
// newStore is called once per subtest and must return an empty store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Helper()

	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("CodeConsume", func(t *testing.T) { testCodeConsume(t, newStore(t)) })
	t.Run("CodeSoftFailures", func(t *testing.T) { testCodeSoftFailures(t, newStore(t)) })
	t.Run("CodeConcurrentConsume", func(t *testing.T) { testCodeConcurrentConsume(t, newStore(t)) })
	t.Run("CodeDefaultedRedirect", func(t *testing.T) { testCodeDefaultedRedirect(t, newStore(t)) })
	t.Run("CodeReplayAfterExpiry", func(t *testing.T) { testCodeReplayAfterExpiry(t, newStore(t)) })
	t.Run("TokenRevoke", func(t *testing.T) { testTokenRevoke(t, newStore(t)) })
	t.Run("RefreshConsume", func(t *testing.T) { testRefreshConsume(t, newStore(t)) })
	t.Run("RefreshConcurrentConsume", func(t *testing.T) { testRefreshConcurrentConsume(t, newStore(t)) })
	t.Run("RevokeTokensByFilter", func(t *testing.T) { testRevokeTokens(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("Consents", func(t *testing.T) { testConsents(t, newStore(t)) })
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetClient(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrClientNotFound)

	c1 := GenerateTestClient("c1", "secret1")
	c2 := GenerateTestPublicClient("c2")
	require.NoError(t, s.SaveClient(ctx, c1))
	require.NoError(t, s.SaveClient(ctx, c2))

	got, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c1.ClientSecretHash, got.ClientSecretHash)
	assert.Equal(t, c1.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, c1.GrantTypes, got.GrantTypes)
	assert.Equal(t, c1.Scopes, got.Scopes)
	assert.False(t, got.IsPublic())

	// callers must not be able to mutate stored state
	got.Scopes[0] = "mutated"
	again, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "openid", again.Scopes[0])

	list, err := s.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ClientID)
	assert.Equal(t, "c2", list[1].ClientID)

	require.NoError(t, s.DeleteClient(ctx, "c2"))
	_, err = s.GetClient(ctx, "c2")
	require.ErrorIs(t, err, storage.ErrClientNotFound)
}

func testCodeConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()

	code, verifier := GenerateTestAuthorizationCode("c1")
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.ConsumeAuthorizationCode(ctx, code.Code, MatchFor(code, verifier))
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, code.SubjectID, got.SubjectID)
	assert.Equal(t, code.Scopes, got.Scopes)
	assert.Equal(t, code.SessionID, got.SessionID)

	// replay: reported as reuse and the stored code is flagged
	replayed, err := s.ConsumeAuthorizationCode(ctx, code.Code, MatchFor(code, verifier))
	require.ErrorIs(t, err, storage.ErrCodeAlreadyUsed)
	require.NotNil(t, replayed)
	assert.True(t, replayed.Compromised)

	stored, err := s.GetAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.True(t, stored.Used)
	assert.True(t, stored.Compromised)

	_, err = s.ConsumeAuthorizationCode(ctx, "unknown", MatchFor(code, verifier))
	require.ErrorIs(t, err, storage.ErrCodeNotFound)
}

func testCodeSoftFailures(t *testing.T, s storage.Store) {
	ctx := context.Background()

	code, verifier := GenerateTestAuthorizationCode("c1")
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	wrongClient := MatchFor(code, verifier)
	wrongClient.ClientID = "c2"
	_, err := s.ConsumeAuthorizationCode(ctx, code.Code, wrongClient)
	require.ErrorIs(t, err, storage.ErrCodeMismatch)

	wrongRedirect := MatchFor(code, verifier)
	wrongRedirect.RedirectURI = "https://evil.example.com/callback"
	_, err = s.ConsumeAuthorizationCode(ctx, code.Code, wrongRedirect)
	require.ErrorIs(t, err, storage.ErrCodeMismatch)

	_, otherVerifier := GenerateTestAuthorizationCode("c1")
	_, err = s.ConsumeAuthorizationCode(ctx, code.Code, MatchFor(code, otherVerifier))
	require.ErrorIs(t, err, storage.ErrCodeMismatch)

	invalid := MatchFor(code, verifier)
	invalid.VerifierValid = false
	_, err = s.ConsumeAuthorizationCode(ctx, code.Code, invalid)
	require.ErrorIs(t, err, storage.ErrCodeMismatch)

	// mismatches leave the code redeemable
	stored, err := s.GetAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.False(t, stored.Used)

	_, err = s.ConsumeAuthorizationCode(ctx, code.Code, MatchFor(code, verifier))
	require.NoError(t, err)

	expired, expiredVerifier := GenerateTestAuthorizationCode("c1")
	expired.IssuedAt = time.Now().Add(-20 * time.Minute)
	expired.ExpiresAt = time.Now().Add(-10 * time.Minute)
	require.NoError(t, s.SaveAuthorizationCode(ctx, expired))
	_, err = s.ConsumeAuthorizationCode(ctx, expired.Code, MatchFor(expired, expiredVerifier))
	if !errors.Is(err, storage.ErrCodeExpired) && !errors.Is(err, storage.ErrCodeNotFound) {
		t.Fatalf("ConsumeAuthorizationCode(expired) error = %v, want expired or not found", err)
	}
}

func testCodeConcurrentConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()

	code, verifier := GenerateTestAuthorizationCode("c1")
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	const workers = 16
	var wins, reuses atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeAuthorizationCode(ctx, code.Code, MatchFor(code, verifier))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrCodeAlreadyUsed):
				reuses.Add(1)
			default:
				t.Errorf("ConsumeAuthorizationCode() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one exchange must win")
	assert.Equal(t, int32(workers-1), reuses.Load())
}

func testCodeDefaultedRedirect(t *testing.T, s storage.Store) {
	ctx := context.Background()

	sent, sentVerifier := GenerateTestAuthorizationCode("c1")
	defaulted, verifier := GenerateTestAuthorizationCode("c1")
	defaulted.RedirectURIDefaulted = true
	require.NoError(t, s.SaveAuthorizationCode(ctx, sent))
	require.NoError(t, s.SaveAuthorizationCode(ctx, defaulted))

	stored, err := s.GetAuthorizationCode(ctx, defaulted.Code)
	require.NoError(t, err)
	assert.True(t, stored.RedirectURIDefaulted)

	omitted := MatchFor(sent, sentVerifier)
	omitted.RedirectURI = ""
	_, err = s.ConsumeAuthorizationCode(ctx, sent.Code, omitted)
	require.ErrorIs(t, err, storage.ErrCodeMismatch)

	omitted = MatchFor(defaulted, verifier)
	omitted.RedirectURI = ""
	_, err = s.ConsumeAuthorizationCode(ctx, defaulted.Code, omitted)
	require.NoError(t, err)
}

// expiredDeleter is implemented by stores whose expired records are purged
// by a caller rather than by the backend itself
type expiredDeleter interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

func testCodeReplayAfterExpiry(t *testing.T, s storage.Store) {
	ctx := context.Background()

	code, verifier := GenerateTestAuthorizationCode("c1")
	code.IssuedAt = time.Now().Add(-11 * time.Minute)
	code.ExpiresAt = time.Now().Add(-time.Minute)
	code.Used = true
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	deleter, purges := s.(expiredDeleter)
	if purges {
		_, err := deleter.DeleteExpired(ctx, time.Now().Add(-storage.DefaultExpiredRetention))
		require.NoError(t, err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, code.Code, MatchFor(code, verifier))
	require.ErrorIs(t, err, storage.ErrCodeAlreadyUsed, "a replay within the retention window is still a replay")
	require.NotNil(t, got)
	assert.True(t, got.Compromised)

	if purges {
		_, err = deleter.DeleteExpired(ctx, time.Now())
		require.NoError(t, err)
		_, err = s.ConsumeAuthorizationCode(ctx, code.Code, MatchFor(code, verifier))
		require.ErrorIs(t, err, storage.ErrCodeNotFound)
	}
}

func testTokenRevoke(t *testing.T, s storage.Store) {
	ctx := context.Background()

	tok := GenerateTestToken(storage.TokenKindAccess, "c1", "grant-1")
	require.NoError(t, s.SaveToken(ctx, tok))

	got, err := s.GetToken(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.Equal(t, tok.Kind, got.Kind)
	assert.Equal(t, tok.GrantID, got.GrantID)
	assert.False(t, got.Revoked)

	changed, err := s.RevokeToken(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.RevokeToken(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.False(t, changed, "second revoke must be a no-op")

	got, err = s.GetToken(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.False(t, got.RevokedAt.IsZero())

	_, err = s.RevokeToken(ctx, "unknown")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.GetToken(ctx, "unknown")
	require.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func testRefreshConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()

	refresh := GenerateTestToken(storage.TokenKindRefresh, "c1", "grant-1")
	access := GenerateTestToken(storage.TokenKindAccess, "c1", "grant-1")
	require.NoError(t, s.SaveToken(ctx, refresh))
	require.NoError(t, s.SaveToken(ctx, access))

	_, err := s.ConsumeRefreshToken(ctx, refresh.TokenID, "c2")
	require.ErrorIs(t, err, storage.ErrTokenClientMismatch)

	_, err = s.ConsumeRefreshToken(ctx, access.TokenID, "c1")
	require.ErrorIs(t, err, storage.ErrTokenNotFound, "access tokens cannot be rotated")

	got, err := s.ConsumeRefreshToken(ctx, refresh.TokenID, "c1")
	require.NoError(t, err)
	assert.Equal(t, refresh.GrantID, got.GrantID)
	assert.Equal(t, refresh.Scopes, got.Scopes)

	reused, err := s.ConsumeRefreshToken(ctx, refresh.TokenID, "c1")
	require.ErrorIs(t, err, storage.ErrTokenRevoked)
	require.NotNil(t, reused)
	assert.Equal(t, refresh.GrantID, reused.GrantID)

	expired := GenerateTestToken(storage.TokenKindRefresh, "c1", "grant-2")
	expired.IssuedAt = time.Now().Add(-2 * time.Hour)
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.SaveToken(ctx, expired))
	_, err = s.ConsumeRefreshToken(ctx, expired.TokenID, "c1")
	if !errors.Is(err, storage.ErrTokenExpired) && !errors.Is(err, storage.ErrTokenNotFound) {
		t.Fatalf("ConsumeRefreshToken(expired) error = %v, want expired or not found", err)
	}
}

func testRefreshConcurrentConsume(t *testing.T, s storage.Store) {
	ctx := context.Background()

	refresh := GenerateTestToken(storage.TokenKindRefresh, "c1", "grant-1")
	require.NoError(t, s.SaveToken(ctx, refresh))

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeRefreshToken(ctx, refresh.TokenID, "c1"); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, storage.ErrTokenRevoked) {
				t.Errorf("ConsumeRefreshToken() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one rotation must win")
}

func testRevokeTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.RevokeTokens(ctx, storage.TokenFilter{ClientID: "c1"})
	require.ErrorIs(t, err, storage.ErrEmptyFilter)

	a1 := GenerateTestToken(storage.TokenKindAccess, "c1", "grant-1")
	r1 := GenerateTestToken(storage.TokenKindRefresh, "c1", "grant-1")
	a2 := GenerateTestToken(storage.TokenKindAccess, "c1", "grant-2")
	a2.SessionID = "session-2"
	a3 := GenerateTestToken(storage.TokenKindAccess, "c1", "grant-3")
	a3.ParentTokenID = r1.TokenID
	a3.SessionID = "session-3"
	for _, tok := range []*storage.Token{a1, r1, a2, a3} {
		require.NoError(t, s.SaveToken(ctx, tok))
	}

	n, err := s.RevokeTokens(ctx, storage.TokenFilter{GrantID: "grant-1", Kind: storage.TokenKindRefresh})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.RevokeTokens(ctx, storage.TokenFilter{GrantID: "grant-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "already revoked tokens are not counted")

	n, err = s.RevokeTokens(ctx, storage.TokenFilter{ParentTokenID: r1.TokenID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.RevokeTokens(ctx, storage.TokenFilter{SessionID: "session-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, tok := range []*storage.Token{a1, r1, a2, a3} {
		got, err := s.GetToken(ctx, tok.TokenID)
		require.NoError(t, err)
		assert.True(t, got.Revoked, "token %s should be revoked", tok.TokenID[:8])
	}
}

func testSessions(t *testing.T, s storage.Store) {
	ctx := context.Background()

	now := time.Now()
	session := &storage.Session{
		ID:              "session-1",
		SubjectID:       "user-123",
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(time.Hour),
	}
	require.NoError(t, s.SaveSession(ctx, session))

	got, err := s.GetSession(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, "user-123", got.SubjectID)
	assert.WithinDuration(t, now, got.AuthenticatedAt, time.Second)

	require.NoError(t, s.DeleteSession(ctx, "session-1"))
	_, err = s.GetSession(ctx, "session-1")
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
	require.NoError(t, s.DeleteSession(ctx, "session-1"), "deleting twice is not an error")

	expired := &storage.Session{
		ID:              "session-old",
		SubjectID:       "user-123",
		AuthenticatedAt: now.Add(-2 * time.Hour),
		ExpiresAt:       now.Add(-time.Hour),
	}
	require.NoError(t, s.SaveSession(ctx, expired))
	_, err = s.GetSession(ctx, "session-old")
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func testConsents(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetConsent(ctx, "user-123", "c1")
	require.ErrorIs(t, err, storage.ErrConsentNotFound)

	c, err := s.GrantConsent(ctx, "user-123", "c1", []string{"openid", "email"})
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "email"}, c.Scopes)

	c, err = s.GrantConsent(ctx, "user-123", "c1", []string{"email", "api"})
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "email", "api"}, c.Scopes)

	got, err := s.GetConsent(ctx, "user-123", "c1")
	require.NoError(t, err)
	assert.True(t, got.Covers([]string{"api", "openid"}))
	assert.False(t, got.Covers([]string{"profile"}))

	_, err = s.GetConsent(ctx, "user-123", "c2")
	require.ErrorIs(t, err, storage.ErrConsentNotFound, "consent is per client")

	require.NoError(t, s.RevokeConsent(ctx, "user-123", "c1"))
	_, err = s.GetConsent(ctx, "user-123", "c1")
	require.ErrorIs(t, err, storage.ErrConsentNotFound)
	require.NoError(t, s.RevokeConsent(ctx, "user-123", "c1"))
}
