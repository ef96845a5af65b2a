package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/authserver/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// HashSecret returns a low-cost bcrypt hash for test fixtures
func HashSecret(secret string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash secret: %v", err))
	}
	return string(hash)
}

// GenerateTestClient creates a confidential client allowed every grant type
func GenerateTestClient(clientID, secret string) *storage.Client {
	return &storage.Client{
		ClientID:         clientID,
		ClientSecretHash: HashSecret(secret),
		ClientType:       storage.ClientTypeConfidential,
		ClientName:       "Test Client",
		RedirectURIs:     []string{"https://app.example.com/callback"},
		GrantTypes: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeClientCredentials,
			storage.GrantTypeRefreshToken,
		},
		Scopes:    []string{"openid", "email", "profile", "api"},
		CreatedAt: time.Now(),
	}
}

// GenerateTestPublicClient creates a public client for the authorization code flow
func GenerateTestPublicClient(clientID string) *storage.Client {
	return &storage.Client{
		ClientID:     clientID,
		ClientType:   storage.ClientTypePublic,
		ClientName:   "Test Public Client",
		RedirectURIs: []string{"http://127.0.0.1:8765/callback"},
		GrantTypes: []string{
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeRefreshToken,
		},
		Scopes:    []string{"openid", "email", "profile"},
		CreatedAt: time.Now(),
	}
}

// GenerateTestAuthorizationCode creates an unused S256 code for clientID
// and returns it with the verifier that redeems it.
func GenerateTestAuthorizationCode(clientID string) (*storage.AuthorizationCode, string) {
	verifier := oauth2.GenerateVerifier()
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                storage.Fingerprint(GenerateRandomString(43)),
		ClientID:            clientID,
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: storage.PKCEMethodS256,
		Scopes:              []string{"openid", "email"},
		SubjectID:           "user-123",
		SessionID:           "session-1",
		AuthTime:            now,
		IssuedAt:            now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}, verifier
}

// GenerateTestToken creates a live token record
func GenerateTestToken(kind storage.TokenKind, clientID, grantID string) *storage.Token {
	now := time.Now()
	return &storage.Token{
		TokenID:   storage.Fingerprint(GenerateRandomString(43)),
		Kind:      kind,
		SubjectID: "user-123",
		ClientID:  clientID,
		Scopes:    []string{"openid", "api"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		GrantID:   grantID,
		SessionID: "session-1",
	}
}

// MatchFor builds the CodeMatch a well-behaved client would send for code
func MatchFor(code *storage.AuthorizationCode, verifier string) storage.CodeMatch {
	return storage.CodeMatch{
		ClientID:      code.ClientID,
		RedirectURI:   code.RedirectURI,
		Verifier:      verifier,
		S256Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		VerifierValid: true,
	}
}

// GenerateRandomString generates a random base64url string of exactly length characters
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}
