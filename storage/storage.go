// Package storage defines interfaces for persisting OAuth clients, authorization codes,
// tokens, browser sessions and consent records.
// It supports various backend implementations including in-memory, Valkey, Redis and PostgreSQL.
package storage

import (
	"context"
	"slices"
	"time"
)

// Grant types a client may be allowed to use
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// DefaultExpiredRetention is how long used codes, revoked tokens and sessions
// are kept past their expiry. A code replayed within this window is still
// recognised as a replay and revokes its grant.
const DefaultExpiredRetention = time.Hour

// PKCE challenge methods
const (
	PKCEMethodPlain = "plain"
	PKCEMethodS256  = "S256"
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// ClientStore manages OAuth client registrations.
// Clients are admin-managed and long-lived; the authorization core only reads them.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient creates or replaces a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound if unknown.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)

	// DeleteClient removes a client registration
	DeleteClient(ctx context.Context, clientID string) error
}

// CodeStore persists single-use authorization codes.
// Codes are keyed by their fingerprint (see Fingerprint), never by the raw value.
type CodeStore interface {
	// SaveAuthorizationCode persists a freshly issued, unused code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode reads a code without changing its state
	GetAuthorizationCode(ctx context.Context, codeID string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically checks a code against match and marks it used.
	// The check and the mark MUST be a single atomic operation. Outcomes:
	//   - ErrCodeNotFound: no such code
	//   - ErrCodeAlreadyUsed: the code was consumed before; the stored code is
	//     flagged Compromised in the same operation and returned alongside the error
	//   - ErrCodeExpired: the code is past its expiry (left unused)
	//   - ErrCodeMismatch: client, redirect URI or PKCE verifier do not match (left unused)
	ConsumeAuthorizationCode(ctx context.Context, codeID string, match CodeMatch) (*AuthorizationCode, error)
}

// TokenStore persists access and refresh token records.
// A token is never handed to a client before its record has been saved.
type TokenStore interface {
	// SaveToken persists a token record
	SaveToken(ctx context.Context, token *Token) error

	// GetToken reads a token record. Revoked and expired records are still returned.
	GetToken(ctx context.Context, tokenID string) (*Token, error)

	// RevokeToken flips revoked from false to true.
	// Returns true only for the call that performed the transition; revoking an
	// already revoked token is a successful no-op.
	RevokeToken(ctx context.Context, tokenID string) (bool, error)

	// ConsumeRefreshToken atomically revokes a live refresh token owned by clientID
	// and returns it. Outcomes:
	//   - ErrTokenNotFound: unknown ID or not a refresh token
	//   - ErrTokenClientMismatch: token belongs to another client (state unchanged)
	//   - ErrTokenRevoked: token was already revoked; the record is returned alongside the error
	//   - ErrTokenExpired: token is past its expiry
	ConsumeRefreshToken(ctx context.Context, tokenID, clientID string) (*Token, error)

	// RevokeTokens revokes every live token matching filter and returns how many were revoked.
	RevokeTokens(ctx context.Context, filter TokenFilter) (int, error)
}

// SessionStore persists authenticated end-user browser sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// ConsentStore persists the scopes a subject has granted to each client.
// Consent survives across sessions until explicitly revoked.
type ConsentStore interface {
	// GrantConsent merges scopes into the existing consent for subject+client and
	// returns the resulting record. The merge MUST be atomic.
	GrantConsent(ctx context.Context, subjectID, clientID string, scopes []string) (*Consent, error)

	// GetConsent returns ErrConsentNotFound when nothing was granted yet
	GetConsent(ctx context.Context, subjectID, clientID string) (*Consent, error)

	// RevokeConsent removes the consent record; revoking nothing is not an error
	RevokeConsent(ctx context.Context, subjectID, clientID string) error
}

// Store bundles every interface the authorization core needs.
// storage/memory, storage/valkey and storage/postgres implement all of them;
// storage/redis covers sessions and consent only.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
	SessionStore
	ConsentStore
}

// Composite assembles a Store from separate backends, e.g. clients, codes and
// tokens in PostgreSQL with sessions and consent in Redis.
type Composite struct {
	ClientStore
	CodeStore
	TokenStore
	SessionStore
	ConsentStore
}

var _ Store = Composite{}

// Client represents a registered OAuth client
type Client struct {
	ClientID               string
	ClientSecretHash       string // bcrypt hash, empty for public clients
	ClientType             string // "public" or "confidential"
	ClientName             string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	GrantTypes             []string
	Scopes                 []string // allowed scopes
	CreatedAt              time.Time
}

// IsPublic reports whether the client has no secret and must use PKCE
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic || c.ClientSecretHash == ""
}

// AllowsGrant reports whether grantType is in the client's allowed grant types
func (c *Client) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AuthorizationCode represents an issued authorization code.
// Code holds the fingerprint of the value handed to the client.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	RedirectURI string
	// RedirectURIDefaulted is set when the authorization request omitted
	// redirect_uri and the client's only registered URI was used; the token
	// request may then omit it as well (RFC 6749 section 4.1.3)
	RedirectURIDefaulted bool
	CodeChallenge        string
	CodeChallengeMethod  string
	Scopes               []string
	SubjectID            string
	SessionID            string
	Nonce                string
	AuthTime             time.Time
	IssuedAt             time.Time
	ExpiresAt            time.Time
	Used                 bool
	Compromised          bool // set when a second exchange was attempted
}

// Token is the durable record behind an issued access or refresh token.
type Token struct {
	TokenID       string
	Kind          TokenKind
	SubjectID     string // empty for client credentials
	ClientID      string
	Scopes        []string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     time.Time
	ParentTokenID string // refresh: the token it replaced; access: the refresh minted with it
	GrantID       string // fingerprint of the code (or first refresh) that started the lineage
	SessionID     string // browser session the lineage was created in, if any
}

// Session is an authenticated end-user session
type Session struct {
	ID              string
	SubjectID       string
	AuthenticatedAt time.Time
	ExpiresAt       time.Time
}

// Consent records the scopes a subject granted to one client
type Consent struct {
	SubjectID string
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
}

// Covers reports whether every scope in scopes has been consented to
func (c *Consent) Covers(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}
