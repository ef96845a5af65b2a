package storage

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"
	"time"
)

// Fingerprint returns the lookup key for a secret value (authorization code,
// opaque access token or refresh token). Stores only ever see fingerprints, so a
// leaked database does not leak usable credentials.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// CodeMatch carries what the token request claims about an authorization code.
// Stores evaluate it inside their atomic consume operation.
type CodeMatch struct {
	ClientID    string
	RedirectURI string

	// Verifier is the PKCE code_verifier as sent by the client
	Verifier string
	// S256Challenge is base64url(SHA256(Verifier)) without padding
	S256Challenge string
	// VerifierValid is false when Verifier violates RFC 7636 syntax; such a
	// verifier never matches a stored challenge
	VerifierValid bool
}

// Matches reports whether code was issued for this client, redirect URI and verifier.
// An empty RedirectURI only matches a code whose redirect URI was defaulted.
// All comparisons are constant-time.
func (m CodeMatch) Matches(code *AuthorizationCode) bool {
	ok := equal(code.ClientID, m.ClientID)
	if m.RedirectURI != "" || !code.RedirectURIDefaulted {
		ok = equal(code.RedirectURI, m.RedirectURI) && ok
	}

	if code.CodeChallenge == "" {
		// No PKCE at authorize time: a verifier must not appear now either
		return ok && m.Verifier == ""
	}
	if !m.VerifierValid {
		return false
	}

	switch code.CodeChallengeMethod {
	case PKCEMethodS256:
		return equal(code.CodeChallenge, m.S256Challenge) && ok
	case PKCEMethodPlain:
		return equal(code.CodeChallenge, m.Verifier) && ok
	default:
		return false
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TokenFilter selects tokens for bulk revocation.
// At least one of GrantID, ParentTokenID, SessionID or SubjectID must be set;
// ClientID and Kind only narrow the selection.
type TokenFilter struct {
	GrantID       string
	ParentTokenID string
	SessionID     string
	SubjectID     string
	ClientID      string
	Kind          TokenKind
}

// Validate rejects filters that would select every token
func (f TokenFilter) Validate() error {
	if f.GrantID == "" && f.ParentTokenID == "" && f.SessionID == "" && f.SubjectID == "" {
		return ErrEmptyFilter
	}
	return nil
}

// Matches reports whether token is selected by the filter
func (f TokenFilter) Matches(t *Token) bool {
	switch {
	case f.GrantID != "" && t.GrantID != f.GrantID:
		return false
	case f.ParentTokenID != "" && t.ParentTokenID != f.ParentTokenID:
		return false
	case f.SessionID != "" && t.SessionID != f.SessionID:
		return false
	case f.SubjectID != "" && t.SubjectID != f.SubjectID:
		return false
	case f.ClientID != "" && t.ClientID != f.ClientID:
		return false
	case f.Kind != "" && t.Kind != f.Kind:
		return false
	}
	return true
}

// IsExpired reports whether the record is past its expiry at now
func (t *Token) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// IsExpired reports whether the code is past its expiry at now
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Clone returns a deep copy so callers cannot mutate stored state
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

// Clone returns a deep copy so callers cannot mutate stored state
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// Clone returns a deep copy so callers cannot mutate stored state
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// MergeScopes returns existing with every scope from added appended once,
// preserving order.
func MergeScopes(existing, added []string) []string {
	out := slices.Clone(existing)
	for _, s := range added {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
