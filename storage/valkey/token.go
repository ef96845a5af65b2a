package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken persists a token record and adds it to the grant, parent, session
// and subject index sets used by RevokeTokens
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.TokenID == "" {
		return fmt.Errorf("token ID is required")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errRecordTooLarge
	}

	err = s.saveRecord(ctx, s.tokenKey(token.TokenID), token.TokenID, s.recordTTL(token.ExpiresAt), s.tokenIndexes(token),
		"data", string(data),
		"revoked", flag(token.Revoked),
		"revoked_at", formatMillis(token.RevokedAt),
	)
	if err != nil {
		return s.fail("save token", err)
	}
	return nil
}

// GetToken reads a token record, including revoked and expired ones
func (s *Store) GetToken(ctx context.Context, tokenID string) (*storage.Token, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.tokenKey(tokenID)).Build()).AsStrMap()
	if err != nil {
		return nil, s.fail("get token", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrTokenNotFound
	}
	return decodeToken(fields)
}

// RevokeToken flips revoked from false to true
func (s *Store) RevokeToken(ctx context.Context, tokenID string) (bool, error) {
	result, err := s.revoke(ctx, tokenID)
	if err != nil {
		return false, err
	}
	switch result {
	case "NOT_FOUND":
		return false, storage.ErrTokenNotFound
	case "ALREADY_REVOKED":
		return false, nil
	}
	return true, nil
}

// ConsumeRefreshToken revokes a live refresh token owned by clientID and returns it
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenID, clientID string) (*storage.Token, error) {
	token, err := s.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if token.Kind != storage.TokenKindRefresh {
		return nil, storage.ErrTokenNotFound
	}
	if token.ClientID != clientID {
		return nil, storage.ErrTokenClientMismatch
	}
	if token.Revoked {
		return token, storage.ErrTokenRevoked
	}
	now := s.now()
	if token.IsExpired(now) {
		return nil, storage.ErrTokenExpired
	}

	result, err := s.revokeAt(ctx, tokenID, now)
	if err != nil {
		return nil, err
	}
	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	case "ALREADY_REVOKED":
		// lost the race against a concurrent rotation or revocation
		token.Revoked = true
		s.logger.Debug("Refresh token revoked concurrently",
			"token_id", util.SafeTruncate(tokenID, tokenIDLogLength))
		return token, storage.ErrTokenRevoked
	}

	token.Revoked = true
	token.RevokedAt = now
	return token, nil
}

// RevokeTokens revokes every live token matching filter.
// Candidates come from the intersection of the index sets named by the filter.
func (s *Store) RevokeTokens(ctx context.Context, filter storage.TokenFilter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	var keys []string
	for _, idx := range []struct{ field, value string }{
		{"grant", filter.GrantID},
		{"parent", filter.ParentTokenID},
		{"session", filter.SessionID},
		{"subject", filter.SubjectID},
	} {
		if idx.value != "" {
			keys = append(keys, s.indexKey(idx.field, idx.value))
		}
	}

	ids, err := s.client.Do(ctx, s.client.B().Sinter().Key(keys...).Build()).AsStrSlice()
	if err != nil {
		return 0, s.fail("read token index", err)
	}

	now := s.now()
	revoked := 0
	for _, id := range ids {
		token, err := s.GetToken(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				continue // expired out of Valkey
			}
			return revoked, err
		}
		if token.Revoked || !filter.Matches(token) {
			continue
		}

		result, err := s.revokeAt(ctx, id, now)
		if err != nil {
			return revoked, err
		}
		if result == "OK" {
			revoked++
		}
	}
	return revoked, nil
}

func (s *Store) revoke(ctx context.Context, tokenID string) (string, error) {
	return s.revokeAt(ctx, tokenID, s.now())
}

func (s *Store) revokeAt(ctx context.Context, tokenID string, at time.Time) (string, error) {
	result, err := luaRevokeToken.Exec(ctx, s.client,
		[]string{s.tokenKey(tokenID)},
		[]string{formatMillis(at)},
	).ToString()
	if err != nil {
		return "", s.fail("revoke token", err)
	}
	return result, nil
}

// tokenIndexes returns the index sets a token belongs to
func (s *Store) tokenIndexes(token *storage.Token) []string {
	var keys []string
	if token.GrantID != "" {
		keys = append(keys, s.indexKey("grant", token.GrantID))
	}
	if token.ParentTokenID != "" {
		keys = append(keys, s.indexKey("parent", token.ParentTokenID))
	}
	if token.SessionID != "" {
		keys = append(keys, s.indexKey("session", token.SessionID))
	}
	if token.SubjectID != "" {
		keys = append(keys, s.indexKey("subject", token.SubjectID))
	}
	return keys
}

// tokenJSON is the JSON representation of a token record.
// Revoked and RevokedAt live in their own hash fields.
type tokenJSON struct {
	TokenID       string   `json:"token_id"`
	Kind          string   `json:"kind"`
	SubjectID     string   `json:"subject_id,omitempty"`
	ClientID      string   `json:"client_id"`
	Scopes        []string `json:"scopes"`
	IssuedAt      int64    `json:"issued_at"`
	ExpiresAt     int64    `json:"expires_at,omitempty"`
	ParentTokenID string   `json:"parent_token_id,omitempty"`
	GrantID       string   `json:"grant_id,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
}

func toTokenJSON(token *storage.Token) *tokenJSON {
	j := &tokenJSON{
		TokenID:       token.TokenID,
		Kind:          string(token.Kind),
		SubjectID:     token.SubjectID,
		ClientID:      token.ClientID,
		Scopes:        token.Scopes,
		IssuedAt:      token.IssuedAt.UnixMilli(),
		ParentTokenID: token.ParentTokenID,
		GrantID:       token.GrantID,
		SessionID:     token.SessionID,
	}
	if !token.ExpiresAt.IsZero() {
		j.ExpiresAt = token.ExpiresAt.UnixMilli()
	}
	return j
}

func decodeToken(fields map[string]string) (*storage.Token, error) {
	var j tokenJSON
	if err := json.Unmarshal([]byte(fields["data"]), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &storage.Token{
		TokenID:       j.TokenID,
		Kind:          storage.TokenKind(j.Kind),
		SubjectID:     j.SubjectID,
		ClientID:      j.ClientID,
		Scopes:        j.Scopes,
		IssuedAt:      fromMillis(j.IssuedAt),
		ExpiresAt:     fromMillis(j.ExpiresAt),
		Revoked:       fields["revoked"] == "1",
		RevokedAt:     parseMillis(fields["revoked_at"]),
		ParentTokenID: j.ParentTokenID,
		GrantID:       j.GrantID,
		SessionID:     j.SessionID,
	}, nil
}
