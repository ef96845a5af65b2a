package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/authserver/storage"
)

const tokenColumns = `token_id, kind, subject_id, client_id, scopes, issued_at, expires_at,
	revoked, revoked_at, parent_token_id, grant_id, session_id`

// SaveToken persists a token record
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.TokenID == "" {
		return fmt.Errorf("token ID is required")
	}

	const q = `
INSERT INTO oauth_tokens (` + tokenColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
`
	_, err := s.pool.Exec(ctx, q,
		token.TokenID,
		string(token.Kind),
		token.SubjectID,
		token.ClientID,
		nonNil(token.Scopes),
		token.IssuedAt,
		nullTime(token.ExpiresAt),
		token.Revoked,
		nullTime(token.RevokedAt),
		token.ParentTokenID,
		token.GrantID,
		token.SessionID,
	)
	if err != nil {
		return s.fail("save token", err)
	}
	return nil
}

// GetToken reads a token record, including revoked and expired ones
func (s *Store) GetToken(ctx context.Context, tokenID string) (*storage.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM oauth_tokens WHERE token_id = $1`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, s.fail("get token", err)
	}
	return token, nil
}

// RevokeToken flips revoked from false to true
func (s *Store) RevokeToken(ctx context.Context, tokenID string) (bool, error) {
	const q = `
WITH target AS (
	SELECT token_id, revoked FROM oauth_tokens WHERE token_id = $1
), flipped AS (
	UPDATE oauth_tokens SET revoked = TRUE, revoked_at = $2
	WHERE token_id = $1 AND NOT revoked
	RETURNING token_id
)
SELECT EXISTS (SELECT 1 FROM target), EXISTS (SELECT 1 FROM flipped);
`
	var found, changed bool
	if err := s.pool.QueryRow(ctx, q, tokenID, s.now()).Scan(&found, &changed); err != nil {
		return false, s.fail("revoke token", err)
	}
	if !found {
		return false, storage.ErrTokenNotFound
	}
	return changed, nil
}

// ConsumeRefreshToken revokes a live refresh token owned by clientID and returns it
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenID, clientID string) (*storage.Token, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, s.fail("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM oauth_tokens WHERE token_id = $1 FOR UPDATE`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, s.fail("lock token", err)
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

	if _, err := tx.Exec(ctx, `UPDATE oauth_tokens SET revoked = TRUE, revoked_at = $2 WHERE token_id = $1`, tokenID, now); err != nil {
		return nil, s.fail("revoke refresh token", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, s.fail("commit transaction", err)
	}

	token.Revoked = true
	token.RevokedAt = now
	return token, nil
}

// RevokeTokens revokes every live token matching filter in one UPDATE
func (s *Store) RevokeTokens(ctx context.Context, filter storage.TokenFilter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	args := []any{s.now()}
	conds := []string{"NOT revoked"}
	for _, c := range []struct {
		column string
		value  string
	}{
		{"grant_id", filter.GrantID},
		{"parent_token_id", filter.ParentTokenID},
		{"session_id", filter.SessionID},
		{"subject_id", filter.SubjectID},
		{"client_id", filter.ClientID},
		{"kind", string(filter.Kind)},
	} {
		if c.value == "" {
			continue
		}
		args = append(args, c.value)
		conds = append(conds, fmt.Sprintf("%s = $%d", c.column, len(args)))
	}

	q := `UPDATE oauth_tokens SET revoked = TRUE, revoked_at = $1 WHERE ` + strings.Join(conds, " AND ")
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, s.fail("revoke tokens", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanToken(row pgx.Row) (*storage.Token, error) {
	var t storage.Token
	var kind string
	var expiresAt, revokedAt *time.Time
	err := row.Scan(
		&t.TokenID,
		&kind,
		&t.SubjectID,
		&t.ClientID,
		&t.Scopes,
		&t.IssuedAt,
		&expiresAt,
		&t.Revoked,
		&revokedAt,
		&t.ParentTokenID,
		&t.GrantID,
		&t.SessionID,
	)
	if err != nil {
		return nil, err
	}
	t.Kind = storage.TokenKind(kind)
	t.ExpiresAt = fromNullTime(expiresAt)
	t.RevokedAt = fromNullTime(revokedAt)
	return &t, nil
}
