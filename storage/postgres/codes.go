package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/storage"
)

const codeColumns = `code, client_id, redirect_uri, code_challenge, code_challenge_method, scopes,
	subject_id, session_id, nonce, auth_time, issued_at, expires_at, used, compromised, redirect_uri_defaulted`

// SaveAuthorizationCode persists a freshly issued code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	const q = `
INSERT INTO oauth_authorization_codes (` + codeColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
`
	_, err := s.pool.Exec(ctx, q,
		code.Code,
		code.ClientID,
		code.RedirectURI,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		nonNil(code.Scopes),
		code.SubjectID,
		code.SessionID,
		code.Nonce,
		nullTime(code.AuthTime),
		code.IssuedAt,
		code.ExpiresAt,
		code.Used,
		code.Compromised,
		code.RedirectURIDefaulted,
	)
	if err != nil {
		return s.fail("save authorization code", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_id", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode reads a code without changing it
func (s *Store) GetAuthorizationCode(ctx context.Context, codeID string) (*storage.AuthorizationCode, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+codeColumns+` FROM oauth_authorization_codes WHERE code = $1`, codeID)
	code, err := scanCode(row)
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, s.fail("get authorization code", err)
	}
	return code, nil
}

// ConsumeAuthorizationCode checks match and marks the code used while holding
// the row lock, so concurrent exchanges of one code serialise
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeID string, match storage.CodeMatch) (*storage.AuthorizationCode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, s.fail("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+codeColumns+` FROM oauth_authorization_codes WHERE code = $1 FOR UPDATE`, codeID)
	code, err := scanCode(row)
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, s.fail("lock authorization code", err)
	}

	if code.Used {
		if _, err := tx.Exec(ctx, `UPDATE oauth_authorization_codes SET compromised = TRUE WHERE code = $1`, codeID); err != nil {
			return nil, s.fail("flag authorization code", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, s.fail("commit transaction", err)
		}
		code.Compromised = true
		s.logger.Warn("Authorization code presented twice",
			"code_id", util.SafeTruncate(codeID, tokenIDLogLength),
			"client_id", code.ClientID)
		return code, storage.ErrCodeAlreadyUsed
	}
	if code.IsExpired(s.now()) {
		return nil, storage.ErrCodeExpired
	}
	if !match.Matches(code) {
		return nil, storage.ErrCodeMismatch
	}

	if _, err := tx.Exec(ctx, `UPDATE oauth_authorization_codes SET used = TRUE WHERE code = $1`, codeID); err != nil {
		return nil, s.fail("mark authorization code used", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, s.fail("commit transaction", err)
	}

	code.Used = true
	return code, nil
}

func scanCode(row pgx.Row) (*storage.AuthorizationCode, error) {
	var c storage.AuthorizationCode
	var authTime *time.Time
	err := row.Scan(
		&c.Code,
		&c.ClientID,
		&c.RedirectURI,
		&c.CodeChallenge,
		&c.CodeChallengeMethod,
		&c.Scopes,
		&c.SubjectID,
		&c.SessionID,
		&c.Nonce,
		&authTime,
		&c.IssuedAt,
		&c.ExpiresAt,
		&c.Used,
		&c.Compromised,
		&c.RedirectURIDefaulted,
	)
	if err != nil {
		return nil, err
	}
	c.AuthTime = fromNullTime(authTime)
	return &c, nil
}
