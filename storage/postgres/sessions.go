package postgres

import (
	"context"
	"fmt"

	"github.com/giantswarm/authserver/storage"
)

// SaveSession persists an authenticated session
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID is required")
	}

	const q = `
INSERT INTO oauth_sessions (id, subject_id, authenticated_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
	subject_id       = EXCLUDED.subject_id,
	authenticated_at = EXCLUDED.authenticated_at,
	expires_at       = EXCLUDED.expires_at;
`
	if _, err := s.pool.Exec(ctx, q, session.ID, session.SubjectID, session.AuthenticatedAt, session.ExpiresAt); err != nil {
		return s.fail("save session", err)
	}
	return nil
}

// GetSession returns ErrSessionNotFound for unknown or expired sessions
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	var session storage.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, subject_id, authenticated_at, expires_at FROM oauth_sessions WHERE id = $1`, sessionID,
	).Scan(&session.ID, &session.SubjectID, &session.AuthenticatedAt, &session.ExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, s.fail("get session", err)
	}
	if s.now().After(session.ExpiresAt) {
		return nil, storage.ErrSessionNotFound
	}
	return &session, nil
}

// DeleteSession removes a session; deleting an unknown session is not an error
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM oauth_sessions WHERE id = $1`, sessionID); err != nil {
		return s.fail("delete session", err)
	}
	return nil
}

// GrantConsent merges scopes into the subject's consent for the client.
// The row is locked while merging so concurrent grants never lose scopes.
func (s *Store) GrantConsent(ctx context.Context, subjectID, clientID string, scopes []string) (*storage.Consent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, s.fail("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.now()
	_, err = tx.Exec(ctx, `
INSERT INTO oauth_consents (subject_id, client_id, scopes, granted_at)
VALUES ($1, $2, '{}', $3)
ON CONFLICT (subject_id, client_id) DO NOTHING;
`, subjectID, clientID, now)
	if err != nil {
		return nil, s.fail("create consent", err)
	}

	var existing []string
	err = tx.QueryRow(ctx,
		`SELECT scopes FROM oauth_consents WHERE subject_id = $1 AND client_id = $2 FOR UPDATE`,
		subjectID, clientID,
	).Scan(&existing)
	if err != nil {
		return nil, s.fail("lock consent", err)
	}

	merged := storage.MergeScopes(existing, scopes)
	_, err = tx.Exec(ctx,
		`UPDATE oauth_consents SET scopes = $3, granted_at = $4 WHERE subject_id = $1 AND client_id = $2`,
		subjectID, clientID, nonNil(merged), now,
	)
	if err != nil {
		return nil, s.fail("update consent", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, s.fail("commit transaction", err)
	}

	return &storage.Consent{
		SubjectID: subjectID,
		ClientID:  clientID,
		Scopes:    merged,
		GrantedAt: now,
	}, nil
}

// GetConsent returns the scopes granted so far
func (s *Store) GetConsent(ctx context.Context, subjectID, clientID string) (*storage.Consent, error) {
	consent := storage.Consent{SubjectID: subjectID, ClientID: clientID}
	err := s.pool.QueryRow(ctx,
		`SELECT scopes, granted_at FROM oauth_consents WHERE subject_id = $1 AND client_id = $2`,
		subjectID, clientID,
	).Scan(&consent.Scopes, &consent.GrantedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrConsentNotFound
		}
		return nil, s.fail("get consent", err)
	}
	return &consent, nil
}

// RevokeConsent forgets the consent record
func (s *Store) RevokeConsent(ctx context.Context, subjectID, clientID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM oauth_consents WHERE subject_id = $1 AND client_id = $2`, subjectID, clientID)
	if err != nil {
		return s.fail("revoke consent", err)
	}
	return nil
}
