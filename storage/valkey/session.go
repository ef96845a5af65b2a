package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/storage"
)

// ============================================================
// SessionStore Implementation
// ============================================================

type sessionJSON struct {
	ID              string `json:"id"`
	SubjectID       string `json:"subject_id"`
	AuthenticatedAt int64  `json:"authenticated_at"`
	ExpiresAt       int64  `json:"expires_at"`
}

// SaveSession persists an authenticated session
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID is required")
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

	cmd := s.client.B().Set().Key(s.sessionKey(session.ID)).Value(string(data)).Px(s.recordTTL(session.ExpiresAt)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return s.fail("save session", err)
	}
	return nil
}

// GetSession returns ErrSessionNotFound for unknown or expired sessions
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey(sessionID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, s.fail("get session", err)
	}

	var j sessionJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	session := &storage.Session{
		ID:              j.ID,
		SubjectID:       j.SubjectID,
		AuthenticatedAt: fromMillis(j.AuthenticatedAt),
		ExpiresAt:       fromMillis(j.ExpiresAt),
	}
	if s.now().After(session.ExpiresAt) {
		return nil, storage.ErrSessionNotFound
	}
	return session, nil
}

// DeleteSession removes a session; deleting an unknown session is not an error
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(sessionID)).Build()).Error(); err != nil {
		return s.fail("delete session", err)
	}
	return nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// GrantConsent merges scopes into the subject's consent for the client
func (s *Store) GrantConsent(ctx context.Context, subjectID, clientID string, scopes []string) (*storage.Consent, error) {
	now := s.now()
	args := append([]string{formatMillis(now)}, scopes...)

	merged, err := luaMergeConsent.Exec(ctx, s.client, []string{s.consentKey(subjectID, clientID)}, args).ToString()
	if err != nil {
		return nil, s.fail("grant consent", err)
	}

	return &storage.Consent{
		SubjectID: subjectID,
		ClientID:  clientID,
		Scopes:    util.SplitScopes(merged),
		GrantedAt: fromMillis(now.UnixMilli()),
	}, nil
}

// GetConsent returns the scopes granted so far
func (s *Store) GetConsent(ctx context.Context, subjectID, clientID string) (*storage.Consent, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.consentKey(subjectID, clientID)).Build()).AsStrMap()
	if err != nil {
		return nil, s.fail("get consent", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrConsentNotFound
	}

	return &storage.Consent{
		SubjectID: subjectID,
		ClientID:  clientID,
		Scopes:    util.SplitScopes(fields["scope"]),
		GrantedAt: parseMillis(fields["granted_at"]),
	}, nil
}

// RevokeConsent forgets the consent record
func (s *Store) RevokeConsent(ctx context.Context, subjectID, clientID string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.consentKey(subjectID, clientID)).Build()).Error(); err != nil {
		return s.fail("revoke consent", err)
	}
	return nil
}
