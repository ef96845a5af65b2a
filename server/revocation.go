package server

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/storage"
)

// Introspection describes a token as seen by resource servers (RFC 7662)
type Introspection struct {
	Active    bool
	Scopes    []string
	SubjectID string
	ClientID  string
	Kind      storage.TokenKind
	IssuedAt  time.Time
	ExpiresAt time.Time
	TokenID   string
	SessionID string
}

// resolveTokenID maps a presented token value to its record ID. JWT access
// tokens must carry a valid signature from this server; ok is false otherwise.
func (s *Server) resolveTokenID(ctx context.Context, value string) (string, bool) {
	if value == "" {
		return "", false
	}
	if looksLikeJWT(value) {
		claims := &AccessTokenClaims{}
		if err := s.verifyJWT(ctx, value, claims); err != nil {
			s.Logger.Debug("Rejected JWT access token", "error", err)
			return "", false
		}
		return claims.ID, claims.ID != ""
	}
	return storage.Fingerprint(value), true
}

// getToken reads a token record with retries; not found is (nil, nil)
func (s *Server) getToken(ctx context.Context, tokenID string) (*storage.Token, error) {
	token, err := readStore(ctx, s.calls, "get_token", func(ctx context.Context) (*storage.Token, error) {
		return s.store.GetToken(ctx, tokenID)
	})
	switch {
	case errors.Is(err, storage.ErrTokenNotFound):
		return nil, nil
	case err != nil:
		return nil, storeError("get token", err)
	}
	return token, nil
}

// Revoke revokes a token by record ID. Revoking an unknown or already revoked
// token succeeds. Revoking a refresh token also revokes the access tokens
// minted with it; failures of that cascade are logged, not returned.
func (s *Server) Revoke(ctx context.Context, tokenID string) error {
	ctx, span := s.tracer.Start(ctx, "server.Revoke")
	defer span.End()

	token, err := s.getToken(ctx, tokenID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	if token == nil {
		return nil
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenKind, string(token.Kind)))

	changed, err := writeStore(ctx, s.calls, "revoke_token", func(ctx context.Context) (bool, error) {
		return s.store.RevokeToken(ctx, tokenID)
	})
	switch {
	case errors.Is(err, storage.ErrTokenNotFound):
		return nil
	case err != nil:
		instrumentation.RecordError(span, err)
		return storeError("revoke token", err)
	}
	if changed {
		s.metrics.RecordTokenRevocation(ctx, "explicit", 1)
		s.Auditor.LogTokenRevoked(token.SubjectID, token.ClientID, string(token.Kind))
	}

	if token.Kind == storage.TokenKindRefresh {
		n, err := writeStore(context.WithoutCancel(ctx), s.calls, "revoke_tokens", func(ctx context.Context) (int, error) {
			return s.store.RevokeTokens(ctx, storage.TokenFilter{ParentTokenID: tokenID, Kind: storage.TokenKindAccess})
		})
		if err != nil {
			s.Logger.Warn("Failed to revoke access tokens of revoked refresh token",
				"client_id", token.ClientID, "error", err)
		} else if n > 0 {
			s.metrics.RecordTokenRevocation(ctx, "cascade", n)
		}
	}

	instrumentation.SetSpanSuccess(span)
	return nil
}

// RevokeToken implements RFC 7009 for a token value presented by clientID.
// Unknown tokens and tokens of other clients are ignored without error, so
// the response never reveals whether a token exists.
func (s *Server) RevokeToken(ctx context.Context, value, clientID string) error {
	tokenID, ok := s.resolveTokenID(ctx, value)
	if !ok {
		return nil
	}
	token, err := s.getToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}
	if token.ClientID != clientID {
		s.Logger.Debug("Ignoring revocation of another client's token", "client_id", clientID)
		return nil
	}
	return s.Revoke(ctx, tokenID)
}

// Introspect reports whether a token is active: known, not revoked and not
// expired (allowing ClockSkewGracePeriod).
func (s *Server) Introspect(ctx context.Context, value string) (*Introspection, error) {
	ctx, span := s.tracer.Start(ctx, "server.Introspect")
	defer span.End()

	tokenID, ok := s.resolveTokenID(ctx, value)
	if !ok {
		return &Introspection{Active: false}, nil
	}
	token, err := s.getToken(ctx, tokenID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if token == nil {
		return &Introspection{Active: false}, nil
	}

	expired := !token.ExpiresAt.IsZero() && s.now().After(token.ExpiresAt.Add(s.Config.ClockSkewGracePeriod))
	if token.Revoked || expired {
		return &Introspection{Active: false}, nil
	}

	instrumentation.SetSpanSuccess(span)
	return &Introspection{
		Active:    true,
		Scopes:    slices.Clone(token.Scopes),
		SubjectID: token.SubjectID,
		ClientID:  token.ClientID,
		Kind:      token.Kind,
		IssuedAt:  token.IssuedAt,
		ExpiresAt: token.ExpiresAt,
		TokenID:   token.TokenID,
		SessionID: token.SessionID,
	}, nil
}

// ValidateAccessToken returns the introspection of an active access token or
// an InvalidToken error. Refresh tokens are not accepted as bearer tokens.
func (s *Server) ValidateAccessToken(ctx context.Context, value string) (*Introspection, error) {
	info, err := s.Introspect(ctx, value)
	if err != nil {
		return nil, err
	}
	if !info.Active || info.Kind != storage.TokenKindAccess {
		return nil, NewError(KindInvalidToken, "the access token is invalid or expired")
	}
	return info, nil
}

// EndSession revokes every token created in the session, refresh tokens
// first so no new access token can be minted meanwhile, then deletes it.
func (s *Server) EndSession(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "server.EndSession")
	defer span.End()

	if sessionID == "" {
		return nil
	}
	session, err := s.activeSession(ctx, sessionID)
	if err != nil {
		return err
	}
	subjectID := ""
	if session != nil {
		subjectID = session.SubjectID
	}

	total := 0
	for _, kind := range []storage.TokenKind{storage.TokenKindRefresh, storage.TokenKindAccess} {
		n, err := writeStore(ctx, s.calls, "revoke_tokens", func(ctx context.Context) (int, error) {
			return s.store.RevokeTokens(ctx, storage.TokenFilter{SessionID: sessionID, Kind: kind})
		})
		if err != nil {
			instrumentation.RecordError(span, err)
			return storeError("revoke session tokens", err)
		}
		total += n
	}

	if err := s.Logout(ctx, sessionID); err != nil {
		return err
	}

	instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrRevokedCount, total))
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordTokenRevocation(ctx, "logout", total)
	s.Auditor.LogLogout(subjectID, total)
	return nil
}

// RevokeGrant revokes every token descending from one grant: the
// authorization code (or first refresh token) that started the lineage.
func (s *Server) RevokeGrant(ctx context.Context, grantID, reason string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "server.RevokeGrant")
	defer span.End()

	n, err := writeStore(ctx, s.calls, "revoke_tokens", func(ctx context.Context) (int, error) {
		return s.store.RevokeTokens(ctx, storage.TokenFilter{GrantID: grantID})
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return 0, storeError("revoke grant", err)
	}

	instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrRevokedCount, n))
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordTokenRevocation(ctx, reason, n)
	s.Auditor.LogGrantRevoked("", "", reason, n)
	s.Logger.Info("Revoked token lineage", "reason", reason, "revoked", n)
	return n, nil
}
