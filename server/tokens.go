package server

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/storage"
)

// TokenTypeBearer is the only token_type this server issues
const TokenTypeBearer = "Bearer"

// TokenRequest describes a token to mint and the lineage it belongs to
type TokenRequest struct {
	SubjectID string // empty for client credentials
	ClientID  string
	Scopes    []string
	ParentID  string
	GrantID   string
	SessionID string
}

// AccessTokenRequest and RefreshTokenRequest share one shape
type (
	AccessTokenRequest  = TokenRequest
	RefreshTokenRequest = TokenRequest
)

// IssuedToken is a freshly minted token value and its stored record
type IssuedToken struct {
	Value  string
	Record *storage.Token
}

// TokenSet is the result of a successful grant
type TokenSet struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64 // seconds
	ExpiresAt    time.Time
	RefreshToken string
	IDToken      string
	Scopes       []string
	SubjectID    string
	ClientID     string
}

// IssueAccessToken mints and persists an access token.
// The record is saved before the value is returned.
func (s *Server) IssueAccessToken(ctx context.Context, req AccessTokenRequest) (*IssuedToken, error) {
	now := s.now()
	expiresAt := now.Add(s.Config.AccessTokenTTL)
	record := newTokenRecord(storage.TokenKindAccess, req, now, expiresAt)

	var value string
	if s.Config.AccessTokenFormat == AccessTokenFormatJWT {
		jti := uuid.NewString()
		signed, err := s.signAccessToken(ctx, jti, req, now, expiresAt)
		if err != nil {
			return nil, wrapError(KindServerError, "internal server error", err)
		}
		value = signed
		record.TokenID = jti
	} else {
		value = generateRandomToken()
		record.TokenID = storage.Fingerprint(value)
	}

	if err := s.saveToken(ctx, record); err != nil {
		return nil, err
	}
	s.metrics.RecordTokenIssued(ctx, string(storage.TokenKindAccess), s.Config.AccessTokenFormat)
	return &IssuedToken{Value: value, Record: record}, nil
}

// IssueRefreshToken mints and persists an opaque refresh token
func (s *Server) IssueRefreshToken(ctx context.Context, req RefreshTokenRequest) (*IssuedToken, error) {
	now := s.now()
	record := newTokenRecord(storage.TokenKindRefresh, req, now, now.Add(s.Config.RefreshTokenTTL))

	value := generateRandomToken()
	record.TokenID = storage.Fingerprint(value)
	if err := s.saveToken(ctx, record); err != nil {
		return nil, err
	}
	s.metrics.RecordTokenIssued(ctx, string(storage.TokenKindRefresh), AccessTokenFormatOpaque)
	return &IssuedToken{Value: value, Record: record}, nil
}

func newTokenRecord(kind storage.TokenKind, req TokenRequest, issuedAt, expiresAt time.Time) *storage.Token {
	return &storage.Token{
		Kind:          kind,
		SubjectID:     req.SubjectID,
		ClientID:      req.ClientID,
		Scopes:        slices.Clone(req.Scopes),
		IssuedAt:      issuedAt,
		ExpiresAt:     expiresAt,
		ParentTokenID: req.ParentID,
		GrantID:       req.GrantID,
		SessionID:     req.SessionID,
	}
}

func (s *Server) saveToken(ctx context.Context, record *storage.Token) error {
	err := writeStoreErr(ctx, s.calls, "save_token", func(ctx context.Context) error {
		return s.store.SaveToken(ctx, record)
	})
	if err != nil {
		return storeError("save token", err)
	}
	return nil
}

// issueTokenPair mints a refresh token (when withRefresh) and then an access
// token whose parent is that refresh token
func (s *Server) issueTokenPair(ctx context.Context, req TokenRequest, withRefresh bool) (*TokenSet, error) {
	set := &TokenSet{
		TokenType: TokenTypeBearer,
		Scopes:    slices.Clone(req.Scopes),
		SubjectID: req.SubjectID,
		ClientID:  req.ClientID,
	}

	accessReq := req
	if withRefresh {
		refresh, err := s.IssueRefreshToken(ctx, req)
		if err != nil {
			return nil, err
		}
		set.RefreshToken = refresh.Value
		accessReq.ParentID = refresh.Record.TokenID
	}

	access, err := s.IssueAccessToken(ctx, accessReq)
	if err != nil {
		return nil, err
	}
	set.AccessToken = access.Value
	set.ExpiresAt = access.Record.ExpiresAt
	set.ExpiresIn = int64(s.Config.AccessTokenTTL / time.Second)
	return set, nil
}

// RotateRefresh exchanges a refresh token for a new refresh and access token.
// The old token is revoked atomically, so of two concurrent rotations only one
// succeeds. requestedScopes may narrow the access token's scopes; the new
// refresh token keeps the original grant.
func (s *Server) RotateRefresh(ctx context.Context, oldValue, clientID string, requestedScopes []string) (*TokenSet, error) {
	ctx, span := s.tracer.Start(ctx, "server.RotateRefresh")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, clientID, "", util.JoinScopes(requestedScopes))

	if oldValue == "" {
		return nil, NewError(KindInvalidRequest, "refresh_token is required")
	}
	tokenID := storage.Fingerprint(oldValue)

	// Check narrowing before burning the token
	if len(requestedScopes) > 0 {
		current, err := readStore(ctx, s.calls, "get_token", func(ctx context.Context) (*storage.Token, error) {
			return s.store.GetToken(ctx, tokenID)
		})
		switch {
		case errors.Is(err, storage.ErrTokenNotFound):
			return nil, wrapError(KindInvalidGrant, "invalid refresh token", err)
		case err != nil:
			return nil, storeError("get refresh token", err)
		}
		if current.ClientID == clientID {
			if _, err := narrowScopes(requestedScopes, current.Scopes); err != nil {
				return nil, err
			}
		}
	}

	old, err := writeStore(ctx, s.calls, "consume_refresh_token", func(ctx context.Context) (*storage.Token, error) {
		return s.store.ConsumeRefreshToken(ctx, tokenID, clientID)
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, s.refreshFailure(ctx, span, old, clientID, err)
	}

	accessScopes, err := narrowScopes(requestedScopes, old.Scopes)
	if err != nil {
		return nil, err
	}

	grantID := old.GrantID
	if grantID == "" {
		grantID = old.TokenID
	}
	lineage := TokenRequest{
		SubjectID: old.SubjectID,
		ClientID:  old.ClientID,
		Scopes:    old.Scopes,
		ParentID:  old.TokenID,
		GrantID:   grantID,
		SessionID: old.SessionID,
	}

	refresh, err := s.IssueRefreshToken(ctx, lineage)
	if err != nil {
		s.Logger.Error("Refresh token consumed but replacement could not be issued",
			"client_id", clientID, "error", err)
		return nil, err
	}
	access, err := s.IssueAccessToken(ctx, TokenRequest{
		SubjectID: old.SubjectID,
		ClientID:  old.ClientID,
		Scopes:    accessScopes,
		ParentID:  refresh.Record.TokenID,
		GrantID:   grantID,
		SessionID: old.SessionID,
	})
	if err != nil {
		return nil, err
	}

	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenRotated, true))
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordTokenRefresh(ctx, clientID)
	s.Auditor.LogTokenRefreshed(old.SubjectID, clientID)

	return &TokenSet{
		AccessToken:  access.Value,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.Config.AccessTokenTTL / time.Second),
		ExpiresAt:    access.Record.ExpiresAt,
		RefreshToken: refresh.Value,
		Scopes:       accessScopes,
		SubjectID:    old.SubjectID,
		ClientID:     old.ClientID,
	}, nil
}

// refreshFailure maps a failed refresh CAS to the client-facing error and
// handles reuse of an already rotated token
func (s *Server) refreshFailure(ctx context.Context, span trace.Span, old *storage.Token, clientID string, err error) error {
	switch {
	case errors.Is(err, storage.ErrTokenRevoked):
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenReuse, true))
		s.metrics.RecordTokenReuseDetected(ctx)
		subjectID := ""
		if old != nil {
			subjectID = old.SubjectID
		}
		s.Auditor.LogRefreshReuseDetected(subjectID, clientID)
		s.Logger.Warn("Revoked refresh token presented", "client_id", clientID)

		if s.Config.RevokeFamilyOnRefreshReuse && old != nil {
			grantID := old.GrantID
			if grantID == "" {
				grantID = old.TokenID
			}
			if _, rerr := s.RevokeGrant(context.WithoutCancel(ctx), grantID, "refresh_reuse"); rerr != nil {
				s.Logger.Error("Failed to revoke token family after refresh reuse",
					"client_id", clientID, "error", rerr)
			}
		}
		return wrapError(KindInvalidGrant, "invalid refresh token", err)

	case errors.Is(err, storage.ErrTokenClientMismatch):
		s.Logger.Warn("Refresh token presented by another client", "client_id", clientID)
		return wrapError(KindInvalidGrant, "invalid refresh token", err)

	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
		return wrapError(KindInvalidGrant, "invalid refresh token", err)

	default:
		return storeError("consume refresh token", err)
	}
}
