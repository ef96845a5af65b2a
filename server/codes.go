package server

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/storage"
)

// CodeRequest carries everything bound to an authorization code at issue time
type CodeRequest struct {
	ClientID             string
	RedirectURI          string
	RedirectURIDefaulted bool
	CodeChallenge        string
	CodeChallengeMethod  string
	Scopes               []string
	SubjectID            string
	SessionID            string
	Nonce                string
	AuthTime             time.Time
}

// IssueCode creates and persists a single-use authorization code and returns
// its value. Only the fingerprint of the value is stored.
func (s *Server) IssueCode(ctx context.Context, req CodeRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "server.IssueCode")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.SubjectID, util.JoinScopes(req.Scopes))

	value := generateRandomToken()
	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                 storage.Fingerprint(value),
		ClientID:             req.ClientID,
		RedirectURI:          req.RedirectURI,
		RedirectURIDefaulted: req.RedirectURIDefaulted,
		CodeChallenge:        req.CodeChallenge,
		CodeChallengeMethod:  req.CodeChallengeMethod,
		Scopes:               slices.Clone(req.Scopes),
		SubjectID:            req.SubjectID,
		SessionID:            req.SessionID,
		Nonce:                req.Nonce,
		AuthTime:             req.AuthTime,
		IssuedAt:             now,
		ExpiresAt:            now.Add(s.Config.AuthorizationCodeTTL),
	}

	if err := writeStoreErr(ctx, s.calls, "save_authorization_code", func(ctx context.Context) error {
		return s.store.SaveAuthorizationCode(ctx, code)
	}); err != nil {
		instrumentation.RecordError(span, err)
		return "", storeError("save authorization code", err)
	}

	s.metrics.RecordCodeIssued(ctx, req.ClientID)
	s.Auditor.LogCodeIssued(req.SubjectID, req.ClientID, util.JoinScopes(req.Scopes))
	instrumentation.SetSpanSuccess(span)
	return value, nil
}

// ConsumeCode redeems an authorization code exactly once.
// Every failure is InvalidGrant toward the client. A second redemption is
// ReplayDetected and revokes every token issued from the code.
func (s *Server) ConsumeCode(ctx context.Context, value, clientID, redirectURI, verifier string) (*storage.AuthorizationCode, error) {
	ctx, span := s.tracer.Start(ctx, "server.ConsumeCode")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, clientID, "", "")

	if value == "" {
		return nil, NewError(KindInvalidRequest, "code is required")
	}

	codeID := storage.Fingerprint(value)
	match := s.codeMatch(clientID, redirectURI, verifier)

	code, err := writeStore(ctx, s.calls, "consume_authorization_code", func(ctx context.Context) (*storage.AuthorizationCode, error) {
		return s.store.ConsumeAuthorizationCode(ctx, codeID, match)
	})
	if err == nil {
		instrumentation.SetSpanSuccess(span)
		return code, nil
	}
	instrumentation.RecordError(span, err)

	switch {
	case errors.Is(err, storage.ErrCodeAlreadyUsed):
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCodeReuse, true))
		s.handleCodeReplay(ctx, code, codeID, clientID)
		return nil, wrapError(KindReplayDetected, "invalid authorization code", err)

	case errors.Is(err, storage.ErrCodeNotFound), errors.Is(err, storage.ErrCodeExpired):
		s.Logger.Debug("Authorization code rejected",
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(value, 8),
			"reason", err)
		return nil, wrapError(KindInvalidGrant, "invalid authorization code", err)

	case errors.Is(err, storage.ErrCodeMismatch):
		if verifier != "" && !match.VerifierValid {
			s.metrics.RecordPKCEValidationFailed(ctx, "syntax")
		}
		s.Logger.Debug("Authorization code does not match token request",
			"client_id", clientID,
			"verifier_valid", match.VerifierValid)
		return nil, wrapError(KindInvalidGrant, "invalid authorization code", err)

	default:
		return nil, storeError("consume authorization code", err)
	}
}

// handleCodeReplay revokes the lineage of a code that was redeemed twice.
// It runs detached from the request so a disconnecting attacker cannot stop it.
func (s *Server) handleCodeReplay(ctx context.Context, code *storage.AuthorizationCode, codeID, clientID string) {
	subjectID := ""
	if code != nil {
		subjectID = code.SubjectID
	}

	s.metrics.RecordCodeReuseDetected(ctx)
	s.Logger.Warn("Authorization code reuse detected, revoking all tokens issued from it",
		"client_id", clientID,
		"code_client_id", clientIDOf(code))

	revoked, err := s.RevokeGrant(context.WithoutCancel(ctx), codeID, "code_reuse")
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse",
			"client_id", clientID,
			"error", err)
	}
	s.Auditor.LogCodeReuseDetected(subjectID, clientID, revoked)
}

func clientIDOf(code *storage.AuthorizationCode) string {
	if code == nil {
		return ""
	}
	return code.ClientID
}
