package server

import (
	"context"
	"errors"
	"net/url"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/storage"
)

// GrantState is the position of a token request in the validation state machine:
// Received -> Validating -> {Granted, Denied}
type GrantState string

const (
	GrantReceived   GrantState = "received"
	GrantValidating GrantState = "validating"
	GrantGranted    GrantState = "granted"
	GrantDenied     GrantState = "denied"
)

// Grant is one of AuthorizationCodeGrant, ClientCredentialsGrant or RefreshTokenGrant
type Grant interface {
	GrantType() string
	sealed()
}

// AuthorizationCodeGrant redeems an authorization code
type AuthorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// ClientCredentialsGrant lets a confidential client act on its own behalf
type ClientCredentialsGrant struct {
	Scopes []string
}

// RefreshTokenGrant rotates a refresh token
type RefreshTokenGrant struct {
	RefreshToken string
	Scopes       []string
}

func (AuthorizationCodeGrant) GrantType() string { return storage.GrantTypeAuthorizationCode }
func (ClientCredentialsGrant) GrantType() string { return storage.GrantTypeClientCredentials }
func (RefreshTokenGrant) GrantType() string      { return storage.GrantTypeRefreshToken }

func (AuthorizationCodeGrant) sealed() {}
func (ClientCredentialsGrant) sealed() {}
func (RefreshTokenGrant) sealed()      {}

// ClientAuth is how the client identified itself at the token endpoint
type ClientAuth struct {
	ClientID     string
	ClientSecret string
	IPAddress    string // for audit records only
}

// ParseGrant selects the grant variant by its grant_type tag and reads its
// parameters from a token request form
func ParseGrant(grantType string, form url.Values) (Grant, error) {
	switch grantType {
	case storage.GrantTypeAuthorizationCode:
		g := AuthorizationCodeGrant{
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
		}
		if g.Code == "" {
			return nil, NewError(KindInvalidRequest, "code is required")
		}
		return g, nil

	case storage.GrantTypeClientCredentials:
		return ClientCredentialsGrant{Scopes: util.SplitScopes(form.Get("scope"))}, nil

	case storage.GrantTypeRefreshToken:
		g := RefreshTokenGrant{
			RefreshToken: form.Get("refresh_token"),
			Scopes:       util.SplitScopes(form.Get("scope")),
		}
		if g.RefreshToken == "" {
			return nil, NewError(KindInvalidRequest, "refresh_token is required")
		}
		return g, nil

	case "":
		return nil, NewError(KindInvalidRequest, "grant_type is required")

	default:
		return nil, NewError(KindUnsupportedGrantType, "unsupported grant_type")
	}
}

// grantTracker records state transitions on the span, in debug logs and in metrics
type grantTracker struct {
	s         *Server
	span      trace.Span
	grantType string
	state     GrantState
}

func (s *Server) trackGrant(span trace.Span, grantType string) *grantTracker {
	t := &grantTracker{s: s, span: span, grantType: grantType}
	t.to(GrantReceived)
	return t
}

func (t *grantTracker) to(next GrantState) {
	t.s.Logger.Debug("Grant state transition",
		"grant_type", t.grantType,
		"from", string(t.state),
		"to", string(next))
	t.state = next
	instrumentation.AddGrantTransition(t.span, t.grantType, string(next))
}

// Exchange validates a token request and issues tokens.
// Failures are always *Error; internal causes are logged at debug level only.
func (s *Server) Exchange(ctx context.Context, auth ClientAuth, grant Grant) (*TokenSet, error) {
	ctx, span := s.tracer.Start(ctx, "server.Exchange")
	defer span.End()

	if grant == nil {
		return nil, NewError(KindInvalidRequest, "grant_type is required")
	}
	tracker := s.trackGrant(span, grant.GrantType())
	tracker.to(GrantValidating)
	instrumentation.AddOAuthFlowAttributes(span, auth.ClientID, "", "")

	var (
		set *TokenSet
		err error
	)
	switch g := grant.(type) {
	case AuthorizationCodeGrant:
		set, err = s.exchangeAuthorizationCode(ctx, auth, g)
	case ClientCredentialsGrant:
		set, err = s.exchangeClientCredentials(ctx, auth, g)
	case RefreshTokenGrant:
		set, err = s.exchangeRefreshToken(ctx, auth, g)
	default:
		err = NewError(KindUnsupportedGrantType, "unsupported grant_type")
	}

	if err != nil {
		tracker.to(GrantDenied)
		s.metrics.RecordGrantOutcome(ctx, grant.GrantType(), string(GrantDenied))
		instrumentation.RecordError(span, err)
		oauthErr := AsError(err)
		s.Logger.Debug("Token request denied",
			"grant_type", grant.GrantType(),
			"client_id", auth.ClientID,
			"kind", oauthErr.Kind.String(),
			"error", err)
		return nil, oauthErr
	}

	tracker.to(GrantGranted)
	s.metrics.RecordGrantOutcome(ctx, grant.GrantType(), string(GrantGranted))
	instrumentation.SetSpanSuccess(span)
	s.Auditor.LogTokenIssued(set.SubjectID, set.ClientID, grant.GrantType(), util.JoinScopes(set.Scopes))
	return set, nil
}

// authenticateClient authenticates the caller and checks it may use grantType
func (s *Server) authenticateClient(ctx context.Context, auth ClientAuth, grantType string) (*storage.Client, error) {
	client, err := s.clients.Authenticate(ctx, auth.ClientID, auth.ClientSecret)
	if err != nil {
		if KindOf(err) == KindInvalidClient {
			s.metrics.RecordClientAuthFailed(ctx, grantType)
			s.Auditor.LogAuthFailure(auth.ClientID, auth.IPAddress, failureReason(err))
		}
		return nil, err
	}
	if !client.AllowsGrant(grantType) {
		return nil, NewError(KindUnauthorizedClient, "client is not allowed to use this grant type")
	}
	return client, nil
}

// failureReason returns the internal cause of err for audit records
func failureReason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, auth ClientAuth, g AuthorizationCodeGrant) (*TokenSet, error) {
	client, err := s.authenticateClient(ctx, auth, storage.GrantTypeAuthorizationCode)
	if err != nil {
		return nil, err
	}

	code, err := s.ConsumeCode(ctx, g.Code, client.ClientID, g.RedirectURI, g.CodeVerifier)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCodeExchange(ctx, client.ClientID, code.CodeChallengeMethod)

	set, err := s.issueTokenPair(ctx, TokenRequest{
		SubjectID: code.SubjectID,
		ClientID:  client.ClientID,
		Scopes:    code.Scopes,
		GrantID:   code.Code,
		SessionID: code.SessionID,
	}, client.AllowsGrant(storage.GrantTypeRefreshToken))
	if err != nil {
		return nil, err
	}

	if hasScope(code.Scopes, ScopeOpenID) && s.keys != nil {
		set.IDToken, err = s.IssueIDToken(ctx, IDTokenRequest{
			SubjectID: code.SubjectID,
			ClientID:  client.ClientID,
			Scopes:    code.Scopes,
			Nonce:     code.Nonce,
			AuthTime:  code.AuthTime,
		})
		if err != nil {
			s.revokeIssued(ctx, code.Code, "id_token_failure")
			return nil, wrapError(KindServerError, "internal server error", err)
		}
	}

	// A replay may have raced with this exchange: the replayer's cascade can
	// run before our tokens were saved, so check again now they are.
	if s.codeCompromised(ctx, code.Code) {
		s.revokeIssued(ctx, code.Code, "code_reuse")
		return nil, NewError(KindInvalidGrant, "invalid authorization code")
	}
	return set, nil
}

// codeCompromised re-reads a consumed code. Read failures count as not
// compromised; the replayer's own cascade still covers that case.
func (s *Server) codeCompromised(ctx context.Context, codeID string) bool {
	code, err := readStore(ctx, s.calls, "get_authorization_code", func(ctx context.Context) (*storage.AuthorizationCode, error) {
		return s.store.GetAuthorizationCode(ctx, codeID)
	})
	if err != nil {
		s.Logger.Warn("Could not re-check authorization code after exchange", "error", err)
		return false
	}
	return code.Compromised
}

func (s *Server) revokeIssued(ctx context.Context, grantID, reason string) {
	if _, err := s.RevokeGrant(context.WithoutCancel(ctx), grantID, reason); err != nil {
		s.Logger.Error("Failed to revoke freshly issued tokens", "reason", reason, "error", err)
	}
}

func (s *Server) exchangeClientCredentials(ctx context.Context, auth ClientAuth, g ClientCredentialsGrant) (*TokenSet, error) {
	client, err := s.authenticateClient(ctx, auth, storage.GrantTypeClientCredentials)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, NewError(KindUnauthorizedClient, "public clients cannot use client_credentials")
	}

	scopes, err := intersectScopes(g.Scopes, s.allowedScopes(client, storage.GrantTypeClientCredentials))
	if err != nil {
		return nil, err
	}

	// No refresh token and no subject: the client can simply ask again
	return s.issueTokenPair(ctx, TokenRequest{
		ClientID: client.ClientID,
		Scopes:   scopes,
	}, false)
}

func (s *Server) exchangeRefreshToken(ctx context.Context, auth ClientAuth, g RefreshTokenGrant) (*TokenSet, error) {
	client, err := s.authenticateClient(ctx, auth, storage.GrantTypeRefreshToken)
	if err != nil {
		return nil, err
	}
	return s.RotateRefresh(ctx, g.RefreshToken, client.ClientID, g.Scopes)
}
