package server

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/storage"
)

// OpenID Connect prompt values
const (
	PromptNone    = "none"
	PromptLogin   = "login"
	PromptConsent = "consent"
)

// ============================================================
// Sessions
// ============================================================

// IsAuthenticated resolves a session ID to its subject.
// Unknown and expired sessions read as unauthenticated, not as errors.
func (s *Server) IsAuthenticated(ctx context.Context, sessionID string) (string, bool, error) {
	session, err := s.activeSession(ctx, sessionID)
	if err != nil || session == nil {
		return "", false, err
	}
	return session.SubjectID, true, nil
}

// activeSession returns nil without error when there is no live session
func (s *Server) activeSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	session, err := readStore(ctx, s.calls, "get_session", func(ctx context.Context) (*storage.Session, error) {
		return s.store.GetSession(ctx, sessionID)
	})
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return nil, nil
	case err != nil:
		return nil, storeError("get session", err)
	}
	if !s.now().Before(session.ExpiresAt) {
		return nil, nil
	}
	return session, nil
}

// Login starts a session for an authenticated subject
func (s *Server) Login(ctx context.Context, subjectID string) (*storage.Session, error) {
	if subjectID == "" {
		return nil, NewError(KindInvalidRequest, "subject is required")
	}
	now := s.now()
	session := &storage.Session{
		ID:              uuid.NewString(),
		SubjectID:       subjectID,
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(s.Config.SessionTTL),
	}
	if err := writeStoreErr(ctx, s.calls, "save_session", func(ctx context.Context) error {
		return s.store.SaveSession(ctx, session)
	}); err != nil {
		return nil, storeError("save session", err)
	}
	s.Logger.Info("User signed in", "session_prefix", util.SafeTruncate(session.ID, 8))
	return session, nil
}

// Logout deletes a session. Its tokens stay valid; use EndSession to revoke them too.
func (s *Server) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := writeStoreErr(ctx, s.calls, "delete_session", func(ctx context.Context) error {
		return s.store.DeleteSession(ctx, sessionID)
	}); err != nil {
		return storeError("delete session", err)
	}
	return nil
}

// ============================================================
// Consent
// ============================================================

// HasConsented reports whether subject need not be asked before client receives scopes
func (s *Server) HasConsented(ctx context.Context, subjectID, clientID string, scopes []string) (bool, error) {
	switch s.Config.ConsentPolicy {
	case ConsentPolicyImplicit:
		return true, nil
	case ConsentPolicyAlways:
		return false, nil
	}

	consent, err := readStore(ctx, s.calls, "get_consent", func(ctx context.Context) (*storage.Consent, error) {
		return s.store.GetConsent(ctx, subjectID, clientID)
	})
	switch {
	case errors.Is(err, storage.ErrConsentNotFound):
		return false, nil
	case err != nil:
		return false, storeError("get consent", err)
	}
	return consent.Covers(scopes), nil
}

// GrantConsent merges scopes into the subject's consent for client
func (s *Server) GrantConsent(ctx context.Context, subjectID, clientID string, scopes []string) (*storage.Consent, error) {
	if subjectID == "" || clientID == "" {
		return nil, NewError(KindInvalidRequest, "subject and client are required")
	}
	consent, err := writeStore(ctx, s.calls, "grant_consent", func(ctx context.Context) (*storage.Consent, error) {
		return s.store.GrantConsent(ctx, subjectID, clientID, scopes)
	})
	if err != nil {
		return nil, storeError("grant consent", err)
	}
	s.metrics.RecordConsentGranted(ctx, clientID)
	s.Auditor.LogConsent(subjectID, clientID, util.JoinScopes(scopes), true)
	return consent, nil
}

// RevokeConsent withdraws consent and revokes the tokens client holds for subject
func (s *Server) RevokeConsent(ctx context.Context, subjectID, clientID string) error {
	if err := writeStoreErr(ctx, s.calls, "revoke_consent", func(ctx context.Context) error {
		return s.store.RevokeConsent(ctx, subjectID, clientID)
	}); err != nil {
		return storeError("revoke consent", err)
	}
	s.Auditor.LogConsent(subjectID, clientID, "", false)

	n, err := writeStore(ctx, s.calls, "revoke_tokens", func(ctx context.Context) (int, error) {
		return s.store.RevokeTokens(ctx, storage.TokenFilter{SubjectID: subjectID, ClientID: clientID})
	})
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after consent withdrawal",
			"client_id", clientID, "error", err)
		return nil
	}
	s.metrics.RecordTokenRevocation(ctx, "consent_revoked", n)
	return nil
}

// ============================================================
// Authorization requests
// ============================================================

// AuthorizeAction tells the HTTP layer what to do with an authorization request
type AuthorizeAction int

const (
	// ActionRedirect sends the user agent to AuthorizeResult.RedirectURL
	ActionRedirect AuthorizeAction = iota + 1
	// ActionLogin sends the user to Config.LoginURL
	ActionLogin
	// ActionConsent sends the user to Config.ConsentURL
	ActionConsent
)

// AuthorizeRequest holds the parameters of an authorization request
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Prompt              string
}

// ParseAuthorizeRequest reads an authorization request from query parameters
func ParseAuthorizeRequest(q url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scopes:              util.SplitScopes(q.Get("scope")),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		Prompt:              q.Get("prompt"),
	}
}

// AuthorizeResult is the outcome of Authorize
type AuthorizeResult struct {
	Action AuthorizeAction

	// RedirectURL is set for ActionRedirect: the client's redirect URI with
	// either code and state or error and state
	RedirectURL string

	// Err is the redirected error, if any
	Err *Error

	Client    *storage.Client
	SubjectID string

	// Scopes are the scopes that will be granted; for ActionConsent the
	// scopes the user is asked to approve
	Scopes []string
}

// consentDecision is what the user said on the consent page, if anything
type consentDecision int

const (
	consentPending consentDecision = iota
	consentApproved
	consentDenied
)

// Authorize processes an authorization request for the browser session sessionID.
// Errors that must not be redirected (unknown client, unregistered redirect
// URI, store failures) are returned as *Error; everything else is reported
// to the client through the redirect.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest, sessionID string) (*AuthorizeResult, error) {
	return s.authorize(ctx, req, sessionID, consentPending)
}

// ApproveConsent records that the signed-in user approved req's scopes and
// completes the request. The outcome is ActionLogin if the session is gone.
func (s *Server) ApproveConsent(ctx context.Context, req AuthorizeRequest, sessionID string) (*AuthorizeResult, error) {
	return s.authorize(ctx, req, sessionID, consentApproved)
}

// DenyConsent answers req with access_denied
func (s *Server) DenyConsent(ctx context.Context, req AuthorizeRequest, sessionID string) (*AuthorizeResult, error) {
	return s.authorize(ctx, req, sessionID, consentDenied)
}

func (s *Server) authorize(ctx context.Context, req AuthorizeRequest, sessionID string, decision consentDecision) (*AuthorizeResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.Authorize")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", util.JoinScopes(req.Scopes))
	s.metrics.RecordAuthorizationStarted(ctx, req.ClientID)

	client, err := s.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !s.clients.ValidateRedirectURI(client, redirectURI) {
		return nil, NewError(KindInvalidRequest, "redirect_uri is not registered for this client")
	}

	result := &AuthorizeResult{Client: client}
	fail := func(e *Error) (*AuthorizeResult, error) {
		instrumentation.RecordError(span, e)
		result.Action = ActionRedirect
		result.Err = e
		result.RedirectURL = s.redirectWithError(redirectURI, e, req.State)
		return result, nil
	}

	if err := validateResponseType(req.ResponseType); err != nil {
		return fail(AsError(err))
	}
	if !client.AllowsGrant(storage.GrantTypeAuthorizationCode) {
		return fail(NewError(KindUnauthorizedClient, "client is not allowed to use the authorization code flow"))
	}
	scopes, err := intersectScopes(req.Scopes, s.allowedScopes(client, storage.GrantTypeAuthorizationCode))
	if err != nil {
		return fail(AsError(err))
	}
	result.Scopes = scopes
	method, err := s.validateCodeChallenge(client, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return fail(AsError(err))
	}
	prompts, err := parsePrompt(req.Prompt)
	if err != nil {
		return fail(AsError(err))
	}

	session, err := s.activeSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || slices.Contains(prompts, PromptLogin) {
		if slices.Contains(prompts, PromptNone) {
			return fail(NewError(KindLoginRequired, "user is not signed in"))
		}
		result.Action = ActionLogin
		return result, nil
	}
	result.SubjectID = session.SubjectID

	consented := false
	switch {
	case decision == consentDenied:
		s.Auditor.LogConsent(session.SubjectID, client.ClientID, util.JoinScopes(scopes), false)
		return fail(NewError(KindAccessDenied, "the user denied the request"))
	case decision == consentApproved:
		if _, err := s.GrantConsent(ctx, session.SubjectID, client.ClientID, scopes); err != nil {
			return nil, err
		}
		consented = true
	case !slices.Contains(prompts, PromptConsent):
		consented, err = s.HasConsented(ctx, session.SubjectID, client.ClientID, scopes)
		if err != nil {
			return nil, err
		}
	}
	if !consented {
		if slices.Contains(prompts, PromptNone) {
			return fail(NewError(KindConsentRequired, "user has not consented to the requested scopes"))
		}
		result.Action = ActionConsent
		return result, nil
	}

	code, err := s.IssueCode(ctx, CodeRequest{
		ClientID:             client.ClientID,
		RedirectURI:          redirectURI,
		RedirectURIDefaulted: req.RedirectURI == "",
		CodeChallenge:        req.CodeChallenge,
		CodeChallengeMethod:  method,
		Scopes:               scopes,
		SubjectID:            session.SubjectID,
		SessionID:            session.ID,
		Nonce:                req.Nonce,
		AuthTime:             session.AuthenticatedAt,
	})
	if err != nil {
		return nil, err
	}

	params := url.Values{"code": {code}}
	if req.State != "" {
		params.Set("state", req.State)
	}
	if s.Config.Issuer != "" {
		// RFC 9207 issuer identification
		params.Set("iss", s.Config.Issuer)
	}
	result.Action = ActionRedirect
	result.RedirectURL = appendQuery(redirectURI, params)
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// parsePrompt splits the prompt parameter; "none" must stand alone
func parsePrompt(prompt string) ([]string, error) {
	values := strings.Fields(prompt)
	for _, v := range values {
		switch v {
		case PromptNone, PromptLogin, PromptConsent:
		default:
			return nil, NewError(KindInvalidRequest, "unsupported prompt value")
		}
	}
	if slices.Contains(values, PromptNone) && len(values) > 1 {
		return nil, NewError(KindInvalidRequest, "prompt=none cannot be combined with other values")
	}
	return values, nil
}

func (s *Server) redirectWithError(redirectURI string, e *Error, state string) string {
	params := url.Values{"error": {e.Code()}}
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	if s.Config.Issuer != "" {
		params.Set("iss", s.Config.Issuer)
	}
	return appendQuery(redirectURI, params)
}

// appendQuery adds params to rawURL, keeping any query it already has.
// rawURL is a registered redirect URI, so it always parses.
func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
