package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/authserver/internal/util"
	"github.com/giantswarm/authserver/signing"
)

// RFC 9068 media type for JWT access tokens
const accessTokenJWTType = "at+jwt"

// AccessTokenClaims are the claims of a JWT access token
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`
}

// IDTokenClaims are the claims of an OpenID Connect ID token
type IDTokenClaims struct {
	jwt.RegisteredClaims
	AuthTime      *jwt.NumericDate `json:"auth_time,omitempty"`
	Nonce         string           `json:"nonce,omitempty"`
	Email         string           `json:"email,omitempty"`
	EmailVerified *bool            `json:"email_verified,omitempty"`
	Name          string           `json:"name,omitempty"`
}

var errNoSigningKeys = errors.New("no signing key source configured")

// sign signs claims with the active key and stamps its kid into the header
func (s *Server) sign(ctx context.Context, claims jwt.Claims, typ string) (string, error) {
	if s.keys == nil {
		return "", errNoSigningKeys
	}
	key, err := s.keys.Active(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get active signing key: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = key.ID
	if typ != "" {
		token.Header["typ"] = typ
	}
	signed, err := token.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// signAccessToken mints a JWT access token whose jti is the record ID
func (s *Server) signAccessToken(ctx context.Context, jti string, req TokenRequest, issuedAt, expiresAt time.Time) (string, error) {
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Config.Issuer,
			Subject:   req.SubjectID,
			Audience:  jwt.ClaimStrings{req.ClientID},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ID:        jti,
		},
		Scope:    util.JoinScopes(req.Scopes),
		ClientID: req.ClientID,
	}
	if claims.Subject == "" {
		// Client credentials: the client acts on its own behalf
		claims.Subject = req.ClientID
	}
	return s.sign(ctx, claims, accessTokenJWTType)
}

// IDTokenRequest carries the inputs of an ID token
type IDTokenRequest struct {
	SubjectID string
	ClientID  string
	Scopes    []string
	Nonce     string
	AuthTime  time.Time
}

// IssueIDToken mints an OpenID Connect ID token. The email and name claims
// are added when the matching scope was granted and a user lookup is set.
func (s *Server) IssueIDToken(ctx context.Context, req IDTokenRequest) (string, error) {
	now := s.now()
	claims := IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Config.Issuer,
			Subject:   req.SubjectID,
			Audience:  jwt.ClaimStrings{req.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.Config.IDTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Nonce: req.Nonce,
	}
	if !req.AuthTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(req.AuthTime)
	}

	if hasScope(req.Scopes, ScopeEmail) || hasScope(req.Scopes, ScopeProfile) {
		user, err := s.lookupUser(ctx, req.SubjectID)
		if err != nil {
			return "", fmt.Errorf("failed to look up user claims: %w", err)
		}
		if user != nil {
			if hasScope(req.Scopes, ScopeEmail) {
				claims.Email = user.Email
				// Addresses are not verified by this server
				verified := false
				claims.EmailVerified = &verified
			}
			if hasScope(req.Scopes, ScopeProfile) {
				claims.Name = user.Name
			}
		}
	}

	return s.sign(ctx, claims, "")
}

// looksLikeJWT tells compact JWS values apart from opaque tokens, which are
// base64url and never contain dots
func looksLikeJWT(value string) bool {
	return strings.Count(value, ".") == 2
}

// verifyJWT checks signature, algorithm, issuer and expiry of a token signed
// by this server and decodes it into claims
func (s *Server) verifyJWT(ctx context.Context, value string, claims jwt.Claims) error {
	if s.keys == nil {
		return errNoSigningKeys
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{signing.Algorithm}),
		jwt.WithLeeway(s.Config.ClockSkewGracePeriod),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.Config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.Config.Issuer))
	}

	_, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		key, err := s.keys.Lookup(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key.Public, nil
	}, opts...)
	return err
}

// VerifyIDToken checks an ID token issued by this server, for example an
// id_token_hint at the end-session endpoint. Expired tokens are accepted
// when allowExpired is set, as OpenID Connect RP-initiated logout permits.
func (s *Server) VerifyIDToken(ctx context.Context, value string, allowExpired bool) (*IDTokenClaims, error) {
	claims := &IDTokenClaims{}
	err := s.verifyJWT(ctx, value, claims)
	if err != nil && !(allowExpired && errors.Is(err, jwt.ErrTokenExpired)) {
		return nil, wrapError(KindInvalidRequest, "invalid id_token_hint", err)
	}
	return claims, nil
}
