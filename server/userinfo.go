package server

import (
	"context"
)

// UserInfo returns the claims the access token's scopes allow.
// "sub" is always present; email and email_verified need the email scope,
// name needs profile.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	info, err := s.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if info.SubjectID == "" {
		return nil, NewError(KindInvalidToken, "the access token does not represent a user")
	}
	if !hasScope(info.Scopes, ScopeOpenID) {
		return nil, NewError(KindInvalidToken, "the access token lacks the openid scope")
	}

	claims := map[string]any{"sub": info.SubjectID}

	if hasScope(info.Scopes, ScopeEmail) || hasScope(info.Scopes, ScopeProfile) {
		user, err := s.lookupUser(ctx, info.SubjectID)
		if err != nil {
			return nil, wrapError(KindServerError, "internal server error", err)
		}
		if user != nil {
			if hasScope(info.Scopes, ScopeEmail) {
				claims["email"] = user.Email
				claims["email_verified"] = false
			}
			if hasScope(info.Scopes, ScopeProfile) {
				claims["name"] = user.Name
			}
		}
	}
	return claims, nil
}
