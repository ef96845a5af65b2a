package server

import (
	"slices"

	"github.com/giantswarm/authserver/storage"
)

// intersectScopes applies the scope policy: requested scopes outside allowed
// are dropped silently, an empty request means every allowed scope, and an
// empty result is InvalidScope.
func intersectScopes(requested, allowed []string) ([]string, error) {
	if len(requested) == 0 {
		if len(allowed) == 0 {
			return nil, NewError(KindInvalidScope, "client has no scopes")
		}
		return slices.Clone(allowed), nil
	}

	granted := make([]string, 0, len(requested))
	for _, scope := range requested {
		if slices.Contains(allowed, scope) && !slices.Contains(granted, scope) {
			granted = append(granted, scope)
		}
	}
	if len(granted) == 0 {
		return nil, NewError(KindInvalidScope, "none of the requested scopes are allowed for this client")
	}
	return granted, nil
}

// narrowScopes returns requested when it is a subset of granted.
// An empty request keeps the granted scopes; anything outside them is InvalidScope.
func narrowScopes(requested, granted []string) ([]string, error) {
	if len(requested) == 0 {
		return slices.Clone(granted), nil
	}
	for _, scope := range requested {
		if !slices.Contains(granted, scope) {
			return nil, NewError(KindInvalidScope, "requested scope exceeds the original grant")
		}
	}
	return slices.Clone(requested), nil
}

// allowedScopes returns the scopes client may obtain through grantType.
// Interactive grants are limited to the server's supported scopes; client
// credentials may carry API scopes registered for the client only.
func (s *Server) allowedScopes(client *storage.Client, grantType string) []string {
	if grantType == storage.GrantTypeClientCredentials {
		return slices.DeleteFunc(slices.Clone(client.Scopes), func(scope string) bool {
			return scope == ScopeOpenID
		})
	}
	allowed := make([]string, 0, len(client.Scopes))
	for _, scope := range client.Scopes {
		if s.Config.supportsScope(scope) {
			allowed = append(allowed, scope)
		}
	}
	return allowed
}

// hasScope reports whether scopes contains scope
func hasScope(scopes []string, scope string) bool {
	return slices.Contains(scopes, scope)
}
