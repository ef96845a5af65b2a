package server

import (
	"golang.org/x/oauth2"

	"github.com/giantswarm/authserver/storage"
)

// s256ChallengeLength is the length of base64url(SHA256(x)) without padding
const s256ChallengeLength = 43

// isUnreservedPKCEChar reports whether ch is allowed in a verifier or challenge.
// RFC 7636: [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
func isUnreservedPKCEChar(ch rune) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '.' || ch == '_' || ch == '~'
}

// validCodeVerifier checks verifier syntax and length bounds
func (s *Server) validCodeVerifier(verifier string) bool {
	if len(verifier) < s.Config.MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return false
	}
	for _, ch := range verifier {
		if !isUnreservedPKCEChar(ch) {
			return false
		}
	}
	return true
}

// validateCodeChallenge checks the PKCE parameters of an authorization request
// and returns the normalized method. Public clients must always send a challenge.
func (s *Server) validateCodeChallenge(client *storage.Client, challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", NewError(KindInvalidRequest, "code_challenge_method without code_challenge")
		}
		if client.IsPublic() {
			return "", NewError(KindInvalidRequest, "code_challenge is required for public clients")
		}
		if s.Config.RequirePKCE {
			return "", NewError(KindInvalidRequest, "code_challenge is required")
		}
		return "", nil
	}

	// RFC 7636 Section 4.3: the default method is plain
	if method == "" {
		method = storage.PKCEMethodPlain
	}

	switch method {
	case storage.PKCEMethodS256:
		if len(challenge) != s256ChallengeLength {
			return "", NewError(KindInvalidRequest, "code_challenge has invalid length for S256")
		}
	case storage.PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return "", NewError(KindInvalidRequest, "code_challenge_method 'plain' is not allowed, use S256")
		}
		if len(challenge) < s.Config.MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength {
			return "", NewError(KindInvalidRequest, "code_challenge has invalid length")
		}
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"client_id", client.ClientID,
			"recommendation", "Upgrade client to use S256")
	default:
		return "", NewError(KindInvalidRequest, "unsupported code_challenge_method")
	}

	for _, ch := range challenge {
		if !isUnreservedPKCEChar(ch) {
			return "", NewError(KindInvalidRequest, "code_challenge contains invalid characters")
		}
	}
	return method, nil
}

// codeMatch builds what the store compares against a code during consumption
func (s *Server) codeMatch(clientID, redirectURI, verifier string) storage.CodeMatch {
	m := storage.CodeMatch{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Verifier:    verifier,
	}
	if verifier != "" && s.validCodeVerifier(verifier) {
		m.VerifierValid = true
		m.S256Challenge = oauth2.S256ChallengeFromVerifier(verifier)
	}
	return m
}
