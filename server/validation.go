package server

import (
	"fmt"
	"net/url"

	"github.com/giantswarm/authserver/internal/util"
)

const oauthSecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/rfc9700"

// validateHTTPSEnforcement enforces an https issuer.
// http is accepted on localhost (with a warning) or when AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	// Skip validation if Issuer is empty (tokens then carry no "iss")
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if util.IsLoopbackHostname(hostname) {
		if !s.Config.AllowInsecureHTTP {
			s.Logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", s.Config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauthSecurityBestPracticesURL)
		}
		return nil
	}

	if !s.Config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS (got %s://%s). "+
				"To run on localhost for development, use localhost or set AllowInsecureHTTP=true",
			issuerURL.Scheme,
			hostname,
		)
	}

	s.Logger.Error("CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
		"issuer", s.Config.Issuer,
		"hostname", hostname,
		"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
		"learn_more", oauthSecurityBestPracticesURL)
	return nil
}

// validateResponseType accepts only the authorization code flow
func validateResponseType(responseType string) error {
	if responseType == "" {
		return NewError(KindInvalidRequest, "response_type is required")
	}
	if responseType != "code" {
		return NewError(KindUnsupportedResponseType, "only response_type=code is supported")
	}
	return nil
}
