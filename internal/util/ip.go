package util

import (
	"fmt"
	"net"
	"net/url"
)

// IsLoopbackHostname checks if a hostname represents a loopback address.
// This includes "localhost", the entire 127.0.0.0/8 range and ::1.
// Expects hostname without port (as returned by url.URL.Hostname()).
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateRedirectURI checks a redirect URI at registration time.
// It must be absolute, carry no fragment (RFC 6749 section 3.1.2) and use
// https unless it points at a loopback host (RFC 8252 section 7.3).
// Custom schemes for native apps ("com.example.app:/cb") are accepted.
func ValidateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect URI %q: %w", raw, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect URI %q must be absolute", raw)
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return fmt.Errorf("redirect URI %q must not contain a fragment", raw)
	}

	switch u.Scheme {
	case "https":
		if u.Host == "" {
			return fmt.Errorf("redirect URI %q has no host", raw)
		}
	case "http":
		if !IsLoopbackHostname(u.Hostname()) {
			return fmt.Errorf("redirect URI %q must use https unless it targets a loopback address", raw)
		}
	case "javascript", "data", "file", "vbscript":
		return fmt.Errorf("redirect URI scheme %q is not allowed", u.Scheme)
	}
	return nil
}
