package util

import (
	"slices"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// It is used when logging token and code fingerprints, where only a prefix should be shown.
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so that issuer URLs compare equal
// with and without them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// SplitScopes parses a space-delimited scope parameter (RFC 6749 section 3.3).
// Duplicates are dropped and the first occurrence order is kept.
func SplitScopes(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScopes formats scopes for the scope response parameter
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
