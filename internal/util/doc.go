// Package util provides small helpers shared by the authorization server packages.
//
// Key utilities:
//   - SafeTruncate: truncates secrets before they reach a log line
//   - SplitScopes / JoinScopes: the space-delimited scope parameter
//   - ValidateRedirectURI: registration-time checks for redirect URIs
package util
