package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a token response is returned to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked explicitly
	EventTokenRevoked = "token_revoked"

	// EventGrantRevoked is logged when every token of a lineage is revoked
	EventGrantRevoked = "grant_revoked"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // event name, not a credential

	// EventConsentGranted is logged when a subject grants scopes to a client
	EventConsentGranted = "consent_granted"

	// EventConsentRevoked is logged when a subject withdraws consent
	EventConsentRevoked = "consent_revoked"

	// Authentication events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventLogin is logged when an end user signs in
	EventLogin = "login"

	// EventLoginFailure is logged when end-user credentials are rejected
	EventLoginFailure = "login_failure"

	// EventLogout is logged when a session ends
	EventLogout = "logout"

	// EventRateLimitExceeded is logged when a request is rejected by rate limiting
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventClientRegistered is logged when an administrator registers a client
	EventClientRegistered = "client_registered"
)
