// Package security provides the hardening pieces used around the
// authorization server: audit logging with hashed subject identifiers,
// per-key rate limiting, AES-256-GCM sealing of secrets at rest,
// response headers, client IP extraction and clock skew helpers.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per key (usually the client IP) and
// bounds the number of tracked keys. When the bound is reached the least
// recently used key is evicted. Idle keys are dropped by a background loop
// every 5 minutes after 30 minutes without traffic.
//
//	limiter := security.NewRateLimiter(10, 20, 0, logger)
//	defer limiter.Stop()
//
//	mux.Handle("/connect/token", limiter.Middleware(keyByIP, nil)(tokenHandler))
//
// # Audit Logging
//
// Auditor writes one "security_audit" record per event. Subject identifiers
// are replaced with a short SHA-256 prefix so records can be correlated
// without storing the identifier itself.
//
// # Encryption
//
// Encryptor seals signing keys before they are written to disk. The key id
// is passed as additional data so a sealed blob cannot be swapped between
// key files.
package security
