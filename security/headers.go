package security

import (
	"net/http"
	"strings"
)

// SetSecurityHeaders sets the headers every authorization server response carries.
// Token and userinfo responses must never be cached (RFC 6749 section 5.1).
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(issuer, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// Headers is middleware applying SetSecurityHeaders before the handler runs
func Headers(issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w, issuer)
			next.ServeHTTP(w, r)
		})
	}
}
