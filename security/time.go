package security

import "time"

// DefaultClockSkewGracePeriod absorbs small clock differences between the
// server instances that issue and the ones that validate a token.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks expiry with the default grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod reports whether expiresAt lies more than
// gracePeriod in the past. A zero expiry never expires.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	return IsExpiredAt(expiresAt, time.Now(), gracePeriod)
}

// IsExpiredAt is IsTokenExpiredWithGracePeriod evaluated at now
func IsExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// ExpiresIn returns the whole seconds until expiresAt, never negative
func ExpiresIn(expiresAt time.Time) int64 {
	secs := int64(time.Until(expiresAt).Round(time.Second) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}
