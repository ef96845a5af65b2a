package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{
			name:      "expired 10 minutes ago",
			expiresAt: time.Now().Add(-10 * time.Minute),
			want:      true,
		},
		{
			name:      "expires in 10 minutes",
			expiresAt: time.Now().Add(10 * time.Minute),
			want:      false,
		},
		{
			name:      "expires in 1 second (within grace period)",
			expiresAt: time.Now().Add(1 * time.Second),
			want:      false,
		},
		{
			name:      "expired 1 second ago (within grace period)",
			expiresAt: time.Now().Add(-1 * time.Second),
			want:      false,
		},
		{
			name:      "expired 10 seconds ago (beyond grace period)",
			expiresAt: time.Now().Add(-10 * time.Second),
			want:      true,
		},
		{
			name:      "zero time (never expires)",
			expiresAt: time.Time{},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsTokenExpired(tt.expiresAt)
			if got != tt.want {
				t.Errorf("IsTokenExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpiredAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if IsExpiredAt(now.Add(-3*time.Second), now, 5*time.Second) {
		t.Error("IsExpiredAt() within grace period = true, want false")
	}
	if !IsExpiredAt(now.Add(-6*time.Second), now, 5*time.Second) {
		t.Error("IsExpiredAt() beyond grace period = false, want true")
	}
	if IsExpiredAt(time.Time{}, now, 0) {
		t.Error("IsExpiredAt() zero expiry = true, want false")
	}
	// evaluated at the given time, not the wall clock
	if !IsExpiredAt(time.Now(), time.Now().Add(time.Hour), 0) {
		t.Error("IsExpiredAt() with a later clock = false, want true")
	}
}

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	tests := []struct {
		name        string
		expiresAt   time.Time
		gracePeriod time.Duration
		want        bool
	}{
		{
			name:        "expired beyond grace period",
			expiresAt:   time.Now().Add(-20 * time.Second),
			gracePeriod: 10 * time.Second,
			want:        true,
		},
		{
			name:        "expired within grace period",
			expiresAt:   time.Now().Add(-5 * time.Second),
			gracePeriod: 10 * time.Second,
			want:        false,
		},
		{
			name:        "not expired",
			expiresAt:   time.Now().Add(10 * time.Minute),
			gracePeriod: 10 * time.Second,
			want:        false,
		},
		{
			name:        "zero grace period",
			expiresAt:   time.Now().Add(-1 * time.Second),
			gracePeriod: 0,
			want:        true,
		},
		{
			name:        "zero time with grace period",
			expiresAt:   time.Time{},
			gracePeriod: 10 * time.Second,
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsTokenExpiredWithGracePeriod(tt.expiresAt, tt.gracePeriod)
			if got != tt.want {
				t.Errorf("IsTokenExpiredWithGracePeriod() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpiresIn(t *testing.T) {
	if got := ExpiresIn(time.Now().Add(-time.Minute)); got != 0 {
		t.Errorf("ExpiresIn(past) = %d, want 0", got)
	}
	got := ExpiresIn(time.Now().Add(15 * time.Minute))
	if got < 899 || got > 900 {
		t.Errorf("ExpiresIn(15m) = %d, want ~900", got)
	}
}

func TestDefaultClockSkewGracePeriod(t *testing.T) {
	if DefaultClockSkewGracePeriod != 5*time.Second {
		t.Errorf("DefaultClockSkewGracePeriod = %v, want %v", DefaultClockSkewGracePeriod, 5*time.Second)
	}
}
