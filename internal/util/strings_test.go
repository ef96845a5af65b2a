package util

import (
	"slices"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{
			name:   "string shorter than maxLen",
			input:  "short",
			maxLen: 10,
			want:   "short",
		},
		{
			name:   "string equal to maxLen",
			input:  "exactly10c",
			maxLen: 10,
			want:   "exactly10c",
		},
		{
			name:   "string longer than maxLen",
			input:  "this-is-a-very-long-token-string",
			maxLen: 8,
			want:   "this-is-",
		},
		{
			name:   "empty string",
			input:  "",
			maxLen: 5,
			want:   "",
		},
		{
			name:   "maxLen is zero",
			input:  "test",
			maxLen: 0,
			want:   "",
		},
		{
			name:   "maxLen is negative (edge case)",
			input:  "test",
			maxLen: -1,
			want:   "",
		},
		{
			name:   "unicode characters",
			input:  "hello世界test",
			maxLen: 8,
			want:   "hello世",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SafeTruncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestSafeTruncate_NoPanic(t *testing.T) {
	// Ensure SafeTruncate never panics, even with edge cases
	testCases := []struct {
		input  string
		maxLen int
	}{
		{"", 0},
		{"", -1},
		{"test", 0},
		{"test", -1},
		{"test", 100},
	}

	for _, tc := range testCases {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("SafeTruncate(%q, %d) panicked: %v", tc.input, tc.maxLen, r)
				}
			}()
			_ = SafeTruncate(tc.input, tc.maxLen)
		}()
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "URL with trailing slash",
			input: "https://example.com/",
			want:  "https://example.com",
		},
		{
			name:  "URL without trailing slash",
			input: "https://example.com",
			want:  "https://example.com",
		},
		{
			name:  "URL with multiple trailing slashes",
			input: "https://example.com///",
			want:  "https://example.com",
		},
		{
			name:  "URL with path and trailing slash",
			input: "https://example.com/api/v1/",
			want:  "https://example.com/api/v1",
		},
		{
			name:  "URL with path without trailing slash",
			input: "https://example.com/api/v1",
			want:  "https://example.com/api/v1",
		},
		{
			name:  "empty string",
			input: "",
			want:  "",
		},
		{
			name:  "just slashes",
			input: "///",
			want:  "",
		},
		{
			name:  "URL with port and trailing slash",
			input: "https://example.com:8080/",
			want:  "https://example.com:8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeURL(tt.input)
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSplitScopes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", []string{}},
		{"single", "openid", []string{"openid"}},
		{"extra whitespace", "  openid   email ", []string{"openid", "email"}},
		{"duplicates dropped", "api openid api", []string{"api", "openid"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitScopes(tt.input)
			if !slices.Equal(got, tt.want) {
				t.Errorf("SplitScopes(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestJoinScopes(t *testing.T) {
	if got := JoinScopes([]string{"openid", "api"}); got != "openid api" {
		t.Errorf("JoinScopes() = %q", got)
	}
	if got := JoinScopes(nil); got != "" {
		t.Errorf("JoinScopes(nil) = %q", got)
	}
}
