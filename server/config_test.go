package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestApplyTimeDefaults(t *testing.T) {
	tests := []struct {
		name                    string
		input                   *Config
		expectedAuthCodeTTL     time.Duration
		expectedAccessTokenTTL  time.Duration
		expectedRefreshTokenTTL time.Duration
		expectedIDTokenTTL      time.Duration
		expectedClockSkewGrace  time.Duration
	}{
		{
			name:                    "all zeros should get defaults",
			input:                   &Config{},
			expectedAuthCodeTTL:     10 * time.Minute,
			expectedAccessTokenTTL:  15 * time.Minute,
			expectedRefreshTokenTTL: 30 * 24 * time.Hour,
			expectedIDTokenTTL:      15 * time.Minute,
			expectedClockSkewGrace:  5 * time.Second,
		},
		{
			name: "custom values should be preserved",
			input: &Config{
				AuthorizationCodeTTL: 5 * time.Minute,
				AccessTokenTTL:       30 * time.Minute,
				RefreshTokenTTL:      24 * time.Hour,
				IDTokenTTL:           time.Hour,
				ClockSkewGracePeriod: 10 * time.Second,
			},
			expectedAuthCodeTTL:     5 * time.Minute,
			expectedAccessTokenTTL:  30 * time.Minute,
			expectedRefreshTokenTTL: 24 * time.Hour,
			expectedIDTokenTTL:      time.Hour,
			expectedClockSkewGrace:  10 * time.Second,
		},
		{
			name: "id token ttl follows access token ttl",
			input: &Config{
				AccessTokenTTL: 5 * time.Minute,
			},
			expectedAuthCodeTTL:     10 * time.Minute,
			expectedAccessTokenTTL:  5 * time.Minute,
			expectedRefreshTokenTTL: 30 * 24 * time.Hour,
			expectedIDTokenTTL:      5 * time.Minute,
			expectedClockSkewGrace:  5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applyTimeDefaults(tt.input)

			if tt.input.AuthorizationCodeTTL != tt.expectedAuthCodeTTL {
				t.Errorf("AuthorizationCodeTTL = %v, want %v", tt.input.AuthorizationCodeTTL, tt.expectedAuthCodeTTL)
			}
			if tt.input.AccessTokenTTL != tt.expectedAccessTokenTTL {
				t.Errorf("AccessTokenTTL = %v, want %v", tt.input.AccessTokenTTL, tt.expectedAccessTokenTTL)
			}
			if tt.input.RefreshTokenTTL != tt.expectedRefreshTokenTTL {
				t.Errorf("RefreshTokenTTL = %v, want %v", tt.input.RefreshTokenTTL, tt.expectedRefreshTokenTTL)
			}
			if tt.input.IDTokenTTL != tt.expectedIDTokenTTL {
				t.Errorf("IDTokenTTL = %v, want %v", tt.input.IDTokenTTL, tt.expectedIDTokenTTL)
			}
			if tt.input.ClockSkewGracePeriod != tt.expectedClockSkewGrace {
				t.Errorf("ClockSkewGracePeriod = %v, want %v", tt.input.ClockSkewGracePeriod, tt.expectedClockSkewGrace)
			}
			if tt.input.StoreTimeout != DefaultStoreTimeout {
				t.Errorf("StoreTimeout = %v, want %v", tt.input.StoreTimeout, DefaultStoreTimeout)
			}
		})
	}
}

func TestApplyProtocolDefaults(t *testing.T) {
	config := &Config{}
	applyProtocolDefaults(config)

	if config.AccessTokenFormat != AccessTokenFormatOpaque {
		t.Errorf("AccessTokenFormat = %q, want %q", config.AccessTokenFormat, AccessTokenFormatOpaque)
	}
	if config.ConsentPolicy != ConsentPolicyRemember {
		t.Errorf("ConsentPolicy = %q, want %q", config.ConsentPolicy, ConsentPolicyRemember)
	}
	if strings.Join(config.SupportedScopes, " ") != "openid email profile api" {
		t.Errorf("SupportedScopes = %v", config.SupportedScopes)
	}
	if config.MaxTransientRetries != DefaultMaxTransientRetries {
		t.Errorf("MaxTransientRetries = %d, want %d", config.MaxTransientRetries, DefaultMaxTransientRetries)
	}
	if config.LoginURL != DefaultLoginURL || config.ConsentURL != DefaultConsentURL {
		t.Errorf("LoginURL = %q, ConsentURL = %q", config.LoginURL, config.ConsentURL)
	}

	// The defaults slice must not be shared
	config.SupportedScopes[0] = "changed"
	if DefaultSupportedScopes[0] != ScopeOpenID {
		t.Error("DefaultSupportedScopes was modified through a config")
	}

	withSlash := &Config{Issuer: "https://auth.example.com/"}
	applyProtocolDefaults(withSlash)
	if withSlash.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q, want trailing slash removed", withSlash.Issuer)
	}

	disabled := &Config{MaxTransientRetries: -1}
	applyProtocolDefaults(disabled)
	if disabled.MaxTransientRetries != 0 {
		t.Errorf("MaxTransientRetries = %d, want 0 when disabled", disabled.MaxTransientRetries)
	}
}

func TestApplySecurityDefaults(t *testing.T) {
	tests := []struct {
		name              string
		input             *Config
		expectRequirePKCE bool
		expectMinVerifier int
	}{
		{
			name:              "secure by default",
			input:             &Config{},
			expectRequirePKCE: true,
			expectMinVerifier: 43,
		},
		{
			name:              "PKCE can be disabled explicitly",
			input:             &Config{DisablePKCEForConfidentialClients: true},
			expectRequirePKCE: false,
			expectMinVerifier: 43,
		},
		{
			name:              "RequirePKCE=false alone is overridden",
			input:             &Config{RequirePKCE: false, MinCodeVerifierLength: 8},
			expectRequirePKCE: true,
			expectMinVerifier: 8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			applySecurityDefaults(tt.input, logger)

			if tt.input.RequirePKCE != tt.expectRequirePKCE {
				t.Errorf("RequirePKCE = %v, want %v", tt.input.RequirePKCE, tt.expectRequirePKCE)
			}
			if tt.input.MinCodeVerifierLength != tt.expectMinVerifier {
				t.Errorf("MinCodeVerifierLength = %d, want %d", tt.input.MinCodeVerifierLength, tt.expectMinVerifier)
			}
		})
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	tests := []struct {
		name           string
		config         *Config
		expectWarnings []string
		expectNone     bool
	}{
		{
			name:       "secure config logs nothing",
			config:     &Config{RequirePKCE: true, MinCodeVerifierLength: 43, ConsentPolicy: ConsentPolicyRemember},
			expectNone: true,
		},
		{
			name:           "optional PKCE",
			config:         &Config{RequirePKCE: false, MinCodeVerifierLength: 43},
			expectWarnings: []string{"PKCE is optional"},
		},
		{
			name:           "plain PKCE",
			config:         &Config{RequirePKCE: true, AllowPKCEPlain: true, MinCodeVerifierLength: 43},
			expectWarnings: []string{"Plain PKCE method is ALLOWED"},
		},
		{
			name:           "short verifiers",
			config:         &Config{RequirePKCE: true, MinCodeVerifierLength: 8},
			expectWarnings: []string{"below RFC 7636 minimum"},
		},
		{
			name:           "implicit consent and insecure http",
			config:         &Config{RequirePKCE: true, MinCodeVerifierLength: 43, ConsentPolicy: ConsentPolicyImplicit, AllowInsecureHTTP: true},
			expectWarnings: []string{"Consent is implicit", "HTTP is explicitly allowed"},
		},
		{
			name:           "trusted proxy",
			config:         &Config{RequirePKCE: true, MinCodeVerifierLength: 43, TrustProxy: true},
			expectWarnings: []string{"Trusting proxy headers"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			logSecurityWarnings(tt.config, logger)

			output := buf.String()
			if tt.expectNone && output != "" {
				t.Errorf("expected no warnings, got: %s", output)
			}
			for _, want := range tt.expectWarnings {
				if !strings.Contains(output, want) {
					t.Errorf("expected warning containing %q, got: %s", want, output)
				}
			}
		})
	}
}

func TestApplySecureDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	config := applySecureDefaults(&Config{}, logger)

	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !config.RequirePKCE {
		t.Error("RequirePKCE should default to true")
	}
	if config.AllowPKCEPlain {
		t.Error("AllowPKCEPlain should default to false")
	}
	if config.RevokeFamilyOnRefreshReuse {
		t.Error("RevokeFamilyOnRefreshReuse should default to false")
	}
	if buf.Len() != 0 {
		t.Errorf("defaults should not log warnings, got: %s", buf.String())
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return applySecureDefaults(&Config{}, slog.New(slog.DiscardHandler))
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantError string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:      "code ttl above maximum",
			mutate:    func(c *Config) { c.AuthorizationCodeTTL = 11 * time.Minute },
			wantError: "AuthorizationCodeTTL",
		},
		{
			name:      "access ttl not shorter than refresh ttl",
			mutate:    func(c *Config) { c.AccessTokenTTL = c.RefreshTokenTTL },
			wantError: "must be shorter than RefreshTokenTTL",
		},
		{
			name:      "negative store timeout",
			mutate:    func(c *Config) { c.StoreTimeout = -time.Second },
			wantError: "StoreTimeout",
		},
		{
			name:      "unknown token format",
			mutate:    func(c *Config) { c.AccessTokenFormat = "macaroon" },
			wantError: "AccessTokenFormat",
		},
		{
			name:      "unknown consent policy",
			mutate:    func(c *Config) { c.ConsentPolicy = "sometimes" },
			wantError: "ConsentPolicy",
		},
		{
			name:      "verifier length above maximum",
			mutate:    func(c *Config) { c.MinCodeVerifierLength = 129 },
			wantError: "MinCodeVerifierLength",
		},
		{
			name:      "scope with a space",
			mutate:    func(c *Config) { c.SupportedScopes = append(c.SupportedScopes, "read write") },
			wantError: "invalid character",
		},
		{
			name:      "scope with a quote",
			mutate:    func(c *Config) { c.SupportedScopes = []string{`say"hi`} },
			wantError: "invalid character",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(config)

			err := config.Validate()
			if tt.wantError == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantError)
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestConfigValidate_ReportsEveryProblem(t *testing.T) {
	config := applySecureDefaults(&Config{}, slog.New(slog.DiscardHandler))
	config.AccessTokenFormat = "macaroon"
	config.ConsentPolicy = "sometimes"

	err := config.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"AccessTokenFormat", "ConsentPolicy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %v, missing %q", err, want)
		}
	}
}
