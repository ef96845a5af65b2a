package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/authserver/instrumentation"
)

// Auditor handles security event logging with PII protection.
// Subject identifiers are hashed before they reach the log.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetMetrics makes the auditor count every event it logs
func (a *Auditor) SetMetrics(m *instrumentation.Metrics) {
	a.metrics = m
}

// Event represents a security audit event
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}
}

// LogTokenIssued logs a token response
func (a *Auditor) LogTokenIssued(subjectID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRefreshed logs a refresh token rotation
func (a *Auditor) LogTokenRefreshed(subjectID, clientID string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		SubjectID: subjectID,
		ClientID:  clientID,
	})
}

// LogTokenRevoked logs an explicit revocation
func (a *Auditor) LogTokenRevoked(subjectID, clientID, kind string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"token_kind": kind,
		},
	})
}

// LogGrantRevoked logs a bulk revocation and why it happened
func (a *Auditor) LogGrantRevoked(subjectID, clientID, reason string, count int) {
	a.LogEvent(Event{
		Type:      EventGrantRevoked,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"reason":        reason,
			"revoked_count": count,
		},
	})
}

// LogCodeIssued logs an issued authorization code
func (a *Auditor) LogCodeIssued(subjectID, clientID, scope string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogCodeReuseDetected logs an authorization code replay
func (a *Auditor) LogCodeReuseDetected(subjectID, clientID string, revoked int) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeReuseDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"severity":      "critical",
			"revoked_count": revoked,
		},
	})
}

// LogRefreshReuseDetected logs the presentation of an already rotated refresh token
func (a *Auditor) LogRefreshReuseDetected(subjectID, clientID string) {
	a.LogEvent(Event{
		Type:      EventRefreshTokenReuseDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"severity": "high",
		},
	})
}

// LogConsent logs a consent decision
func (a *Auditor) LogConsent(subjectID, clientID, scope string, granted bool) {
	eventType := EventConsentGranted
	if !granted {
		eventType = EventConsentRevoked
	}
	a.LogEvent(Event{
		Type:      eventType,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogLogin logs an end-user sign-in, successful or not
func (a *Auditor) LogLogin(subjectID, ipAddress string, success bool) {
	eventType := EventLogin
	if !success {
		eventType = EventLoginFailure
	}
	a.LogEvent(Event{
		Type:      eventType,
		SubjectID: subjectID,
		IPAddress: ipAddress,
	})
}

// LogLogout logs the end of a session
func (a *Auditor) LogLogout(subjectID string, revoked int) {
	a.LogEvent(Event{
		Type:      EventLogout,
		SubjectID: subjectID,
		Details: map[string]any{
			"revoked_count": revoked,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, limiter string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"limiter": limiter,
		},
	})
}

// LogClientRegistered logs an administrative client registration
func (a *Auditor) LogClientRegistered(clientID, clientType string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// hashForLogging returns a short SHA-256 prefix so that log lines can be
// correlated without exposing the identifier itself
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
