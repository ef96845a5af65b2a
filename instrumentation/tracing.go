package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put authorization codes, access tokens, refresh tokens
// or client secrets into traces. Only metadata such as kinds, expiry and
// truncated fingerprints belongs here.
const (
	AttrClientID     = "oauth.client_id"
	AttrClientType   = "oauth.client_type"
	AttrSubjectID    = "oauth.subject_id"
	AttrScope        = "oauth.scope"
	AttrGrantType    = "oauth.grant_type"
	AttrGrantState   = "oauth.grant.state"
	AttrPKCEMethod   = "oauth.pkce.method"
	AttrTokenKind    = "oauth.token.kind"    //nolint:gosec // token kind, not a credential
	AttrTokenFormat  = "oauth.token.format"  //nolint:gosec // opaque or jwt
	AttrTokenRotated = "oauth.token.rotated" //nolint:gosec // whether a refresh was rotated
	AttrCodeReuse    = "oauth.code.reuse"
	AttrTokenReuse   = "oauth.token.reuse" //nolint:gosec // whether refresh reuse was detected
	AttrRevokedCount = "oauth.revoked.count"
	AttrError        = "oauth.error"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, subjectID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if subjectID != "" {
		SetSpanAttributes(span, attribute.String(AttrSubjectID, subjectID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddGrantTransition records a grant state machine transition as a span event (nil-safe)
func AddGrantTransition(span trace.Span, grantType, state string) {
	if span != nil {
		span.AddEvent("grant.transition", trace.WithAttributes(
			attribute.String(AttrGrantType, grantType),
			attribute.String(AttrGrantState, state),
		))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe).
// Callers decide whether IP logging is acceptable before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
