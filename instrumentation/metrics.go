package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// Flow metrics
	AuthorizationStarted metric.Int64Counter
	CodeIssued           metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokensIssued         metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	GrantOutcomes        metric.Int64Counter
	ConsentGranted       metric.Int64Counter

	// Security metrics
	ClientAuthFailed     metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	TransientFailures    metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageTokensCount       metric.Int64ObservableGauge
	StorageCodesCount        metric.Int64ObservableGauge
	StorageClientsCount      metric.Int64ObservableGauge
	StorageSessionsCount     metric.Int64ObservableGauge

	// Audit metrics
	AuditEventsTotal metric.Int64Counter
}

type counterSpec struct {
	target *metric.Int64Counter
	name   string
	desc   string
	unit   string
}

type gaugeSpec struct {
	target *metric.Int64ObservableGauge
	name   string
	desc   string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	serverCounters := []counterSpec{
		{&m.AuthorizationStarted, "oauth.authorization.started", "Number of authorization requests received", "{request}"},
		{&m.CodeIssued, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodeExchanged, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokensIssued, "oauth.token.issued", "Number of tokens issued", "{token}"},
		{&m.TokenRefreshed, "oauth.token.refreshed", "Number of refresh token rotations", "{refresh}"},
		{&m.TokenRevoked, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.GrantOutcomes, "oauth.grant.outcomes", "Number of token requests by grant type and final state", "{request}"},
		{&m.ConsentGranted, "oauth.consent.granted", "Number of consent decisions recorded", "{consent}"},
		{&m.AuditEventsTotal, "oauth.audit.events", "Number of security audit events", "{event}"},
	}
	securityCounters := []counterSpec{
		{&m.ClientAuthFailed, "oauth.client.auth_failed", "Number of failed client authentications", "{failure}"},
		{&m.CodeReuseDetected, "oauth.security.code_reuse_detected", "Number of authorization code replay attempts", "{attempt}"},
		{&m.TokenReuseDetected, "oauth.security.token_reuse_detected", "Number of refresh token reuse attempts", "{attempt}"},
		{&m.RateLimitExceeded, "oauth.security.rate_limit_exceeded", "Number of requests rejected by rate limiting", "{request}"},
		{&m.PKCEValidationFailed, "oauth.security.pkce_validation_failed", "Number of PKCE verification failures", "{failure}"},
		{&m.TransientFailures, "oauth.storage.transient_failures", "Number of storage operations that failed transiently", "{failure}"},
	}

	if err := createCounters(serverMeter, serverCounters); err != nil {
		return nil, err
	}
	if err := createCounters(securityMeter, securityCounters); err != nil {
		return nil, err
	}
	if err := createCounters(storageMeter, []counterSpec{
		{&m.StorageOperationTotal, "oauth.storage.operations", "Number of storage operations", "{operation}"},
	}); err != nil {
		return nil, err
	}

	var err error
	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []gaugeSpec{
		{&m.StorageTokensCount, "oauth.storage.tokens.count", "Number of token records held"},
		{&m.StorageCodesCount, "oauth.storage.codes.count", "Number of authorization codes held"},
		{&m.StorageClientsCount, "oauth.storage.clients.count", "Number of registered clients"},
		{&m.StorageSessionsCount, "oauth.storage.sessions.count", "Number of live sessions"},
	}
	for _, g := range gauges {
		*g.target, err = storageMeter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("{item}"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

func createCounters(meter metric.Meter, specs []counterSpec) error {
	for _, s := range specs {
		c, err := meter.Int64Counter(s.name,
			metric.WithDescription(s.desc),
			metric.WithUnit(s.unit),
		)
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", s.name, err)
		}
		*s.target = c
	}
	return nil
}

// RecordAuthorizationStarted records an authorization request
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeIssued records an issued authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodeIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenIssued records a minted token by kind and format
func (m *Metrics) RecordTokenIssued(ctx context.Context, kind, format string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("format", format),
	))
}

// RecordTokenRefresh records a refresh token rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRevocation records revoked tokens
func (m *Metrics) RecordTokenRevocation(ctx context.Context, reason string, count int) {
	m.TokenRevoked.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordGrantOutcome records the terminal state of a token request
func (m *Metrics) RecordGrantOutcome(ctx context.Context, grantType, state string) {
	m.GrantOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("state", state),
	))
}

// RecordConsentGranted records a consent decision
func (m *Metrics) RecordConsentGranted(ctx context.Context, clientID string) {
	m.ConsentGranted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordClientAuthFailed records a failed client authentication
func (m *Metrics) RecordClientAuthFailed(ctx context.Context, reason string) {
	m.ClientAuthFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a refresh token reuse attempt
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordTransientFailure records a storage operation that timed out or could not reach the backend
func (m *Metrics) RecordTransientFailure(ctx context.Context, operation string) {
	m.TransientFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
