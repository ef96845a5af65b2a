// Package instrumentation provides OpenTelemetry instrumentation for the authorization server.
//
// Metrics are recorded through an SDK meter provider whose reader is the
// OpenTelemetry Prometheus exporter, so everything recorded here shows up on
// the /metrics endpoint. Traces go to an SDK tracer provider with caller
// supplied span processors.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "authserver",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	router.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// Flow: oauth.authorization.started, oauth.code.issued, oauth.code.exchanged,
// oauth.token.issued, oauth.token.refreshed, oauth.token.revoked,
// oauth.grant.outcomes, oauth.consent.granted.
//
// Security: oauth.client.auth_failed, oauth.security.code_reuse_detected,
// oauth.security.token_reuse_detected, oauth.security.rate_limit_exceeded,
// oauth.security.pkce_validation_failed, oauth.storage.transient_failures.
//
// Storage: oauth.storage.operations, oauth.storage.operation.duration and the
// oauth.storage.*.count gauges.
//
// When Enabled is false every provider is a no-op and recording costs nothing.
package instrumentation
