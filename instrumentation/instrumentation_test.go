package instrumentation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
		{
			name: "with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name:   "empty service name gets default",
			config: Config{Enabled: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Meter("server") == nil {
				t.Error("Meter('server') returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer('server') returned nil")
			}
			if inst.Metrics() == nil {
				t.Fatal("Metrics() returned nil")
			}
			if inst.TracerProvider() == nil || inst.MeterProvider() == nil {
				t.Error("providers must never be nil")
			}
			if inst.config.ServiceName == "" {
				t.Error("ServiceName default not applied")
			}
		})
	}
}

func TestMetricsHandlerExposesRecordedCounters(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordCodeReuseDetected(ctx)
	inst.Metrics().RecordTokenIssued(ctx, "access", "opaque")

	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"oauth_security_code_reuse_detected", "oauth_token_issued"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestDisabledMetricsHandlerServesEmptyRegistry(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	inst.Metrics().RecordCodeReuseDetected(context.Background())

	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "oauth_") {
		t.Error("disabled instrumentation should not export metrics")
	}
}

func TestSpanProcessorsReceiveSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{Enabled: true, SpanProcessors: []sdktrace.SpanProcessor{recorder}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	_, span := inst.Tracer("server").Start(context.Background(), "token")
	AddGrantTransition(span, "authorization_code", "granted")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	if got := len(ended[0].Events()); got != 1 {
		t.Errorf("span events = %d, want 1", got)
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 3 },
		func() int64 { return 2 },
		nil,
		func() int64 { return 1 },
	)
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	rec := httptest.NewRecorder()
	inst.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "oauth_storage_tokens_count") {
		t.Error("tokens gauge not exported")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
}
