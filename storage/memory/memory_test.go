package memory

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/internal/testutil"
	"github.com/giantswarm/authserver/storage"
)

func TestStoreSuite(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) storage.Store {
		s := New()
		t.Cleanup(s.Stop)
		return s
	})
}

func TestStore_SaveClient_Invalid(t *testing.T) {
	store := New()
	defer store.Stop()

	if err := store.SaveClient(context.Background(), nil); err == nil {
		t.Error("SaveClient(nil) should return error")
	}
	if err := store.SaveClient(context.Background(), &storage.Client{}); err == nil {
		t.Error("SaveClient() without client ID should return error")
	}
}

func TestStore_DeleteClient_NotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	err := store.DeleteClient(context.Background(), "nonexistent")
	if err == nil {
		t.Error("DeleteClient() for unknown client should return error")
	}
}

func TestStore_ConsumeAuthorizationCode_UsesClock(t *testing.T) {
	store := New()
	defer store.Stop()

	clock := testutil.NewMockTime(time.Now())
	store.now = clock.Now

	ctx := context.Background()
	code, verifier := testutil.GenerateTestAuthorizationCode("c1")
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	clock.Advance(11 * time.Minute)

	_, err := store.ConsumeAuthorizationCode(ctx, code.Code, testutil.MatchFor(code, verifier))
	if err != storage.ErrCodeExpired {
		t.Fatalf("ConsumeAuthorizationCode() error = %v, want ErrCodeExpired", err)
	}
}

func TestStore_Cleanup(t *testing.T) {
	store := NewWithInterval(time.Hour)
	defer store.Stop()

	clock := testutil.NewMockTime(time.Now())
	store.now = clock.Now

	ctx := context.Background()

	used, verifier := testutil.GenerateTestAuthorizationCode("c1")
	used.IssuedAt = clock.Now().Add(-11 * time.Minute)
	used.ExpiresAt = clock.Now().Add(-time.Minute)
	used.Used = true
	live, _ := testutil.GenerateTestAuthorizationCode("c1")
	live.ExpiresAt = clock.Now().Add(2 * time.Hour)

	expiredToken := testutil.GenerateTestToken(storage.TokenKindAccess, "c1", "g1")
	expiredToken.ExpiresAt = clock.Now().Add(-time.Minute)
	revokedLive := testutil.GenerateTestToken(storage.TokenKindRefresh, "c1", "g1")
	revokedLive.ExpiresAt = clock.Now().Add(30 * 24 * time.Hour)

	for _, c := range []*storage.AuthorizationCode{used, live} {
		if err := store.SaveAuthorizationCode(ctx, c); err != nil {
			t.Fatalf("SaveAuthorizationCode() error = %v", err)
		}
	}
	for _, tok := range []*storage.Token{expiredToken, revokedLive} {
		if err := store.SaveToken(ctx, tok); err != nil {
			t.Fatalf("SaveToken() error = %v", err)
		}
	}
	if _, err := store.RevokeToken(ctx, revokedLive.TokenID); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if err := store.SaveSession(ctx, &storage.Session{ID: "s", SubjectID: "u", ExpiresAt: clock.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	// within the retention window nothing is dropped and a replay is still a replay
	store.cleanup()

	if _, err := store.ConsumeAuthorizationCode(ctx, used.Code, testutil.MatchFor(used, verifier)); err != storage.ErrCodeAlreadyUsed {
		t.Errorf("replay of expired used code error = %v, want ErrCodeAlreadyUsed", err)
	}
	if _, err := store.GetToken(ctx, expiredToken.TokenID); err != nil {
		t.Errorf("recently expired token should be retained, got error = %v", err)
	}
	if got := store.codesCountAtomic.Load(); got != 2 {
		t.Errorf("codes count = %d, want 2", got)
	}

	clock.Advance(storage.DefaultExpiredRetention)
	store.cleanup()

	if _, err := store.GetAuthorizationCode(ctx, used.Code); err != storage.ErrCodeNotFound {
		t.Errorf("code past retention should be cleaned up, got error = %v", err)
	}
	if _, err := store.GetAuthorizationCode(ctx, live.Code); err != nil {
		t.Errorf("live code should survive cleanup, got error = %v", err)
	}
	if _, err := store.GetToken(ctx, expiredToken.TokenID); err != storage.ErrTokenNotFound {
		t.Errorf("token past retention should be cleaned up, got error = %v", err)
	}
	// revoked tokens stay until expiry so reuse is still detected
	if _, err := store.GetToken(ctx, revokedLive.TokenID); err != nil {
		t.Errorf("revoked live token should survive cleanup, got error = %v", err)
	}
	if got := store.sessionsCountAtomic.Load(); got != 0 {
		t.Errorf("sessions count = %d, want 0", got)
	}
	if got := store.codesCountAtomic.Load(); got != 1 {
		t.Errorf("codes count = %d, want 1", got)
	}
}

func TestStore_SetExpiredRetention(t *testing.T) {
	store := NewWithInterval(time.Hour)
	defer store.Stop()

	clock := testutil.NewMockTime(time.Now())
	store.now = clock.Now
	store.SetExpiredRetention(5 * time.Minute)

	ctx := context.Background()
	code, _ := testutil.GenerateTestAuthorizationCode("c1")
	code.ExpiresAt = clock.Now()
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	clock.Advance(4 * time.Minute)
	store.cleanup()
	if _, err := store.GetAuthorizationCode(ctx, code.Code); err != nil {
		t.Fatalf("code within retention should survive, got error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	store.cleanup()
	if _, err := store.GetAuthorizationCode(ctx, code.Code); err != storage.ErrCodeNotFound {
		t.Fatalf("code past retention should be removed, got error = %v", err)
	}

	store.SetExpiredRetention(0)
	if store.expiredRetention != storage.DefaultExpiredRetention {
		t.Errorf("expiredRetention = %v, want default", store.expiredRetention)
	}
}

func TestStore_SetInstrumentation(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        true,
		Registerer:     prometheus.NewRegistry(),
		SpanProcessors: []sdktrace.SpanProcessor{recorder},
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store := New()
	defer store.Stop()
	store.SetLogger(slog.Default())
	store.SetInstrumentation(inst)

	if err := store.SaveClient(context.Background(), testutil.GenerateTestPublicClient("c1")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "storage.save_client" {
		t.Errorf("span name = %q, want storage.save_client", spans[0].Name())
	}
	if got := store.clientsCountAtomic.Load(); got != 1 {
		t.Errorf("clients count = %d, want 1", got)
	}
}

func TestStore_StopIsIdempotent(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}
