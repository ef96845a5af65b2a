package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/authserver/identity"
	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/security"
	"github.com/giantswarm/authserver/signing"
	"github.com/giantswarm/authserver/storage"
)

// UserLookup resolves subject identifiers to user records for ID token and
// userinfo claims. identity.Service implements it.
type UserLookup interface {
	Lookup(ctx context.Context, id string) (*identity.User, error)
}

// Server implements the authorization server core: client authentication,
// authorization codes, token issuance, grant validation, sessions, consent,
// revocation and introspection. HTTP concerns live in the root package.
type Server struct {
	store   storage.Store
	keys    signing.KeySource
	users   UserLookup
	clients *ClientRegistry
	calls   *storeCaller

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics

	now func() time.Time
}

// New creates a new authorization server.
// keys may be nil when AccessTokenFormat is opaque; ID tokens are then not issued.
func New(
	store storage.Store,
	keys signing.KeySource,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := Config{}
	if config != nil {
		cfg = *config
	}

	// Apply secure defaults
	applySecureDefaults(&cfg, logger)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if keys == nil {
		if cfg.AccessTokenFormat == AccessTokenFormatJWT {
			return nil, fmt.Errorf("AccessTokenFormat %q requires a signing key source", AccessTokenFormatJWT)
		}
		logger.Warn("No signing keys configured, ID tokens will not be issued")
	}

	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	srv := &Server{
		store:   store,
		keys:    keys,
		Auditor: security.NewAuditor(logger, true),
		Logger:  logger,
		Config:  &cfg,
		now:     time.Now,
	}
	srv.calls = &storeCaller{
		timeout: cfg.StoreTimeout,
		retries: cfg.MaxTransientRetries,
		logger:  logger,
	}
	srv.SetInstrumentation(inst)
	srv.clients = newClientRegistry(store, srv.calls, cfg.ClientCacheTTL, logger)

	// Validate HTTPS enforcement
	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	if aud != nil {
		aud.SetMetrics(s.metrics)
	}
}

// SetUserLookup enables user claims (email, name) in ID tokens and userinfo
func (s *Server) SetUserLookup(users UserLookup) {
	s.users = users
}

// SetInstrumentation routes spans and metrics to inst
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
	s.calls.metrics = s.metrics
	if s.Auditor != nil {
		s.Auditor.SetMetrics(s.metrics)
	}
}

// Instrumentation returns the active instrumentation
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// SetClock replaces the server clock. Tests only.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Clients returns the client registry
func (s *Server) Clients() *ClientRegistry {
	return s.clients
}

// Keys returns the signing key source, nil when none is configured
func (s *Server) Keys() signing.KeySource {
	return s.keys
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier returns 32 random bytes, base64url-encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

// lookupUser returns nil when no user lookup is configured or the user is gone
func (s *Server) lookupUser(ctx context.Context, subjectID string) (*identity.User, error) {
	if s.users == nil || subjectID == "" {
		return nil, nil
	}
	user, err := s.users.Lookup(ctx, subjectID)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, nil
	}
	return user, err
}
