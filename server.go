// Package authserver is the HTTP front end of the authorization server.
//
// Handler adapts the protocol core in package server to HTTP: the
// authorization, token, userinfo, end-session, revocation and
// introspection endpoints, the built-in sign-in and consent pages,
// discovery and the JWKS. Server runs a Handler behind net/http with
// graceful shutdown and periodic purging of expired records.
package authserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/authserver/storage"
)

// Defaults for the HTTP server
const (
	DefaultAddr              = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultCleanupInterval   = 10 * time.Minute
)

// ExpiredDeleter is implemented by stores that do not expire records on
// their own, such as storage/postgres
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// ServerConfig configures the HTTP server lifecycle
type ServerConfig struct {
	// Addr is the TCP listen address (default ":8080")
	Addr string

	// ReadHeaderTimeout bounds how long a client may take to send headers
	ReadHeaderTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown once the context is cancelled
	ShutdownTimeout time.Duration

	// Cleaner, if set, is called every CleanupInterval to purge codes,
	// tokens and sessions that expired more than ExpiredRetention ago
	// (default storage.DefaultExpiredRetention)
	Cleaner          ExpiredDeleter
	CleanupInterval  time.Duration
	ExpiredRetention time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// Server runs a Handler until its context is cancelled
type Server struct {
	handler    *Handler
	config     ServerConfig
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a server for handler
func NewServer(handler *Handler, config ServerConfig) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	if config.ExpiredRetention <= 0 {
		config.ExpiredRetention = storage.DefaultExpiredRetention
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Server{
		handler: handler,
		config:  config,
		httpServer: &http.Server{
			Handler:           handler.Routes(),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		logger: config.Logger,
	}, nil
}

// Run listens on the configured address and serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Authorization server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		s.logger.Info("Authorization server stopped")
		return nil
	})
	if s.config.Cleaner != nil {
		g.Go(func() error {
			s.cleanupLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	s.handler.Close()
	return err
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *Server) cleanup(ctx context.Context) {
	n, err := s.config.Cleaner.DeleteExpired(ctx, time.Now().Add(-s.config.ExpiredRetention))
	if err != nil {
		s.logger.Warn("Failed to delete expired records", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("Deleted expired records", "count", n)
	}
}
