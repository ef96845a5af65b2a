package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/giantswarm/authserver"
	"github.com/giantswarm/authserver/instrumentation"
	"github.com/giantswarm/authserver/internal/config"
	"github.com/giantswarm/authserver/server"
	"github.com/giantswarm/authserver/storage"
)

func newServeCmd(c *cli) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Long: `Run the authorization server until SIGINT or SIGTERM.

Clients listed in the configuration are registered on startup unless a client
with the same ID already exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port > 0 {
				c.cfg.Server.Addr = fmt.Sprintf(":%d", port)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c.cfg, c.logger)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port, overrides server.addr and PORT")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	inst, err := instrumentation.New(cfg.InstrumentationConfig(version, reg))
	if err != nil {
		return fmt.Errorf("create instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	a.server.SetInstrumentation(inst)
	if a.backend.memory != nil {
		a.backend.memory.SetInstrumentation(inst)
	}

	if err := seedClients(ctx, a.server, cfg.Clients, logger); err != nil {
		return err
	}

	handler, err := authserver.NewHandler(a.server, a.users, cfg.HandlerConfig(reg, logger))
	if err != nil {
		return err
	}
	httpServer, err := authserver.NewServer(handler, cfg.HTTPServerConfig(a.backend.cleaner, logger))
	if err != nil {
		return err
	}

	logger.Info("Starting authorization server",
		"version", version,
		"addr", cfg.Server.Addr,
		"issuer", cfg.Server.Issuer,
		"storage", cfg.Storage.Driver)
	return httpServer.Run(ctx)
}

// seedClients registers configured clients that do not exist yet.
// Existing clients are left untouched so secrets rotated elsewhere survive restarts.
func seedClients(ctx context.Context, srv *server.Server, clients []config.ClientConfig, logger *slog.Logger) error {
	for _, cc := range clients {
		_, err := srv.Clients().Lookup(ctx, cc.ID)
		if err == nil {
			logger.Debug("Client already registered", "client_id", cc.ID)
			continue
		}
		if !errors.Is(err, storage.ErrClientNotFound) {
			return fmt.Errorf("look up client %s: %w", cc.ID, err)
		}

		client, _, err := srv.RegisterClient(ctx, cc.Registration())
		if err != nil {
			return fmt.Errorf("register client %s: %w", cc.ID, err)
		}
		logger.Info("Registered client from configuration",
			"client_id", client.ClientID,
			"client_type", client.ClientType)
	}
	return nil
}
