package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/authserver"
	"github.com/giantswarm/authserver/identity"
	"github.com/giantswarm/authserver/internal/config"
	"github.com/giantswarm/authserver/server"
	"github.com/giantswarm/authserver/signing"
	"github.com/giantswarm/authserver/storage"
	"github.com/giantswarm/authserver/storage/memory"
	"github.com/giantswarm/authserver/storage/postgres"
	"github.com/giantswarm/authserver/storage/redis"
	"github.com/giantswarm/authserver/storage/valkey"
)

// backend is the set of stores selected by the storage section
type backend struct {
	store   storage.Store
	users   identity.UserStore
	cleaner authserver.ExpiredDeleter

	// persistent is false for the memory driver
	persistent bool

	// memory is set for the memory driver, which reports spans and sizes
	memory *memory.Store

	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{}
	sc := cfg.Storage

	switch sc.Driver {
	case config.DriverMemory:
		ms := memory.New()
		ms.SetLogger(logger)
		ms.SetExpiredRetention(sc.ExpiredRetention)
		b.store = ms
		b.memory = ms
		b.users = identity.NewMemoryStore()
		b.closers = append(b.closers, ms.Stop)

	case config.DriverValkey:
		vs, err := valkey.New(valkey.Config{
			Address:          sc.Valkey.Address,
			Password:         sc.Valkey.Password,
			DB:               sc.Valkey.DB,
			KeyPrefix:        sc.Valkey.KeyPrefix,
			ExpiredRetention: sc.ExpiredRetention,
			Logger:           logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open valkey store: %w", err)
		}
		b.store = vs
		b.users = vs
		b.persistent = true
		b.closers = append(b.closers, vs.Close)

	case config.DriverPostgres:
		ps, err := postgres.New(ctx, postgres.Config{
			DSN:      sc.Postgres.DSN,
			MaxConns: sc.Postgres.MaxConns,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		b.closers = append(b.closers, ps.Close)
		if sc.Postgres.Migrate {
			if err := ps.Migrate(ctx); err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate postgres schema: %w", err)
			}
		}
		b.store = ps
		b.users = ps
		b.cleaner = ps
		b.persistent = true

	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}

	if sc.Sessions.Driver == config.DriverRedis {
		rc := sc.Sessions.Redis
		rs, err := redis.New(ctx, redis.Config{
			Addr:      rc.Addr,
			Username:  rc.Username,
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open redis session store: %w", err)
		}
		b.closers = append(b.closers, func() {
			if err := rs.Close(); err != nil {
				logger.Warn("Failed to close redis session store", "error", err)
			}
		})
		b.store = storage.Composite{
			ClientStore:  b.store,
			CodeStore:    b.store,
			TokenStore:   b.store,
			SessionStore: rs,
			ConsentStore: rs,
		}
	}

	logger.Info("Storage ready", "driver", sc.Driver, "sessions", sessionDriver(sc.Sessions.Driver, sc.Driver))
	return b, nil
}

func sessionDriver(driver, fallback string) string {
	if driver == "" {
		return fallback
	}
	return driver
}

// loadKeys returns the signing key ring. Without keys.file the keys live in
// memory and every restart invalidates issued ID tokens and JWT access tokens.
func loadKeys(cfg *config.Config, logger *slog.Logger) (*signing.KeyRing, error) {
	if cfg.Keys.File == "" {
		logger.Warn("No keys.file configured, signing keys are not persisted")
		return signing.NewKeyRing(cfg.Keys.RetireAfter)
	}
	enc, err := cfg.Encryptor()
	if err != nil {
		return nil, err
	}
	ring, err := signing.NewFileStore(cfg.Keys.File, enc).LoadKeyRing(cfg.Keys.RetireAfter)
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}
	return ring, nil
}

// app is a wired authorization server without the HTTP layer
type app struct {
	backend *backend
	server  *server.Server
	users   *identity.Service
}

func (a *app) Close() {
	a.backend.Close()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	keys, err := loadKeys(cfg, logger)
	if err != nil {
		b.Close()
		return nil, err
	}

	srv, err := server.New(b.store, keys, cfg.ServerConfig(), logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	if cfg.Users.BcryptCost > 0 {
		srv.Clients().SetHashCost(cfg.Users.BcryptCost)
	}

	users, err := identity.NewService(b.users, cfg.Users.BcryptCost, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	srv.SetUserLookup(users)

	return &app{backend: b, server: srv, users: users}, nil
}
