package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/lobbykit/internal/backend"
	"github.com/ent0n29/lobbykit/internal/backend/memory"
	"github.com/ent0n29/lobbykit/internal/backend/pgbackend"
	"github.com/ent0n29/lobbykit/internal/backend/redisbackend"
	"github.com/ent0n29/lobbykit/internal/config"
	"github.com/ent0n29/lobbykit/internal/httpapi"
	"github.com/ent0n29/lobbykit/internal/lobby"
	"github.com/ent0n29/lobbykit/internal/observability"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Coordinator *lobby.Coordinator
	Metrics     *observability.Metrics
	Backend     string
	UserID      string

	// Cleanup should be called on shutdown to release external resources (DB, Redis, etc).
	Cleanup func() error
}

// Build wires the coordinator against the configured backend. A nil metrics
// registers a fresh set under cfg.MetricsNamespace.
func Build(ctx context.Context, cfg config.Config, metrics *observability.Metrics, logger zerolog.Logger) (*BuildResult, error) {
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	userID := lobby.ResolveIdentity(cfg.PlayerID, lobby.StaticSuffix(cfg.IdentitySuffix))
	mode := cfg.ResolvedBackend()
	client, closeBackend, err := newBackend(ctx, cfg, mode, userID, logger)
	if err != nil {
		return nil, err
	}

	coordinator, err := lobby.New(lobby.Config{
		Client:         client,
		Logger:         logger,
		Metrics:        metrics,
		JoinCodeLength: cfg.JoinCodeLength,
	})
	if err != nil {
		_ = closeBackend()
		return nil, fmt.Errorf("lobby coordinator init failed: %w", err)
	}

	api := httpapi.New(cfg, coordinator, metrics, logger)

	cleanup := func() error {
		var errs []string
		if err := coordinator.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := closeBackend(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	logger.Info().Str("backend", mode).Str("user_id", userID).Msg("lobby coordinator ready")

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Coordinator: coordinator,
		Metrics:     metrics,
		Backend:     mode,
		UserID:      userID,
		Cleanup:     cleanup,
	}, nil
}

// newBackend returns a client for userID and a func releasing everything
// behind it.
func newBackend(ctx context.Context, cfg config.Config, mode, userID string, logger zerolog.Logger) (backend.Client, func() error, error) {
	switch mode {
	case config.BackendPostgres:
		store, err := pgbackend.New(ctx, cfg.DatabaseURL, cfg.SessionLimit, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres backend init failed: %w", err)
		}
		client, err := store.Client(ctx, userID, cfg.DisplayName)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("postgres backend client failed: %w", err)
		}
		return client, closeAll(client.Close, store.Close), nil
	case config.BackendRedis:
		store, err := redisbackend.New(ctx, redisbackend.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			KeyPrefix:    cfg.RedisKeyPrefix,
			SessionLimit: cfg.SessionLimit,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("redis backend init failed: %w", err)
		}
		client, err := store.Client(ctx, userID, cfg.DisplayName)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("redis backend client failed: %w", err)
		}
		return client, closeAll(client.Close, store.Close), nil
	case config.BackendMemory, config.BackendAuto, "":
		b := memory.New(memory.WithSessionLimit(cfg.SessionLimit))
		return b.Client(userID, cfg.DisplayName), b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lobby backend %q", mode)
	}
}

func closeAll(fns ...func() error) func() error {
	return func() error {
		var errs []string
		for _, fn := range fns {
			if err := fn(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}
}
