package app

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"agrivetpos/backend/internal/cache"
	"agrivetpos/backend/internal/config"
	"agrivetpos/backend/internal/notify"
	"agrivetpos/backend/internal/service"
	"agrivetpos/backend/internal/store"
	"agrivetpos/backend/internal/store/memory"
	pgstore "agrivetpos/backend/internal/store/postgres"
)

// App holds the wired dependencies shared by the server and the CLI.
type App struct {
	Config  config.Config
	Log     *logrus.Logger
	Repo    store.Repository
	Service *service.Service

	postgres *pgstore.Store
	closers  []func() error
}

// Build connects the configured backends. A DATABASE_URL that cannot be
// reached is fatal; an unreachable Redis degrades to in-process caching.
func Build(ctx context.Context, cfg config.Config, log *logrus.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		a.Repo = pg
		a.postgres = pg
		a.closers = append(a.closers, pg.Close)
		log.WithField("backend", "postgres").Info("repository ready")
	} else {
		a.Repo = memory.NewSeeded()
		log.WithField("backend", "memory").Info("repository ready")
	}

	opts := service.Options{
		DefaultBranchID:         cfg.DefaultBranchID,
		UsageLimitPolicy:        cfg.UsageLimitPolicy,
		ReservationTTL:          cfg.ReservationTTL,
		ReceiptCacheTTL:         cfg.ReceiptCacheTTL,
		CompensationMaxAttempts: cfg.CompensationMaxAttempts,
		Logger:                  log,
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		receipts := cache.NewRedisReceiptCache(client)
		if err := receipts.Ping(ctx); err != nil {
			config.LogError(log, "app", "Build", "redis ping", cfg.RedisAddr, err)
			_ = client.Close()
		} else {
			redisClient = client
			opts.Receipts = receipts
			opts.Locker = cache.NewRedisLocker(client, 30*time.Second)
			a.closers = append(a.closers, client.Close)
			log.WithField("backend", "redis").Info("receipt cache and locker ready")
		}
	}

	notifier, err := a.buildNotifier(ctx, redisClient)
	if err != nil {
		a.Close()
		return nil, err
	}
	opts.Notifier = notifier

	a.Service = service.New(a.Repo, opts)
	return a, nil
}

func (a *App) buildNotifier(ctx context.Context, redisClient *redis.Client) (notify.Notifier, error) {
	switch a.Config.NotifyBackend {
	case "", "none":
		return notify.Noop{}, nil
	case "redis":
		if redisClient == nil {
			a.Log.Warn("NOTIFY_BACKEND=redis without a reachable redis, sale events are dropped")
			return notify.Noop{}, nil
		}
		return notify.NewRedisNotifier(redisClient, a.Config.NotifyChannel), nil
	case "pubsub":
		n, err := notify.NewPubSubNotifier(ctx, a.Config.PubSubProjectID, a.Config.PubSubCredentialsJSON, a.Config.NotifyChannel)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, n.Close)
		return n, nil
	default:
		return nil, fmt.Errorf("unknown NOTIFY_BACKEND %q", a.Config.NotifyBackend)
	}
}

// Migrate applies the schema when running against postgres.
func (a *App) Migrate(ctx context.Context) error {
	if a.postgres == nil {
		return nil
	}
	return a.postgres.Migrate(ctx)
}

func (a *App) UsesPostgres() bool {
	return a.postgres != nil
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}
