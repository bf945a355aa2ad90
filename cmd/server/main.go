package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agrivetpos/backend/internal/app"
	"agrivetpos/backend/internal/config"
	"agrivetpos/backend/internal/httpapi"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	application, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("could not start")
	}
	if err := application.Migrate(ctx); err != nil {
		application.Close()
		logger.WithError(err).Fatal("schema migration failed")
	}

	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, application.Repo, logger)
	api := httpapi.New(application.Service, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	application.Close()
	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	switch cfg.NotifyBackend {
	case "", "none", "redis", "pubsub":
	default:
		return fmt.Errorf("NOTIFY_BACKEND must be one of none, redis, pubsub")
	}
	if cfg.NotifyBackend == "pubsub" && cfg.PubSubProjectID == "" {
		return fmt.Errorf("PUBSUB_PROJECT_ID is required when NOTIFY_BACKEND=pubsub")
	}
	return nil
}
