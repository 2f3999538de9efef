package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/trexsync/internal/config"
	"github.com/JonMunkholm/trexsync/internal/core"
	"github.com/JonMunkholm/trexsync/internal/logging"
	"github.com/JonMunkholm/trexsync/internal/storage"
	"github.com/JonMunkholm/trexsync/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Driver,
		"catalog", cfg.Catalog.Configured(),
		"max_concurrent_runs", cfg.Pipeline.MaxConcurrentRuns,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.Storage.Options())
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	opts := core.Options{
		Pipeline: cfg.Pipeline,
		PageSize: cfg.Catalog.PageSize,
	}
	if cfg.Catalog.Configured() {
		opts.Connector = core.CatalogConnector(
			cfg.Catalog.ClientConfig(),
			core.StaticCredentials{Cred: cfg.Catalog.Credential()},
		)
		slog.Info("catalog configured", "base_url", cfg.Catalog.BaseURL)
	} else {
		slog.Warn("no catalog configured; exports use documents only and imports cannot push")
	}

	service := core.NewService(store, opts)
	server := web.NewServer(service, cfg)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	if cfg.Retention.Enabled {
		go service.StartRetentionScheduler(jobCtx, core.RetentionConfig{
			MaxAge:        cfg.Retention.MaxAge,
			CheckInterval: cfg.Retention.CheckInterval,
		})
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Let active runs finish; cancel whatever is left at the deadline
		if status := service.LimiterStatus(); status.Active > 0 {
			slog.Info("waiting for runs to complete", "active", status.Active)
			if err := service.WaitForRuns(shutdownCtx); err != nil {
				n := service.CancelAll()
				slog.Warn("runs did not complete in time; cancelled", "cancelled", n, "error", err)
			} else {
				slog.Info("all runs completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
