package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/walletbroker/internal/config"
	"github.com/haasonsaas/walletbroker/internal/gateway"
	"github.com/haasonsaas/walletbroker/internal/observability"
)

const shutdownTimeout = 30 * time.Second

// runServe loads configuration, starts the broker and blocks until a signal
// or a startup failure.
func runServe(ctx context.Context, configPath string, debug, watch bool) error {
	cfg, err := loadServeConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	logger.Info("starting walletbroker",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)
	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"storage", cfg.Storage.Driver,
		"approval_mode", cfg.Approval.Mode,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server, err := gateway.NewServer(ctx, gateway.ServerConfig{
		Config:  cfg,
		Logger:  logger,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		_ = server.Stop(stopCtx)
		return err
	}

	if watch {
		watcher, err := config.NewWatcher(configPath, config.DefaultWatchDebounce, logger, server.Reload)
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("walletbroker stopped")
	return nil
}

// loadServeConfig falls back to defaults only when the default config file
// is absent.
func loadServeConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}
