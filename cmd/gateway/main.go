// Command gateway runs the API gateway for the platform's backend
// services.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/finsight/gateway/internal/config"
	"github.com/finsight/gateway/internal/gateway"
	"github.com/finsight/gateway/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath(), "path to the gateway configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return err
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()
	observability.SetGlobalLogger(logger)

	srv, err := gateway.New(cfg, logger)
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(*configPath, func(next *config.GatewayConfig) {
		srv.Reload(next)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("configuration watching unavailable", observability.Error(err))
	} else {
		if err := watcher.Start(context.Background()); err != nil {
			logger.Warn("configuration watching unavailable", observability.Error(err))
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", observability.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func defaultConfigPath() string {
	if v := os.Getenv("GATEWAY_CONFIG"); v != "" {
		return v
	}
	return "configs/gateway.yaml"
}
