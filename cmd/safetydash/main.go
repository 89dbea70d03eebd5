// Package main is the entry point for the safetydash API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"safetydash/config"
	"safetydash/internal/app"
	"safetydash/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Println("safetydash", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger, err := logging.New(logging.Config{
		Level:     cfg.Config.Log.Level,
		Format:    cfg.Config.Log.Format,
		AddSource: cfg.Config.Log.AddSource,
	}, os.Stdout)
	if err != nil {
		slog.Error("failed to configure logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	slog.Info("starting safetydash",
		"version", version,
		"config_file", cfg.ConfigFile,
		"dotenv", cfg.DotEnvLoaded,
	)

	application, err := app.New(context.Background(), app.Config{
		AppConfig: cfg,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := application.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := application.Start(":" + cfg.Config.Server.Port); err != nil {
		slog.Error("server failed to start", "error", err)
		_ = application.Shutdown(context.Background())
		os.Exit(1)
	}
	// Start returns as soon as the listener closes; wait for the flush.
	<-done
}
