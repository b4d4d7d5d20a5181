// Package main implements the entry point for the fileflow server, which
// accepts file uploads and fingerprints them asynchronously through a
// retrying worker pipeline.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/fileflow/internal/config"
	"github.com/phrazzld/fileflow/internal/platform/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fileflow: %v", err)
	}
}

// run loads configuration, builds the application and blocks until a
// shutdown signal arrives or a component fails.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	l.Info("server configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Server.LogLevel),
		slog.String("database_backend", cfg.Database.Backend),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.String("storage_backend", cfg.Storage.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.cleanup()

	return app.Run(ctx)
}
