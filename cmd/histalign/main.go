package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"histalign/internal/cli"
	"histalign/internal/config"
	"histalign/internal/logging"
	"histalign/internal/pipeline"
	"histalign/internal/storage"
	"histalign/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("trace shutdown failed", "error", err)
		}
	}()

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("run database unavailable, runs will not be persisted", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, cli.EngineFactory(cfg, logger, tp.Tracer()))
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)
}
