package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ha1tch/ledgersync/pkg/config"
	"github.com/ha1tch/ledgersync/pkg/engine"
	"github.com/ha1tch/ledgersync/pkg/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the trigger server",
		Long: `Run every enabled stream on the sync interval and serve the trigger API.

Examples:
  ledgersync serve
  ledgersync serve --config /etc/ledgersync.yaml
  SYNC_STREAMS=users,transactions ledgersync serve`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	printBanner(cfg, logger)

	e, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close engine")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.Preflight(ctx); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	srv := server.New(cfg, e.Scheduler, e.Conns, e.Metrics.Handler(), logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Scheduler.Run(ctx) })
	g.Go(func() error { return srv.Start(ctx) })

	logger.Info().Msg("Engine ready")
	err = g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Info().Msg("Shut down gracefully")
		return nil
	}
	return err
}

func printBanner(cfg *config.Config, logger zerolog.Logger) {
	logger.Info().
		Str("version", config.Version).
		Str("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).
		Str("source", cfg.SourceDriver).
		Str("graph", cfg.GraphType).
		Str("cache", cfg.CacheType).
		Str("cursor", cfg.CursorType).
		Str("streams", strings.Join(cfg.Streams, ",")).
		Dur("interval", cfg.SyncInterval).
		Int("batch_size", cfg.BatchSize).
		Float64("risk_threshold", cfg.RiskThreshold).
		Msg("Starting ledgersync")
}
