package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/release-gate/internal/app"
	"github.com/alvesdmateus/release-gate/internal/observability"
	"github.com/alvesdmateus/release-gate/internal/orchestrator"
	"github.com/alvesdmateus/release-gate/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	zlog := zerolog.New(os.Stdout).With().Timestamp().Str("service", "release-gate-worker").Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, zlog); err != nil {
		zlog.Fatal().Err(err).Msg("Worker exited")
	}
	zlog.Info().Msg("Worker stopped")
}

// run drains the job queue until ctx is cancelled
func run(ctx context.Context, configPath string, zlog zerolog.Logger) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	cfg.Pipeline.Async = true

	if err := observability.InitGlobalTracer(ctx, app.TracingConfig(cfg)); err != nil {
		zlog.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		observability.ShutdownGlobalTracer(flushCtx)
	}()

	a, err := app.New(ctx, cfg, app.Options{}, zlog)
	if err != nil {
		return fmt.Errorf("assemble release gate: %w", err)
	}
	defer a.Close()

	// put back what a crashed worker left claimed before taking new jobs
	if _, err := a.Recovery.Run(ctx); err != nil {
		zlog.Error().Err(err).Msg("Failed to recover orphaned jobs")
	}

	w := orchestrator.NewWorker(a.Queue, a.Controller, a.Approvals, orchestrator.WorkerConfig{
		Concurrency:   cfg.Worker.Concurrency,
		PollTimeout:   cfg.Worker.PollInterval,
		SweepInterval: cfg.Worker.SweepInterval,
	}, observability.DefaultMetrics, zlog)

	zlog.Info().
		Str("orchestrator", cfg.Orchestrator.Mode).
		Str("environments", cfg.Pipeline.EnvironmentsFile).
		Int("concurrency", cfg.Worker.Concurrency).
		Dur("poll_interval", cfg.Worker.PollInterval).
		Msg("Worker started")

	if err := w.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
