package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alvesdmateus/release-gate/internal/api"
	"github.com/alvesdmateus/release-gate/internal/app"
	"github.com/alvesdmateus/release-gate/internal/approval"
	"github.com/alvesdmateus/release-gate/internal/observability"
	"github.com/alvesdmateus/release-gate/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	// Initialize logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	log.Info().Str("version", api.Version).Msg("Starting release-gate API server")

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := observability.InitGlobalTracer(ctx, app.TracingConfig(cfg)); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		observability.ShutdownGlobalTracer(shutdownCtx)
	}()

	a, err := app.New(ctx, cfg, app.Options{}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize release gate")
	}
	defer a.Close()

	var jobs api.JobClient
	if a.Jobs != nil {
		jobs = a.Jobs
	} else {
		// runs left running by a previous instance of this process
		if _, err := a.Recovery.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to recover stranded runs")
		}
		// nothing else expires approvals when runs execute in this process
		go sweepApprovals(ctx, a.Approvals, cfg.Worker.SweepInterval)
	}

	server := api.NewServer(api.Deps{
		DB:           a.DB,
		Store:        a.Store,
		Pipeline:     a.Controller,
		Jobs:         jobs,
		Approvals:    a.Approvals,
		Rollbacks:    a.Rollbacks,
		Environments: a.Environments,
	}, api.ServerConfig{
		Auth: cfg.Auth,
		RateLimit: api.RateLimitConfig{
			Enabled:           cfg.Server.RateLimit > 0,
			RequestsPerSecond: cfg.Server.RateLimit,
			BurstSize:         cfg.Server.RateBurst,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	defer server.Stop()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("port", cfg.Server.Port).
			Bool("async", a.Jobs != nil).
			Bool("auth", cfg.Auth.Enabled).
			Msg("API server listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

func sweepApprovals(ctx context.Context, w *approval.Workflow, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.ExpireStale(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to expire stale approvals")
				continue
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("Expired stale approval requests")
			}
		}
	}
}
