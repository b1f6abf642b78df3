package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/robertarktes/ride-bookings/internal/app"
	"github.com/robertarktes/ride-bookings/internal/config"
	"github.com/robertarktes/ride-bookings/internal/expiry"
	"github.com/robertarktes/ride-bookings/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RequireSharedLocks(cfg); err != nil {
		log.Fatalf("refusing to start expiry worker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel).WithField("component", "expiry-worker")

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	defer rt.Close()

	reaper := expiry.NewReaper(rt.Repo, rt.Service, logger, cfg.ReaperBatch, cfg.ReaperParallelism)

	logger.WithField("interval", cfg.ReaperInterval.String()).Info("expiry worker started")
	reaper.Run(ctx, cfg.ReaperInterval)
	logger.Info("Shutdown expiry worker")
}
