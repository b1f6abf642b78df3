package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	redisadapter "github.com/robertarktes/ride-bookings/internal/adapters/redis"
	"github.com/robertarktes/ride-bookings/internal/app"
	"github.com/robertarktes/ride-bookings/internal/config"
	"github.com/robertarktes/ride-bookings/internal/expiry"
	httphandler "github.com/robertarktes/ride-bookings/internal/http"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"github.com/robertarktes/ride-bookings/internal/payments"
	"github.com/robertarktes/ride-bookings/internal/rateLimit"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel).WithField("component", "api")

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	defer rt.Close()

	var rl *rateLimit.RateLimiter
	if rt.Redis != nil {
		rl = rateLimit.NewRateLimiter(redisadapter.NewCache(rt.Redis), cfg.RateLimit, cfg.RateLimitPeriod, logger)
	}

	checks := map[string]httphandler.Check{}
	for name, check := range rt.Checks() {
		checks[name] = check
	}
	handlers := httphandler.NewHandlers(rt.Service, payments.NewListener(rt.Service, logger), checks, logger)
	r := httphandler.SetupRouter(handlers, logger, rl)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if rt.Redis == nil {
		// single instance: no separate expiry worker may share the seat pools
		reaper := expiry.NewReaper(rt.Repo, rt.Service, logger, cfg.ReaperBatch, cfg.ReaperParallelism)
		g.Go(func() error {
			logger.Info("running hold reaper in process")
			reaper.Run(gctx, cfg.ReaperInterval)
			return nil
		})
	}
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("api stopped with error")
		rt.Close()
		os.Exit(1)
	}
	logger.Info("Server exiting")
}
