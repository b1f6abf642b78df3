package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/robertarktes/ride-bookings/internal/adapters/rabbit"
	"github.com/robertarktes/ride-bookings/internal/app"
	"github.com/robertarktes/ride-bookings/internal/config"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"github.com/robertarktes/ride-bookings/internal/payments"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RequireSharedLocks(cfg); err != nil {
		log.Fatalf("refusing to start payment listener: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "payment-listener")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel).WithField("component", "payment-listener")

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	defer rt.Close()

	consumer, err := rabbit.NewConsumer(rt.Rabbit, rabbit.PaymentSignalsQueue, rabbit.PaymentsExchange,
		rabbit.PaymentConfirmedKey, rabbit.PaymentFailedKey)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to consume: %v", err)
	}

	logger.Info("payment listener started")
	if err := payments.NewListener(rt.Service, logger).Run(ctx, deliveries); err != nil {
		logger.WithError(err).Error("payment listener stopped")
	}
	logger.Info("Shutdown payment listener")
}
