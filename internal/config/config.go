package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string
	LogLevel     string

	HoldTTL       time.Duration
	PaymentWindow time.Duration
	LockTimeout   time.Duration
	LockLease     time.Duration

	IdempotencyTTL  time.Duration
	IdempotencyWait time.Duration

	ReaperInterval    time.Duration
	ReaperBatch       int
	ReaperParallelism int

	RefundFullAbove      time.Duration
	RefundPartialFrom    time.Duration
	RefundPartialPercent int
	CurrencyPlaces       int

	OutboxInterval time.Duration
	OutboxBatch    int

	RateLimit       int
	RateLimitPeriod time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:     getString("HTTP_ADDR", ":8080"),
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      getString("MONGO_DB", "rides"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     getString("LOG_LEVEL", "info"),
	}

	var err error
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"HOLD_TTL", 10 * time.Minute, &cfg.HoldTTL},
		{"PAYMENT_WINDOW", 15 * time.Minute, &cfg.PaymentWindow},
		{"LOCK_TIMEOUT", 2 * time.Second, &cfg.LockTimeout},
		{"LOCK_LEASE", 15 * time.Second, &cfg.LockLease},
		{"IDEMPOTENCY_TTL", 24 * time.Hour, &cfg.IdempotencyTTL},
		{"IDEMPOTENCY_WAIT", time.Second, &cfg.IdempotencyWait},
		{"REAPER_INTERVAL", time.Minute, &cfg.ReaperInterval},
		{"REFUND_FULL_ABOVE", 24 * time.Hour, &cfg.RefundFullAbove},
		{"REFUND_PARTIAL_FROM", 6 * time.Hour, &cfg.RefundPartialFrom},
		{"OUTBOX_INTERVAL", 5 * time.Second, &cfg.OutboxInterval},
		{"RATE_LIMIT_PERIOD", time.Minute, &cfg.RateLimitPeriod},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"REAPER_BATCH", 100, &cfg.ReaperBatch},
		{"REAPER_PARALLELISM", 4, &cfg.ReaperParallelism},
		{"REFUND_PARTIAL_PERCENT", 50, &cfg.RefundPartialPercent},
		{"CURRENCY_PLACES", 2, &cfg.CurrencyPlaces},
		{"OUTBOX_BATCH", 50, &cfg.OutboxBatch},
		{"RATE_LIMIT", 120, &cfg.RateLimit},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.key, i.def); err != nil {
			return nil, err
		}
	}

	if cfg.RefundPartialPercent < 0 || cfg.RefundPartialPercent > 100 {
		return nil, errors.Newf("REFUND_PARTIAL_PERCENT %d outside 0..100", cfg.RefundPartialPercent)
	}
	if cfg.RefundPartialFrom > cfg.RefundFullAbove {
		return nil, errors.Newf("REFUND_PARTIAL_FROM %s exceeds REFUND_FULL_ABOVE %s", cfg.RefundPartialFrom, cfg.RefundFullAbove)
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	if d <= 0 {
		return 0, errors.Newf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	if n < 0 {
		return 0, errors.Newf("%s must not be negative, got %d", key, n)
	}
	return n, nil
}
