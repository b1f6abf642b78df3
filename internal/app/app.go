// Package app wires the booking engine from configuration. Every binary
// builds the same Runtime and uses the parts it needs.
package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ride-bookings/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ride-bookings/internal/adapters/mongo"
	"github.com/robertarktes/ride-bookings/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/ride-bookings/internal/adapters/redis"
	"github.com/robertarktes/ride-bookings/internal/audit"
	"github.com/robertarktes/ride-bookings/internal/booking"
	"github.com/robertarktes/ride-bookings/internal/config"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/idempotency"
	"github.com/robertarktes/ride-bookings/internal/lock"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Runtime struct {
	Config *config.Config
	Logger observability.Logger

	Pool   *pgxpool.Pool
	Repo   *crdb.Repository
	Mongo  *mongo.Client
	Redis  *goredis.Client // nil in single-instance mode
	Rabbit *amqp.Connection

	Publisher *rabbit.Publisher
	Emitter   *audit.Emitter
	Service   *booking.Service

	closers []func()
}

// Build connects to every configured backend and assembles the service.
// CRDB_DSN, MONGO_URI and RABBIT_URL are required; without REDIS_ADDR the
// seat lock and idempotency guard stay in process.
func Build(ctx context.Context, cfg *config.Config, logger observability.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}
	if err := rt.connect(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	catalog := mongoadapter.NewRouteCatalog(rt.Mongo.Database(cfg.MongoDB), logger)
	auditSink := mongoadapter.NewAuditLogger(rt.Mongo.Database(cfg.MongoDB), logger)
	if err := auditSink.EnsureIndexes(ctx); err != nil {
		logger.WithError(err).Warn("audit index not created")
	}
	rt.Emitter = audit.NewEmitter(auditSink, logger, audit.DefaultBufferSize)
	rt.closers = append(rt.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rt.Emitter.Close(ctx)
	})

	var (
		locker  lock.Locker
		backend idempotency.Backend
	)
	if rt.Redis != nil {
		locker = redisadapter.NewLocker(rt.Redis, cfg.LockLease)
		backend = redisadapter.NewIdempotency(rt.Redis)
	} else {
		logger.Warn("REDIS_ADDR not set, running single-instance: in-process seat locks and idempotency")
		locker = lock.NewLocal()
		backend = idempotency.NewMemoryBackend()
	}

	rt.Service = booking.NewService(booking.Deps{
		Store:     rt.Repo,
		Inventory: crdb.NewInventory(rt.Repo),
		Catalog:   catalog,
		Locker:    locker,
		Guard:     idempotency.NewGuard(backend, cfg.IdempotencyTTL, cfg.IdempotencyWait),
		Auditor:   rt.Emitter,
		Refunds:   rabbit.NewIntentPublisher(rt.Publisher),
		Logger:    logger,
	}, ServiceConfig(cfg))

	return rt, nil
}

func (rt *Runtime) connect(ctx context.Context) error {
	cfg := rt.Config

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		return errors.Wrap(err, "connect to crdb")
	}
	rt.Pool = pool
	rt.Repo = crdb.NewRepository(pool)
	rt.closers = append(rt.closers, pool.Close)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return errors.Wrap(err, "connect to mongo")
	}
	rt.Mongo = client
	rt.closers = append(rt.closers, func() { client.Disconnect(context.Background()) })

	if cfg.RedisAddr != "" {
		rt.Redis = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		rt.closers = append(rt.closers, func() { rt.Redis.Close() })
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return errors.Wrap(err, "connect to rabbitmq")
	}
	rt.Rabbit = conn
	rt.closers = append(rt.closers, func() { conn.Close() })

	rt.Publisher, err = rabbit.NewPublisher(conn, rabbit.EventsExchange)
	return err
}

// Close releases everything in reverse order of acquisition.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// Checks returns readiness probes for the connected backends.
func (rt *Runtime) Checks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"crdb":  rt.Repo.Ping,
		"mongo": func(ctx context.Context) error { return rt.Mongo.Ping(ctx, nil) },
		"rabbitmq": func(context.Context) error {
			if rt.Rabbit.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		},
	}
	if rt.Redis != nil {
		checks["redis"] = redisadapter.NewCache(rt.Redis).Ping
	}
	return checks
}

// RequireSharedLocks fails without REDIS_ADDR. Binaries that change seat
// pools next to the API need a lock every process sees; in single-instance
// mode the API runs the reaper itself.
func RequireSharedLocks(cfg *config.Config) error {
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required: in-process seat locks do not exclude other processes")
	}
	return nil
}

// ServiceConfig maps environment settings onto the booking service.
func ServiceConfig(cfg *config.Config) booking.Config {
	return booking.Config{
		HoldTTL:       cfg.HoldTTL,
		PaymentWindow: cfg.PaymentWindow,
		LockTimeout:   cfg.LockTimeout,
		Refund: domain.RefundPolicy{
			FullRefundAbove:   cfg.RefundFullAbove,
			PartialRefundFrom: cfg.RefundPartialFrom,
			PartialPercent:    int64(cfg.RefundPartialPercent),
			Places:            int32(cfg.CurrencyPlaces),
		},
	}
}
