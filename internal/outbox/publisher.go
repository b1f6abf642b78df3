// Package outbox relays booking events written by the store to the broker.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ride-bookings/internal/adapters/crdb"
	"github.com/robertarktes/ride-bookings/internal/observability"
)

// DefaultClaimLease is how long a claimed batch stays invisible to other
// relays.
const DefaultClaimLease = 30 * time.Second

// Store hands out batches of unpublished records. A claimed record is not
// returned to another caller until its lease runs out.
type Store interface {
	ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]crdb.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	store  Store
	broker Broker
	logger observability.Logger
	batch  int
	lease  time.Duration
	now    func() time.Time
}

func NewPublisher(store Store, broker Broker, logger observability.Logger, batch int) *Publisher {
	return &Publisher{store: store, broker: broker, logger: logger, batch: batch, lease: DefaultClaimLease, now: time.Now}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.WithError(err).Error("outbox relay pass failed")
			}
		}
	}
}

// RunOnce claims one batch, publishes it in creation order and returns how
// many records went out. It stops at the first publish failure; the rest of
// the batch is retried once its lease runs out.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	records, err := p.store.ClaimOutbox(ctx, p.batch, p.lease)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		observability.OutboxLag.Set(0)
		return 0, nil
	}
	observability.OutboxLag.Set(p.now().Sub(records[0].CreatedAt).Seconds())

	published := 0
	for _, rec := range records {
		msg := amqp.Publishing{
			MessageId:   rec.DedupeKey,
			ContentType: "application/json",
			Timestamp:   rec.CreatedAt,
			Body:        rec.Payload,
		}
		if err := p.broker.Publish(ctx, rec.EventType, msg); err != nil {
			p.logger.WithError(err).WithField("outbox_id", rec.ID.String()).Warn("failed to publish outbox record")
			return published, nil
		}
		// at-least-once: a crash here republishes with the same MessageId
		if err := p.store.MarkPublished(ctx, rec.ID, p.now()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
