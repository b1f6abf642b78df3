package rabbit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/observability"
)

const (
	EventsExchange        = "rides.events"
	RefundRequestedKey    = "payment.refund_requested"
	defaultPublishRetries = 3
)

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Publisher struct {
	ch       channel
	exchange string
	attempts int
	backoff  time.Duration
}

// NewPublisher opens a channel on conn and declares the durable topic exchange.
func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	err = ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}
	return newPublisher(ch, exchange), nil
}

func newPublisher(ch channel, exchange string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, attempts: defaultPublishRetries, backoff: 200 * time.Millisecond}
}

// Publish sends msg as persistent, retrying transient broker errors.
func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	msg.DeliveryMode = amqp.Persistent
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	var err error
	for i := 0; i < p.attempts; i++ {
		if i > 0 {
			observability.RabbitPublishRetries.Inc()
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "publish")
			case <-time.After(p.backoff << (i - 1)):
			}
		}
		err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
		if err == nil {
			return nil
		}
	}
	return errors.Mark(errors.Wrapf(err, "publish %s to %s", key, p.exchange), domain.ErrPersistence)
}

// IntentPublisher sends refund intents to the payment collaborator.
type IntentPublisher struct {
	pub *Publisher
}

func NewIntentPublisher(pub *Publisher) *IntentPublisher {
	return &IntentPublisher{pub: pub}
}

func (i *IntentPublisher) PublishRefundIntent(ctx context.Context, intent domain.RefundIntent) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "marshal refund intent")
	}
	return i.pub.Publish(ctx, RefundRequestedKey, amqp.Publishing{
		MessageId:   "refund:" + intent.BookingID.String(),
		ContentType: "application/json",
		Body:        body,
	})
}
