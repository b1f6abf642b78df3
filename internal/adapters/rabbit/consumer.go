package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	PaymentsExchange     = "payments.events"
	PaymentSignalsQueue  = "bookings.payment-signals"
	PaymentConfirmedKey  = "payment.confirmed"
	PaymentFailedKey     = "payment.failed"
	defaultConsumerCount = 16
)

type Consumer struct {
	ch    *amqp.Channel
	queue string
}

// NewConsumer declares queue, binds it to exchange for each key and limits
// unacknowledged deliveries.
func NewConsumer(conn *amqp.Connection, queue, exchange string, keys ...string) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare queue %s", queue)
	}
	for _, key := range keys {
		if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return nil, errors.Wrapf(err, "bind %s to %s", queue, key)
		}
	}
	if err := ch.Qos(defaultConsumerCount, 0, false); err != nil {
		return nil, errors.Wrap(err, "set qos")
	}
	return &Consumer{ch: ch, queue: queue}, nil
}

// Consume starts delivery with manual acks. The channel closes when ctx is done.
func (c *Consumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	return deliveries, errors.Wrapf(err, "consume %s", c.queue)
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
