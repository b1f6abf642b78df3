// Package payments turns payment collaborator signals into booking
// transitions.
package payments

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ride-bookings/internal/booking"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/observability"
)

const (
	ConfirmedKey = "payment.confirmed"
	FailedKey    = "payment.failed"

	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

var ErrMalformed = errors.New("malformed payment signal")

// Signal is the payload of a payment event.
type Signal struct {
	BookingID uuid.UUID `json:"booking_id"`
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Handler is the part of booking.Service the listener drives.
type Handler interface {
	OnPaymentConfirmed(ctx context.Context, id uuid.UUID, paymentID string) (*domain.Booking, error)
	OnPaymentFailed(ctx context.Context, id uuid.UUID, reason string) (*domain.Booking, error)
}

type Decision int

const (
	Ack Decision = iota
	Requeue
	Reject
)

func (d Decision) String() string {
	switch d {
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return "ack"
	}
}

// Decide maps a processing error to a delivery decision. Malformed input is
// dropped, transient failures go back to the queue.
func Decide(err error) Decision {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrMalformed):
		return Reject
	case errors.IsAny(err, domain.ErrLockTimeout, domain.ErrLockUnavailable, domain.ErrPersistence, domain.ErrIdempotencyInProgress, domain.ErrSerializationFailure):
		return Requeue
	default:
		return Ack
	}
}

type Listener struct {
	handler Handler
	logger  observability.Logger
}

func NewListener(handler Handler, logger observability.Logger) *Listener {
	return &Listener{handler: handler, logger: logger}
}

// Dispatch applies sig. The routing key wins over sig.Status when both are set.
func (l *Listener) Dispatch(ctx context.Context, routingKey string, sig Signal) error {
	if sig.BookingID == uuid.Nil {
		return errors.Wrap(ErrMalformed, "missing booking_id")
	}
	ctx = booking.WithActor(ctx, "payments")

	switch {
	case routingKey == ConfirmedKey || (routingKey == "" && sig.Status == StatusSucceeded):
		if sig.PaymentID == "" {
			return errors.Wrap(ErrMalformed, "missing payment_id")
		}
		_, err := l.handler.OnPaymentConfirmed(ctx, sig.BookingID, sig.PaymentID)
		return err
	case routingKey == FailedKey || (routingKey == "" && sig.Status == StatusFailed):
		reason := sig.Reason
		if reason == "" {
			reason = "payment failed"
		}
		_, err := l.handler.OnPaymentFailed(ctx, sig.BookingID, reason)
		return err
	default:
		return errors.Wrapf(ErrMalformed, "unknown signal %q/%q", routingKey, sig.Status)
	}
}

// Process decodes body and dispatches it.
func (l *Listener) Process(ctx context.Context, routingKey string, body []byte) error {
	var sig Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		return errors.Mark(errors.Wrap(err, "decode payment signal"), ErrMalformed)
	}
	return l.Dispatch(ctx, routingKey, sig)
}

// Run handles deliveries until the channel closes or ctx is done.
func (l *Listener) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			l.handle(ctx, d)
		}
	}
}

func (l *Listener) handle(ctx context.Context, d amqp.Delivery) {
	err := l.Process(ctx, d.RoutingKey, d.Body)
	decision := Decide(err)

	log := l.logger.WithFields(map[string]interface{}{
		"routing_key": d.RoutingKey,
		"message_id":  d.MessageId,
		"decision":    decision.String(),
	})
	if err != nil {
		log.WithError(err).Warn("payment signal not applied")
	} else {
		log.Debug("payment signal applied")
	}

	var ackErr error
	switch decision {
	case Ack:
		ackErr = d.Ack(false)
	case Requeue:
		ackErr = d.Nack(false, true)
	case Reject:
		ackErr = d.Nack(false, false)
	}
	if ackErr != nil {
		log.WithError(ackErr).Error("failed to settle delivery")
	}
}
