package booking

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-bookings/internal/audit"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/lock"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxCASAttempts = 3
	// HELD -> PAYMENT_INITIATED -> PAID -> CONFIRMED plus a few lost races.
	maxPaymentSteps = 6
)

// customizer adjusts the default change for a target status, or vetoes it.
type customizer func(b *domain.Booking, c *domain.Change) error

func (s *Service) defaultChange(b *domain.Booking, to domain.Status) domain.Change {
	now := s.now().UTC()
	c := domain.Change{To: to, At: now}

	switch to {
	case domain.StatusHeld:
		c.HoldUntil = now.Add(s.cfg.HoldTTL)
	case domain.StatusPaymentInitiated:
		c.HoldUntil = now.Add(s.cfg.PaymentWindow)
		c.PaymentStatus = domain.PaymentPending
	case domain.StatusPaid:
		c.PaymentStatus = domain.PaymentSucceeded
	case domain.StatusCancelled:
		amount := decimal.Zero
		if b.PaymentStatus == domain.PaymentSucceeded {
			amount = s.cfg.Refund.Calculate(b.TotalPrice, b.DepartureAt, now)
		}
		c.RefundAmount = &amount
		if amount.IsPositive() {
			c.RefundStatus = domain.RefundPending
		}
	case domain.StatusRefunded:
		var amount decimal.Decimal
		switch b.Status {
		case domain.StatusPaid:
			amount = b.TotalPrice
		case domain.StatusConfirmed:
			amount = s.cfg.Refund.Calculate(b.TotalPrice, b.DepartureAt, now)
		default:
			if b.RefundAmount != nil {
				amount = *b.RefundAmount
			}
		}
		c.RefundAmount = &amount
	}
	return c
}

// transition is the single write path for status changes: read, check the
// edge, apply, compare-and-swap. Seat-releasing edges run under the
// route/date lock and give the seats back after the write.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to domain.Status, reason string, custom customizer) (*domain.Booking, domain.Status, error) {
	var from domain.Status
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, from, err
		}
		from = cur.Status
		if !from.CanTransitionTo(to) {
			return nil, from, errors.Wrapf(domain.ErrInvalidTransition, "booking %s: %s -> %s", id, from, to)
		}

		var b *domain.Booking
		if domain.ReleasesSeats(from, to) {
			b, from, err = s.releasing(ctx, cur, to, reason, custom)
		} else {
			b, err = s.write(ctx, cur, to, reason, custom)
		}
		if errors.Is(err, domain.ErrStatusConflict) {
			s.logger.WithFields(map[string]interface{}{
				"booking_id": id.String(),
				"attempt":    attempt + 1,
			}).Debug("status changed concurrently, retrying")
			continue
		}
		return b, from, err
	}
	return nil, from, errors.Mark(
		errors.Wrapf(domain.ErrStatusConflict, "booking %s: gave up after %d attempts", id, maxCASAttempts),
		domain.ErrPersistence,
	)
}

func (s *Service) releasing(ctx context.Context, cur *domain.Booking, to domain.Status, reason string, custom customizer) (*domain.Booking, domain.Status, error) {
	from := cur.Status
	route, err := s.poolRoute(ctx, cur)
	if err != nil {
		return nil, from, err
	}

	var out *domain.Booking
	key := lock.Key{RouteID: cur.RouteID, TravelDate: cur.TravelDate}
	err = lock.WithLock(ctx, s.locker, key, s.cfg.LockTimeout, func() error {
		fresh, err := s.store.Get(ctx, cur.ID)
		if err != nil {
			return err
		}
		from = fresh.Status
		if !from.CanTransitionTo(to) {
			return errors.Wrapf(domain.ErrInvalidTransition, "booking %s: %s -> %s", fresh.ID, from, to)
		}
		release := domain.ReleasesSeats(from, to)

		out, err = s.write(ctx, fresh, to, reason, custom)
		if err != nil {
			return err
		}
		if release {
			return s.restoreSeats(ctx, route, out.TravelDate, out.SeatCount, out.ID)
		}
		return nil
	})
	return out, from, s.keepCommitted(ctx, key, err)
}

// poolRoute resolves the route owning b's seat pool. A route retired from
// the catalog still has its pool, addressed by the booking's route id.
func (s *Service) poolRoute(ctx context.Context, b *domain.Booking) (domain.Route, error) {
	route, err := s.catalog.Route(ctx, b.RouteID)
	switch {
	case err == nil:
		return *route, nil
	case errors.Is(err, domain.ErrRouteNotFound):
		s.logger.WithFields(map[string]interface{}{
			"booking_id": b.ID.String(),
			"route_id":   b.RouteID,
		}).Warn("route no longer in catalog, releasing seats to the stored pool")
		return domain.Route{ID: b.RouteID, DriverID: b.DriverID}, nil
	default:
		return domain.Route{}, err
	}
}

func (s *Service) write(ctx context.Context, b *domain.Booking, to domain.Status, reason string, custom customizer) (*domain.Booking, error) {
	from := b.Status
	c := s.defaultChange(b, to)
	c.Reason = reason
	if custom != nil {
		if err := custom(b, &c); err != nil {
			return nil, err
		}
	}
	if _, err := b.Apply(c); err != nil {
		return nil, err
	}
	if err := s.store.UpdateStatus(ctx, b, from); err != nil {
		return nil, err
	}
	return b, nil
}

// run wraps transition with tracing, metrics, audit and logging.
func (s *Service) run(ctx context.Context, op string, id uuid.UUID, to domain.Status, reason string, custom customizer) (b *domain.Booking, err error) {
	ctx, span := tracer.Start(ctx, op)
	span.SetAttributes(
		attribute.String("booking.id", id.String()),
		attribute.String("booking.to", to.String()),
	)
	defer func() { finishSpan(span, err) }()

	b, from, err := s.transition(ctx, id, to, reason, custom)
	s.observe(ctx, id, from, to, reason, err)
	if b != nil {
		// committed, possibly with a seat release error
		s.afterTransition(ctx, b)
	}
	return b, err
}

func (s *Service) observe(ctx context.Context, id uuid.UUID, from, to domain.Status, reason string, err error) {
	outcome := audit.OutcomeSuccess
	switch {
	case err == nil:
	case errors.IsAny(err, domain.ErrInvalidTransition, domain.ErrHoldActive, domain.ErrBookingNotFound):
		outcome = audit.OutcomeRejected
	default:
		outcome = audit.OutcomeError
	}
	observability.BookingTransitions.WithLabelValues(from.String(), to.String(), outcome).Inc()

	rec := audit.Record{
		EventType: "booking.transition",
		BookingID: id,
		Actor:     ActorFrom(ctx),
		Outcome:   outcome,
		From:      from.String(),
		To:        to.String(),
		Reason:    reason,
		At:        s.now().UTC(),
	}
	log := observability.LoggerFrom(ctx, s.logger).WithFields(map[string]interface{}{
		"booking_id": id.String(),
		"from":       from.String(),
		"to":         to.String(),
		"actor":      rec.Actor,
	})
	switch outcome {
	case audit.OutcomeSuccess:
		log.Info("booking transitioned")
	case audit.OutcomeRejected:
		rec.Error = err.Error()
		log.WithError(err).Debug("transition rejected")
	default:
		rec.Error = err.Error()
		log.WithError(err).Error("transition failed")
	}
	s.auditor.Emit(rec)
}

func (s *Service) afterTransition(ctx context.Context, b *domain.Booking) {
	if b.Status != domain.StatusCancelled || b.RefundStatus != domain.RefundPending || b.RefundAmount == nil {
		return
	}
	if err := s.publishRefund(ctx, b, *b.RefundAmount, "booking cancelled"); err != nil {
		// the booking stays CANCELLED with a PENDING refund
		s.logger.WithError(err).WithField("booking_id", b.ID.String()).Error("refund intent not published")
	}
}

func (s *Service) publishRefund(ctx context.Context, b *domain.Booking, amount decimal.Decimal, reason string) error {
	intent := domain.RefundIntent{
		BookingID:   b.ID,
		Reference:   b.Reference,
		Amount:      amount,
		Currency:    b.Currency,
		Reason:      reason,
		RequestedAt: s.now().UTC(),
	}
	if b.PaymentID != nil {
		intent.PaymentID = *b.PaymentID
	}
	return s.refunds.PublishRefundIntent(ctx, intent)
}

// Transition moves a booking to status to along the transition table.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to domain.Status, reason string) (*domain.Booking, error) {
	if !to.Valid() {
		return nil, domain.Invalid("unknown status %q", to)
	}
	if reason == "" {
		reason = "transition to " + strings.ToLower(to.String())
	}
	var custom customizer
	if to == domain.StatusExpired {
		custom = s.requireLapsedHold
	}
	return s.run(ctx, "booking.Transition", id, to, reason, custom)
}

// InitiatePayment records a payment attempt and extends the hold by the
// payment window.
func (s *Service) InitiatePayment(ctx context.Context, id uuid.UUID, paymentID string) (*domain.Booking, error) {
	if paymentID == "" {
		return nil, domain.Invalid("payment_id is required")
	}
	return s.run(ctx, "booking.InitiatePayment", id, domain.StatusPaymentInitiated, "payment initiated", withPayment(paymentID))
}

func withPayment(paymentID string) customizer {
	return func(_ *domain.Booking, c *domain.Change) error {
		if paymentID != "" {
			c.PaymentID = &paymentID
		}
		return nil
	}
}

// OnPaymentConfirmed walks the booking forward to CONFIRMED from wherever it
// is. Signals may arrive before InitiatePayment or more than once. A payment
// for a booking that is already cancelled or expired is handed back as a
// refund intent.
func (s *Service) OnPaymentConfirmed(ctx context.Context, id uuid.UUID, paymentID string) (*domain.Booking, error) {
	for step := 0; step < maxPaymentSteps; step++ {
		b, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		switch b.Status {
		case domain.StatusPending:
			_, err = s.run(ctx, "booking.OnPaymentConfirmed", id, domain.StatusHeld, "payment confirmed", nil)
		case domain.StatusHeld:
			_, err = s.run(ctx, "booking.OnPaymentConfirmed", id, domain.StatusPaymentInitiated, "payment confirmed before initiation", withPayment(paymentID))
		case domain.StatusPaymentInitiated:
			_, err = s.run(ctx, "booking.OnPaymentConfirmed", id, domain.StatusPaid, "payment confirmed", withPayment(paymentID))
		case domain.StatusPaid:
			_, err = s.run(ctx, "booking.OnPaymentConfirmed", id, domain.StatusConfirmed, "booking confirmed", nil)
		case domain.StatusConfirmed, domain.StatusCheckedIn, domain.StatusCompleted:
			return b, nil
		default:
			return b, s.latePayment(ctx, b, paymentID)
		}

		// a lost race shows up as a missing edge; re-read and continue from there
		if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return nil, err
		}
	}
	return nil, errors.Mark(errors.Newf("booking %s: payment confirmation did not settle", id), domain.ErrPersistence)
}

func (s *Service) latePayment(ctx context.Context, b *domain.Booking, paymentID string) error {
	paid := b.Clone()
	if paymentID != "" {
		paid.PaymentID = &paymentID
	}
	reason := fmt.Sprintf("payment received for %s booking", strings.ToLower(b.Status.String()))
	s.logger.WithFields(map[string]interface{}{
		"booking_id": b.ID.String(),
		"status":     b.Status.String(),
		"payment_id": paymentID,
	}).Warn("late payment, requesting full refund")
	s.auditor.Emit(audit.Record{
		EventType: "payment.late",
		BookingID: b.ID,
		Actor:     ActorFrom(ctx),
		Outcome:   audit.OutcomeRejected,
		From:      b.Status.String(),
		Reason:    reason,
		At:        s.now().UTC(),
	})
	if err := s.publishRefund(ctx, paid, b.TotalPrice, reason); err != nil {
		return errors.Mark(errors.Wrap(err, "publish late payment refund"), domain.ErrPersistence)
	}
	return nil
}

// OnPaymentFailed cancels a booking still on hold. Any other status ignores
// the signal.
func (s *Service) OnPaymentFailed(ctx context.Context, id uuid.UUID, reason string) (*domain.Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.Status.HoldsSeats() {
		s.logger.WithFields(map[string]interface{}{
			"booking_id": id.String(),
			"status":     b.Status.String(),
		}).Info("payment failure ignored")
		return b, nil
	}

	if reason == "" {
		reason = "unspecified"
	}
	out, err := s.run(ctx, "booking.OnPaymentFailed", id, domain.StatusCancelled, "payment failed: "+reason,
		func(_ *domain.Booking, c *domain.Change) error {
			c.PaymentStatus = domain.PaymentFailed
			return nil
		})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// moved on concurrently
		return s.store.Get(ctx, id)
	}
	return out, err
}

// Cancel cancels a booking and returns the refund owed under the policy.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (decimal.Decimal, error) {
	if reason == "" {
		reason = "cancelled"
	}
	b, err := s.run(ctx, "booking.Cancel", id, domain.StatusCancelled, reason, nil)
	if err != nil {
		return decimal.Zero, err
	}
	if b.RefundAmount == nil {
		return decimal.Zero, nil
	}
	return *b.RefundAmount, nil
}

// CompleteRefund marks the refund as paid out by the payment provider.
func (s *Service) CompleteRefund(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return s.run(ctx, "booking.CompleteRefund", id, domain.StatusRefunded, "refund completed", requirePayment)
}

func requirePayment(b *domain.Booking, _ *domain.Change) error {
	if b.PaymentStatus != domain.PaymentSucceeded {
		return errors.Wrapf(domain.ErrInvalidTransition, "booking %s has no payment to refund", b.ID)
	}
	return nil
}

// Expire moves a lapsed hold to EXPIRED and frees its seats. A hold that is
// no longer past its expiry is left alone with domain.ErrHoldActive.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, err := s.run(ctx, "booking.Expire", id, domain.StatusExpired, "hold expired", s.requireLapsedHold)
	if err == nil {
		observability.HoldsExpired.Inc()
	}
	return b, err
}

func (s *Service) requireLapsedHold(b *domain.Booking, c *domain.Change) error {
	if !b.Expired(c.At) {
		return errors.Wrapf(domain.ErrHoldActive, "booking %s", b.ID)
	}
	return nil
}
