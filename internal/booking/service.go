// Package booking turns seat requests into bookings and drives every later
// status change through one compare-and-swap transition path.
package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-bookings/internal/audit"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/idempotency"
	"github.com/robertarktes/ride-bookings/internal/lock"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxReferenceAttempts = 5
	maxSeatAttempts      = 3
	seatRetryBackoff     = 20 * time.Millisecond

	DefaultActor = "system"
)

var tracer = otel.Tracer("github.com/robertarktes/ride-bookings/internal/booking")

type Config struct {
	HoldTTL       time.Duration
	PaymentWindow time.Duration
	LockTimeout   time.Duration
	Refund        domain.RefundPolicy
}

func DefaultConfig() Config {
	return Config{
		HoldTTL:       10 * time.Minute,
		PaymentWindow: 15 * time.Minute,
		LockTimeout:   2 * time.Second,
		Refund:        domain.DefaultRefundPolicy(),
	}
}

// Deps are the collaborators of a Service. Auditor and Refunds may be nil.
type Deps struct {
	Store     Store
	Inventory Inventory
	Catalog   RouteCatalog
	Locker    lock.Locker
	Guard     *idempotency.Guard
	Auditor   Auditor
	Refunds   RefundIntents
	Logger    observability.Logger
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	store     Store
	inventory Inventory
	catalog   RouteCatalog
	locker    lock.Locker
	guard     *idempotency.Guard
	auditor   Auditor
	refunds   RefundIntents
	logger    observability.Logger

	cfg Config
	now func() time.Time
}

func NewService(deps Deps, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:     deps.Store,
		inventory: deps.Inventory,
		catalog:   deps.Catalog,
		locker:    deps.Locker,
		guard:     deps.Guard,
		auditor:   deps.Auditor,
		refunds:   deps.Refunds,
		logger:    deps.Logger,
		cfg:       cfg,
		now:       time.Now,
	}
	if s.logger == nil {
		s.logger = observability.NewNopLogger()
	}
	if s.auditor == nil {
		s.auditor = nopAuditor{}
	}
	if s.refunds == nil {
		s.refunds = logRefunds{logger: s.logger}
	}
	if s.guard == nil {
		s.guard = idempotency.NewGuard(idempotency.NewMemoryBackend(), 24*time.Hour, time.Second)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopAuditor struct{}

func (nopAuditor) Emit(audit.Record) {}

type logRefunds struct{ logger observability.Logger }

func (l logRefunds) PublishRefundIntent(_ context.Context, intent domain.RefundIntent) error {
	l.logger.WithFields(map[string]interface{}{
		"booking_id": intent.BookingID.String(),
		"amount":     intent.Amount.String(),
	}).Warn("no refund publisher configured, refund intent logged only")
	return nil
}

type actorKey struct{}

// WithActor names who is acting, for the audit trail.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by WithActor, or DefaultActor.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return DefaultActor
}

// CreateRequest asks for Seats seats between two stops of a route.
type CreateRequest struct {
	RiderID           string
	RouteID           string
	OriginStopID      string
	DestinationStopID string
	TravelDate        time.Time
	Seats             int
	IdempotencyKey    string
}

// CreateResult is a held booking. Replayed is set when the booking was
// produced by an earlier request with the same idempotency key.
type CreateResult struct {
	Booking  *domain.Booking
	Replayed bool
}

func (s *Service) validate(req CreateRequest) error {
	switch {
	case req.RiderID == "":
		return domain.Invalid("rider_id is required")
	case req.RouteID == "":
		return domain.Invalid("route_id is required")
	case req.OriginStopID == "" || req.DestinationStopID == "":
		return domain.Invalid("origin and destination stops are required")
	case req.OriginStopID == req.DestinationStopID:
		return domain.Invalid("origin and destination must differ")
	case req.Seats < 1:
		return domain.Invalid("seats must be at least 1, got %d", req.Seats)
	case req.TravelDate.IsZero():
		return domain.Invalid("travel_date is required")
	}
	if domain.TravelDate(req.TravelDate).Before(domain.TravelDate(s.now().UTC())) {
		return domain.Invalid("travel date %s is in the past", domain.DateKey(req.TravelDate))
	}
	if req.IdempotencyKey != "" {
		if err := idempotency.ValidateKey(req.IdempotencyKey); err != nil {
			return err
		}
	}
	return nil
}

// Create holds seats and persists a HELD booking. With an idempotency key,
// repeated calls return the first booking instead of holding more seats.
func (s *Service) Create(ctx context.Context, req CreateRequest) (res CreateResult, err error) {
	ctx, span := tracer.Start(ctx, "booking.Create")
	span.SetAttributes(
		attribute.String("route.id", req.RouteID),
		attribute.Int("booking.seats", req.Seats),
	)
	defer func() { finishSpan(span, err) }()

	if err := s.validate(req); err != nil {
		return CreateResult{}, err
	}

	key := req.IdempotencyKey
	if key != "" {
		out, gerr := s.guard.CheckAndReserve(ctx, key, req.RiderID)
		if gerr != nil {
			return CreateResult{}, gerr
		}
		if !out.Reserved {
			b, gerr := s.store.Get(ctx, out.BookingID)
			if gerr != nil {
				return CreateResult{}, gerr
			}
			return s.replay(b), nil
		}

		defer func() {
			bg := context.WithoutCancel(ctx)
			if err != nil {
				if aerr := s.guard.Abandon(bg, key, req.RiderID); aerr != nil {
					s.logger.WithError(aerr).Warn("abandon idempotency key")
				}
				return
			}
			if cerr := s.guard.Complete(bg, key, req.RiderID, res.Booking.ID); cerr != nil {
				s.logger.WithError(cerr).Warn("complete idempotency key")
			}
		}()

		// the guard entry may have expired while the booking lives on
		existing, gerr := s.store.GetByIdempotencyKey(ctx, key)
		switch {
		case gerr == nil:
			if existing.RiderID != req.RiderID {
				return CreateResult{}, domain.ErrIdempotencyKeyConflict
			}
			return s.replay(existing), nil
		case !errors.Is(gerr, domain.ErrBookingNotFound):
			return CreateResult{}, gerr
		}
	}

	route, err := s.catalog.Route(ctx, req.RouteID)
	if err != nil {
		return CreateResult{}, err
	}
	origin, dest := route.StopIndex(req.OriginStopID), route.StopIndex(req.DestinationStopID)
	if origin < 0 || dest < 0 {
		return CreateResult{}, domain.Invalid("stops %s -> %s are not on route %s", req.OriginStopID, req.DestinationStopID, route.ID)
	}
	if origin >= dest {
		return CreateResult{}, domain.Invalid("stop %s does not precede %s on route %s", req.OriginStopID, req.DestinationStopID, route.ID)
	}
	date := domain.TravelDate(req.TravelDate)
	departure, err := route.DepartureOn(date)
	if err != nil {
		return CreateResult{}, err
	}

	lockKey := lock.Key{RouteID: route.ID, TravelDate: date}
	err = lock.WithLock(ctx, s.locker, lockKey, s.cfg.LockTimeout, func() error {
		var lerr error
		res, lerr = s.createLocked(ctx, *route, req, date, departure)
		return lerr
	})
	err = s.keepCommitted(ctx, lockKey, err)
	if err != nil {
		return CreateResult{}, err
	}
	if res.Replayed {
		return res, nil
	}

	b := res.Booking
	observability.BookingsCreated.Inc()
	span.SetAttributes(attribute.String("booking.id", b.ID.String()))
	s.logger.WithFields(map[string]interface{}{
		"booking_id": b.ID.String(),
		"reference":  b.Reference,
		"route_id":   b.RouteID,
		"travel":     domain.DateKey(b.TravelDate),
		"seats":      b.SeatCount,
	}).Info("booking held")
	s.auditor.Emit(audit.Record{
		EventType: "booking.created",
		BookingID: b.ID,
		Actor:     ActorFrom(ctx),
		Outcome:   audit.OutcomeSuccess,
		To:        b.Status.String(),
		Reason:    b.LastChange().Reason,
		At:        b.CreatedAt,
	})
	return res, nil
}

func (s *Service) replay(b *domain.Booking) CreateResult {
	observability.IdempotentReplays.Inc()
	return CreateResult{Booking: b, Replayed: true}
}

// createLocked runs with the route/date lock held.
func (s *Service) createLocked(ctx context.Context, route domain.Route, req CreateRequest, date, departure time.Time) (CreateResult, error) {
	available, err := s.inventory.AvailableSeats(ctx, route, date)
	if err != nil {
		return CreateResult{}, err
	}
	if available < req.Seats {
		return CreateResult{}, errors.Wrapf(domain.ErrInsufficientSeats, "%d requested, %d available", req.Seats, available)
	}
	if err := s.inventory.AdjustSeats(ctx, route, date, -req.Seats); err != nil {
		if errors.Is(err, domain.ErrSeatConflict) {
			return CreateResult{}, errors.Wrapf(domain.ErrInsufficientSeats, "%v", err)
		}
		return CreateResult{}, err
	}

	b, err := s.hold(ctx, route, req, date, departure)
	if err == nil {
		err = s.persistNew(ctx, b)
	}
	if err == nil {
		return CreateResult{Booking: b}, nil
	}

	s.restoreSeats(ctx, route, date, req.Seats, uuid.Nil)

	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		existing, gerr := s.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if gerr != nil {
			return CreateResult{}, gerr
		}
		if existing.RiderID != req.RiderID {
			return CreateResult{}, domain.ErrIdempotencyKeyConflict
		}
		return s.replay(existing), nil
	}
	return CreateResult{}, err
}

func (s *Service) hold(ctx context.Context, route domain.Route, req CreateRequest, date, departure time.Time) (*domain.Booking, error) {
	seats, err := s.allocateSeats(ctx, route, date, req.Seats)
	if err != nil {
		return nil, err
	}
	ref, err := domain.NewReference()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var key *string
	if req.IdempotencyKey != "" {
		k := req.IdempotencyKey
		key = &k
	}
	b, err := domain.NewBooking(domain.NewBookingParams{
		Reference:         ref,
		RiderID:           req.RiderID,
		Route:             route,
		OriginStopID:      req.OriginStopID,
		DestinationStopID: req.DestinationStopID,
		TravelDate:        date,
		DepartureAt:       departure,
		SeatNumbers:       seats,
		IdempotencyKey:    key,
		At:                now,
	})
	if err != nil {
		return nil, err
	}
	if _, err := b.Apply(domain.Change{
		To:        domain.StatusHeld,
		Reason:    "seats held",
		At:        now,
		HoldUntil: now.Add(s.cfg.HoldTTL),
	}); err != nil {
		return nil, err
	}
	return b, nil
}

// allocateSeats picks the lowest seat numbers not taken on this route and date.
func (s *Service) allocateSeats(ctx context.Context, route domain.Route, date time.Time, n int) ([]int, error) {
	taken, err := s.store.OccupiedSeatNumbers(ctx, route.ID, date)
	if err != nil {
		return nil, err
	}
	used := make(map[int]struct{}, len(taken))
	for _, t := range taken {
		used[t] = struct{}{}
	}
	seats := make([]int, 0, n)
	for seat := 1; seat <= route.SeatCapacity && len(seats) < n; seat++ {
		if _, ok := used[seat]; !ok {
			seats = append(seats, seat)
		}
	}
	if len(seats) < n {
		return nil, errors.Wrapf(domain.ErrInsufficientSeats, "only %d seat numbers free on %s", len(seats), route.ID)
	}
	return seats, nil
}

func (s *Service) persistNew(ctx context.Context, b *domain.Booking) error {
	for attempt := 1; ; attempt++ {
		err := s.store.Create(ctx, b)
		if err == nil || !errors.Is(err, domain.ErrDuplicateReference) || attempt == maxReferenceAttempts {
			return err
		}
		if b.Reference, err = domain.NewReference(); err != nil {
			return err
		}
	}
}

// restoreSeats gives n seats back to the pool. On final failure the pool is
// left short, never oversold; the failure is logged and counted.
func (s *Service) restoreSeats(ctx context.Context, route domain.Route, date time.Time, n int, bookingID uuid.UUID) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < maxSeatAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(seatRetryBackoff << attempt)
		}
		if err = s.inventory.AdjustSeats(ctx, route, date, n); err == nil {
			return nil
		}
	}
	observability.SeatReleaseFailures.Inc()
	s.logger.WithError(err).WithFields(map[string]interface{}{
		"booking_id": bookingID.String(),
		"route_id":   route.ID,
		"travel":     domain.DateKey(date),
		"seats":      n,
	}).Error("seat release failed")
	return errors.Mark(errors.Wrapf(err, "release %d seats on %s", n, route.ID), domain.ErrPersistence)
}

// keepCommitted drops a lock release failure that followed a committed
// write. The lease bounds how long the pool stays blocked.
func (s *Service) keepCommitted(ctx context.Context, key lock.Key, err error) error {
	if err == nil || !errors.Is(err, lock.ErrRelease) {
		return err
	}
	observability.LoggerFrom(ctx, s.logger).WithError(err).WithField("lock", key.String()).
		Warn("seat pool lock not released, waiting for lease expiry")
	return nil
}

// Get returns the booking with id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) IsCancellable(status domain.Status) bool { return status.IsCancellable() }

func (s *Service) IsTerminal(status domain.Status) bool { return status.IsTerminal() }

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
