package domain

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Route is the slice of route data the booking core consumes from the catalog.
type Route struct {
	ID            string
	DriverID      string
	Stops         []string
	SeatCapacity  int
	PricePerSeat  decimal.Decimal
	PlatformFee   decimal.Decimal
	Currency      string
	DepartureTime string // "15:04" in TimeZone
	TimeZone      string
}

// StopIndex returns the position of stop on the route, or -1.
func (r Route) StopIndex(stop string) int {
	for i, s := range r.Stops {
		if s == stop {
			return i
		}
	}
	return -1
}

// DepartureOn resolves the scheduled departure instant on travelDate.
func (r Route) DepartureOn(travelDate time.Time) (time.Time, error) {
	loc := time.UTC
	if r.TimeZone != "" {
		l, err := time.LoadLocation(r.TimeZone)
		if err != nil {
			return time.Time{}, errors.Wrapf(ErrInvalidRequest, "route %s time zone %q", r.ID, r.TimeZone)
		}
		loc = l
	}
	clock, err := time.Parse("15:04", r.DepartureTime)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrInvalidRequest, "route %s departure time %q", r.ID, r.DepartureTime)
	}
	y, m, d := travelDate.Date()
	return time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, loc), nil
}

// TravelDate normalizes t to midnight UTC of its calendar date.
func TravelDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseTravelDate parses a YYYY-MM-DD civil date.
func ParseTravelDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrInvalidRequest, "travel date %q", s)
	}
	return t, nil
}

// DateKey renders a travel date the way lock keys and logs show it.
func DateKey(t time.Time) string { return t.Format(dateLayout) }

// StatusChange is one entry of a booking's append-only history.
type StatusChange struct {
	From   Status
	To     Status
	Reason string
	At     time.Time
}

// Booking is the aggregate root of the engine.
type Booking struct {
	ID        uuid.UUID
	Reference string

	RiderID  string
	DriverID string

	RouteID           string
	OriginStopID      string
	DestinationStopID string
	TravelDate        time.Time
	DepartureAt       time.Time

	SeatCount   int
	SeatNumbers []int

	Currency     string
	PricePerSeat decimal.Decimal
	PlatformFee  decimal.Decimal
	TotalPrice   decimal.Decimal

	Status Status

	PaymentID     *string
	PaymentStatus PaymentStatus

	CancellationReason *string
	CancelledAt        *time.Time
	RefundAmount       *decimal.Decimal
	RefundStatus       RefundStatus

	IdempotencyKey *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time
	ConfirmedAt *time.Time

	History []StatusChange
}

// NewBookingParams carries everything needed to open a booking.
type NewBookingParams struct {
	ID                uuid.UUID
	Reference         string
	RiderID           string
	Route             Route
	OriginStopID      string
	DestinationStopID string
	TravelDate        time.Time
	DepartureAt       time.Time
	SeatNumbers       []int
	IdempotencyKey    *string
	At                time.Time
}

// NewBooking builds a PENDING booking and enforces the creation invariants.
func NewBooking(p NewBookingParams) (*Booking, error) {
	if p.RiderID == "" {
		return nil, Invalid("rider id is required")
	}
	if len(p.SeatNumbers) == 0 {
		return nil, Invalid("at least one seat is required")
	}
	seen := make(map[int]struct{}, len(p.SeatNumbers))
	for _, n := range p.SeatNumbers {
		if n <= 0 {
			return nil, Invalid("seat number %d out of range", n)
		}
		if _, dup := seen[n]; dup {
			return nil, Invalid("seat number %d assigned twice", n)
		}
		seen[n] = struct{}{}
	}
	if p.Route.PricePerSeat.IsNegative() || p.Route.PlatformFee.IsNegative() {
		return nil, Invalid("route %s has negative pricing", p.Route.ID)
	}

	seats := append([]int(nil), p.SeatNumbers...)
	sort.Ints(seats)
	count := len(seats)
	total := p.Route.PricePerSeat.Mul(decimal.NewFromInt(int64(count))).Add(p.Route.PlatformFee)

	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	b := &Booking{
		ID:                id,
		Reference:         p.Reference,
		RiderID:           p.RiderID,
		DriverID:          p.Route.DriverID,
		RouteID:           p.Route.ID,
		OriginStopID:      p.OriginStopID,
		DestinationStopID: p.DestinationStopID,
		TravelDate:        TravelDate(p.TravelDate),
		DepartureAt:       p.DepartureAt,
		SeatCount:         count,
		SeatNumbers:       seats,
		Currency:          p.Route.Currency,
		PricePerSeat:      p.Route.PricePerSeat,
		PlatformFee:       p.Route.PlatformFee,
		TotalPrice:        total,
		Status:            StatusPending,
		PaymentStatus:     PaymentNotStarted,
		RefundStatus:      RefundNone,
		IdempotencyKey:    p.IdempotencyKey,
		CreatedAt:         p.At,
		UpdatedAt:         p.At,
		History: []StatusChange{{
			To:     StatusPending,
			Reason: "booking created",
			At:     p.At,
		}},
	}
	return b, nil
}

// Change describes a requested transition and the data that travels with it.
type Change struct {
	To        Status
	Reason    string
	At        time.Time
	HoldUntil time.Time

	PaymentID     *string
	PaymentStatus PaymentStatus
	RefundAmount  *decimal.Decimal
	RefundStatus  RefundStatus
}

// Apply moves the booking along one edge of the transition table. It is the
// only code that writes Status, the lifecycle timestamps and History.
func (b *Booking) Apply(c Change) (StatusChange, error) {
	from := b.Status
	if !from.CanTransitionTo(c.To) {
		return StatusChange{}, errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, c.To)
	}

	at := c.At
	b.Status = c.To
	b.UpdatedAt = at

	if c.To.CarriesExpiry() {
		if !c.HoldUntil.IsZero() && (b.ExpiresAt == nil || c.HoldUntil.After(*b.ExpiresAt)) {
			until := c.HoldUntil
			b.ExpiresAt = &until
		}
	} else {
		b.ExpiresAt = nil
	}

	if c.PaymentID != nil {
		id := *c.PaymentID
		b.PaymentID = &id
	}
	if c.PaymentStatus != "" {
		b.PaymentStatus = c.PaymentStatus
	}
	if c.RefundAmount != nil {
		amount := *c.RefundAmount
		b.RefundAmount = &amount
	}
	if c.RefundStatus != "" {
		b.RefundStatus = c.RefundStatus
	}

	switch c.To {
	case StatusConfirmed:
		b.ConfirmedAt = &at
	case StatusCancelled:
		reason := c.Reason
		b.CancelledAt = &at
		b.CancellationReason = &reason
	case StatusRefunded:
		b.RefundStatus = RefundDone
		if b.PaymentStatus == PaymentSucceeded {
			b.PaymentStatus = PaymentRefunded
		}
	}

	change := StatusChange{From: from, To: c.To, Reason: c.Reason, At: at}
	b.History = append(b.History, change)
	return change, nil
}

// LastChange returns the newest history entry.
func (b *Booking) LastChange() StatusChange {
	if len(b.History) == 0 {
		return StatusChange{}
	}
	return b.History[len(b.History)-1]
}

// Expired reports whether the hold lapsed before now.
func (b *Booking) Expired(now time.Time) bool {
	return b.Status.HoldsSeats() && b.ExpiresAt != nil && b.ExpiresAt.Before(now)
}

// Clone returns a deep copy so callers never share mutable state.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	c.SeatNumbers = append([]int(nil), b.SeatNumbers...)
	c.History = append([]StatusChange(nil), b.History...)
	c.PaymentID = cloneString(b.PaymentID)
	c.CancellationReason = cloneString(b.CancellationReason)
	c.IdempotencyKey = cloneString(b.IdempotencyKey)
	c.CancelledAt = cloneTime(b.CancelledAt)
	c.ExpiresAt = cloneTime(b.ExpiresAt)
	c.ConfirmedAt = cloneTime(b.ConfirmedAt)
	if b.RefundAmount != nil {
		amount := *b.RefundAmount
		c.RefundAmount = &amount
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RefundIntent asks the payment collaborator to return money to the rider.
type RefundIntent struct {
	BookingID   uuid.UUID       `json:"booking_id"`
	Reference   string          `json:"reference"`
	PaymentID   string          `json:"payment_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Reason      string          `json:"reason"`
	RequestedAt time.Time       `json:"requested_at"`
}
