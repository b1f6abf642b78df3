package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ride-bookings/internal/audit"
	"github.com/robertarktes/ride-bookings/internal/domain"
)

// Store persists bookings. UpdateStatus is a compare-and-swap: it writes b
// only if the stored status still equals expected, and returns
// domain.ErrStatusConflict otherwise. It also appends b's newest history entry.
type Store interface {
	Create(ctx context.Context, b *domain.Booking) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Booking, error)
	UpdateStatus(ctx context.Context, b *domain.Booking, expected domain.Status) error
	OccupiedSeatNumbers(ctx context.Context, routeID string, travelDate time.Time) ([]int, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Inventory tracks free seats per route and travel date. AdjustSeats fails
// with domain.ErrSeatConflict when the pool would leave [0, capacity].
type Inventory interface {
	AvailableSeats(ctx context.Context, route domain.Route, travelDate time.Time) (int, error)
	AdjustSeats(ctx context.Context, route domain.Route, travelDate time.Time, delta int) error
}

// RouteCatalog resolves routes. Missing routes yield domain.ErrRouteNotFound.
type RouteCatalog interface {
	Route(ctx context.Context, id string) (*domain.Route, error)
}

// Auditor accepts audit records without blocking.
type Auditor interface {
	Emit(r audit.Record)
}

// RefundIntents forwards refund requests to the payment collaborator.
type RefundIntents interface {
	PublishRefundIntent(ctx context.Context, intent domain.RefundIntent) error
}
