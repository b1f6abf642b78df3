package expiry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ride-bookings/internal/adapters/memory"
	"github.com/robertarktes/ride-bookings/internal/booking"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/lock"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc       *booking.Service
	store     *memory.Store
	inventory *memory.Inventory
	catalog   *memory.Catalog
	route     domain.Route
	reaper    *Reaper
	now       time.Time
	mu        sync.Mutex
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewStore(),
		inventory: memory.NewInventory(),
		now:       time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		route: domain.Route{
			ID:            "route-7",
			Stops:         []string{"north", "south"},
			SeatCapacity:  capacity,
			PricePerSeat:  decimal.NewFromInt(10),
			PlatformFee:   decimal.Zero,
			Currency:      "USD",
			DepartureTime: "18:00",
		},
	}
	h.catalog = memory.NewCatalog(h.route)
	h.svc = booking.NewService(booking.Deps{
		Store:     h.store,
		Inventory: h.inventory,
		Catalog:   h.catalog,
		Locker:    lock.NewLocal(),
	}, booking.DefaultConfig(), booking.WithClock(h.clock))
	h.reaper = NewReaper(h.store, h.svc, observability.NewNopLogger(), 100, 4)
	h.reaper.now = h.clock
	return h
}

func (h *harness) hold(t *testing.T, seats int) *domain.Booking {
	t.Helper()
	res, err := h.svc.Create(context.Background(), booking.CreateRequest{
		RiderID:           uuid.NewString(),
		RouteID:           h.route.ID,
		OriginStopID:      "north",
		DestinationStopID: "south",
		TravelDate:        time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
		Seats:             seats,
	})
	require.NoError(t, err)
	return res.Booking
}

func (h *harness) available(t *testing.T) int {
	t.Helper()
	n, err := h.inventory.AvailableSeats(context.Background(), h.route, time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return n
}

func TestRunOnce_ExpiresLapsedHolds(t *testing.T) {
	h := newHarness(t, 6)
	ctx := context.Background()

	stale := []*domain.Booking{h.hold(t, 2), h.hold(t, 1)}
	h.advance(5 * time.Minute)
	fresh := h.hold(t, 1)
	h.advance(6 * time.Minute)
	require.Equal(t, 2, h.available(t))

	res, err := h.reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 2, Expired: 2}, res)
	assert.Equal(t, 5, h.available(t))

	for _, b := range stale {
		got, err := h.svc.Get(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExpired, got.Status)
		assert.Equal(t, "hold expired", got.LastChange().Reason)
	}
	got, err := h.svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHeld, got.Status)
}

func TestRunOnce_SecondRunIsNoop(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	h.hold(t, 3)
	h.advance(time.Hour)

	_, err := h.reaper.RunOnce(ctx)
	require.NoError(t, err)

	res, err := h.reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 3, h.available(t))
}

func TestRunOnce_ReleasedSeatsAreReusable(t *testing.T) {
	h := newHarness(t, 2)

	first := h.hold(t, 2)
	_, err := h.svc.Create(context.Background(), booking.CreateRequest{
		RiderID: "late", RouteID: h.route.ID, OriginStopID: "north", DestinationStopID: "south",
		TravelDate: time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), Seats: 1,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientSeats)

	h.advance(11 * time.Minute)
	_, err = h.reaper.RunOnce(context.Background())
	require.NoError(t, err)

	second := h.hold(t, 2)
	assert.Equal(t, first.SeatNumbers, second.SeatNumbers)
}

func TestRunOnce_ExpiresHoldsOnRetiredRoute(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()

	b := h.hold(t, 3)
	h.catalog.Remove(h.route.ID)
	h.advance(11 * time.Minute)

	res, err := h.reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Expired: 1}, res)
	assert.Equal(t, 4, h.available(t))

	got, err := h.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
}

func TestRunOnce_PaymentExtendedHoldIsSkipped(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	b := h.hold(t, 1)

	h.advance(11 * time.Minute)
	// listed while stale, extended by a payment before the reaper gets to it
	h.reaper.holds = listerFunc(func(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
		_, err := h.svc.Transition(ctx, b.ID, domain.StatusPaymentInitiated, "")
		require.NoError(t, err)
		return []uuid.UUID{b.ID}, nil
	})

	res, err := h.reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Skipped: 1}, res)
	assert.Equal(t, 1, h.available(t))
}

type listerFunc func(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

func (f listerFunc) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return f(ctx, now, limit)
}

type flakyExpirer struct {
	mu    sync.Mutex
	calls int
	fails int
}

func (f *flakyExpirer) Expire(context.Context, uuid.UUID) (*domain.Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return nil, domain.ErrLockTimeout
	}
	return &domain.Booking{Status: domain.StatusExpired}, nil
}

func TestRunOnce_RetriesTransientErrors(t *testing.T) {
	ids := listerFunc(func(context.Context, time.Time, int) ([]uuid.UUID, error) {
		return []uuid.UUID{uuid.New()}, nil
	})

	flaky := &flakyExpirer{fails: 2}
	r := NewReaper(ids, flaky, observability.NewNopLogger(), 10, 1)
	r.backoff = time.Millisecond
	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Expired: 1}, res)
	assert.Equal(t, 3, flaky.calls)

	broken := &flakyExpirer{fails: 10}
	r = NewReaper(ids, broken, observability.NewNopLogger(), 10, 1)
	r.backoff = time.Millisecond
	res, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Failed: 1}, res)
	assert.Equal(t, maxRetries, broken.calls)
}
