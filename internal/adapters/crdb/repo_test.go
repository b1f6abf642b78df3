package crdb_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ride-bookings/internal/adapters/crdb"
	"github.com/robertarktes/ride-bookings/internal/adapters/memory"
	"github.com/robertarktes/ride-bookings/internal/booking"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/lock"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startCockroach(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { crdbContainer.Terminate(ctx) })

	host, err := crdbContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := crdbContainer.MappedPort(ctx, "26257")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgresql://root@%s:%s/defaultdb?sslmode=disable", host, port.Port()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	if err := crdb.EnsureSchema(ctx, pool); err != nil {
		t.Fatal(err)
	}
	return pool
}

var route = domain.Route{
	ID:            "route-crdb",
	DriverID:      "driver-1",
	Stops:         []string{"x", "y"},
	SeatCapacity:  3,
	PricePerSeat:  decimal.RequireFromString("9.99"),
	PlatformFee:   decimal.RequireFromString("0.50"),
	Currency:      "USD",
	DepartureTime: "07:15",
}

func heldBooking(t *testing.T, at time.Time, seats []int, key *string) *domain.Booking {
	t.Helper()
	ref, err := domain.NewReference()
	if err != nil {
		t.Fatal(err)
	}
	date := time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)
	dep, _ := route.DepartureOn(date)
	b, err := domain.NewBooking(domain.NewBookingParams{
		Reference:         ref,
		RiderID:           "rider-" + uuid.NewString(),
		Route:             route,
		OriginStopID:      "x",
		DestinationStopID: "y",
		TravelDate:        date,
		DepartureAt:       dep,
		SeatNumbers:       seats,
		IdempotencyKey:    key,
		At:                at,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Apply(domain.Change{To: domain.StatusHeld, At: at, HoldUntil: at.Add(10 * time.Minute)}); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestRepository_BookingLifecycle(t *testing.T) {
	pool := startCockroach(t)
	ctx := context.Background()
	repo := crdb.NewRepository(pool)

	at := time.Now().UTC().Truncate(time.Microsecond)
	key := "crdb-key-0001"
	b := heldBooking(t, at, []int{2, 1}, &key)

	if err := repo.Create(ctx, b); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got, err := repo.Get(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reference != b.Reference || got.Status != domain.StatusHeld || len(got.History) != 2 {
		t.Errorf("unexpected booking %+v", got)
	}
	if !got.TotalPrice.Equal(decimal.RequireFromString("20.48")) {
		t.Errorf("expected total 20.48, got %s", got.TotalPrice)
	}
	if len(got.SeatNumbers) != 2 || got.SeatNumbers[0] != 1 || got.SeatNumbers[1] != 2 {
		t.Errorf("unexpected seats %v", got.SeatNumbers)
	}

	byKey, err := repo.GetByIdempotencyKey(ctx, key)
	if err != nil || byKey.ID != b.ID {
		t.Fatalf("lookup by key: %v %v", byKey, err)
	}

	if _, err := got.Apply(domain.Change{To: domain.StatusCancelled, Reason: "test", At: at.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateStatus(ctx, got, domain.StatusHeld); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// stale writer still expects HELD
	stale := b.Clone()
	if _, err := stale.Apply(domain.Change{To: domain.StatusExpired, At: at.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateStatus(ctx, stale, domain.StatusHeld); !errors.Is(err, domain.ErrStatusConflict) {
		t.Errorf("expected status conflict, got %v", err)
	}

	final, err := repo.Get(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.StatusCancelled || len(final.History) != 3 || final.CancelledAt == nil {
		t.Errorf("unexpected final booking %+v", final)
	}

	events, err := repo.ClaimOutbox(ctx, 10, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].EventType != "booking.held" || events[1].EventType != "booking.cancelled" {
		t.Errorf("unexpected outbox %+v", events)
	}
	// a second relay sees nothing while the lease holds
	if others, err := repo.ClaimOutbox(ctx, 10, time.Minute); err != nil || len(others) != 0 {
		t.Errorf("expected claimed events to be hidden, got %d (%v)", len(others), err)
	}
	if err := repo.MarkPublished(ctx, events[0].ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	time.Sleep(500 * time.Millisecond)
	events, err = repo.ClaimOutbox(ctx, 10, time.Minute)
	if err != nil || len(events) != 1 || events[0].EventType != "booking.cancelled" {
		t.Errorf("expected the unpublished event back after the lease, got %d (%v)", len(events), err)
	}
}

func TestRepository_Duplicates(t *testing.T) {
	pool := startCockroach(t)
	ctx := context.Background()
	repo := crdb.NewRepository(pool)
	at := time.Now().UTC()

	key := "crdb-key-dup1"
	first := heldBooking(t, at, []int{1}, &key)
	if err := repo.Create(ctx, first); err != nil {
		t.Fatal(err)
	}

	sameKey := heldBooking(t, at, []int{2}, &key)
	if err := repo.Create(ctx, sameKey); !errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		t.Errorf("expected duplicate idempotency key, got %v", err)
	}

	sameRef := heldBooking(t, at, []int{3}, nil)
	sameRef.Reference = first.Reference
	if err := repo.Create(ctx, sameRef); !errors.Is(err, domain.ErrDuplicateReference) {
		t.Errorf("expected duplicate reference, got %v", err)
	}

	if _, err := repo.Get(ctx, uuid.New()); !errors.Is(err, domain.ErrBookingNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRepository_SeatsAndExpiredHolds(t *testing.T) {
	pool := startCockroach(t)
	ctx := context.Background()
	repo := crdb.NewRepository(pool)

	past := time.Now().UTC().Add(-time.Hour)
	old := heldBooking(t, past, []int{1, 3}, nil)
	fresh := heldBooking(t, time.Now().UTC(), []int{2}, nil)
	for _, b := range []*domain.Booking{old, fresh} {
		if err := repo.Create(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	seats, err := repo.OccupiedSeatNumbers(ctx, route.ID, old.TravelDate)
	if err != nil {
		t.Fatal(err)
	}
	if len(seats) != 3 {
		t.Errorf("expected 3 occupied seats, got %v", seats)
	}

	ids, err := repo.ListExpiredHolds(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != old.ID {
		t.Errorf("expected only %s, got %v", old.ID, ids)
	}
}

func TestInventory_Bounds(t *testing.T) {
	pool := startCockroach(t)
	ctx := context.Background()
	inv := crdb.NewInventory(crdb.NewRepository(pool))
	date := time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)

	n, err := inv.AvailableSeats(ctx, route, date)
	if err != nil || n != 3 {
		t.Fatalf("expected seeded pool of 3, got %d (%v)", n, err)
	}
	if err := inv.AdjustSeats(ctx, route, date, -3); err != nil {
		t.Fatal(err)
	}
	if err := inv.AdjustSeats(ctx, route, date, -1); !errors.Is(err, domain.ErrSeatConflict) {
		t.Errorf("expected seat conflict below zero, got %v", err)
	}
	if err := inv.AdjustSeats(ctx, route, date, 4); !errors.Is(err, domain.ErrSeatConflict) {
		t.Errorf("expected seat conflict above capacity, got %v", err)
	}
	if err := inv.AdjustSeats(ctx, route, date, 3); err != nil {
		t.Fatal(err)
	}
}

func TestService_OverCockroach(t *testing.T) {
	pool := startCockroach(t)
	ctx := context.Background()
	repo := crdb.NewRepository(pool)
	inv := crdb.NewInventory(repo)

	svc := booking.NewService(booking.Deps{
		Store:     repo,
		Inventory: inv,
		Catalog:   memory.NewCatalog(route),
		Locker:    lock.NewLocal(),
	}, booking.DefaultConfig())

	req := booking.CreateRequest{
		RiderID:           "rider-1",
		RouteID:           route.ID,
		OriginStopID:      "x",
		DestinationStopID: "y",
		TravelDate:        time.Now().UTC().Add(72 * time.Hour),
		Seats:             3,
	}
	res, err := svc.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, req); !errors.Is(err, domain.ErrInsufficientSeats) {
		t.Errorf("expected insufficient seats, got %v", err)
	}

	if _, err := svc.Cancel(ctx, res.Booking.ID, "changed plans"); err != nil {
		t.Fatal(err)
	}
	n, err := inv.AvailableSeats(ctx, route, req.TravelDate)
	if err != nil || n != 3 {
		t.Errorf("expected all seats back, got %d (%v)", n, err)
	}
}
