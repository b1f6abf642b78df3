package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ride-bookings/internal/domain"
)

// Inventory keeps one seat_pools row per route and travel date. A missing
// row is seeded from the route's capacity on first use.
type Inventory struct {
	repo *Repository
}

func NewInventory(repo *Repository) *Inventory {
	return &Inventory{repo: repo}
}

func ensurePool(ctx context.Context, tx pgx.Tx, route domain.Route, date time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO seat_pools (route_id, travel_date, capacity, available)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (route_id, travel_date) DO NOTHING
	`, route.ID, date, route.SeatCapacity)
	return err
}

func (i *Inventory) AvailableSeats(ctx context.Context, route domain.Route, travelDate time.Time) (int, error) {
	date := domain.TravelDate(travelDate)
	var available int
	err := i.repo.WithTx(ctx, func(tx pgx.Tx) error {
		if err := ensurePool(ctx, tx, route, date); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			SELECT available FROM seat_pools WHERE route_id = $1 AND travel_date = $2
		`, route.ID, date).Scan(&available)
	})
	if err != nil {
		return 0, err
	}
	return available, nil
}

func (i *Inventory) AdjustSeats(ctx context.Context, route domain.Route, travelDate time.Time, delta int) error {
	date := domain.TravelDate(travelDate)
	return i.repo.WithTx(ctx, func(tx pgx.Tx) error {
		if err := ensurePool(ctx, tx, route, date); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE seat_pools SET available = available + $3
			WHERE route_id = $1 AND travel_date = $2
			  AND available + $3 >= 0 AND available + $3 <= capacity
		`, route.ID, date, delta)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(domain.ErrSeatConflict, "%s on %s: adjust by %+d", route.ID, domain.DateKey(date), delta)
		}
		return nil
	})
}
