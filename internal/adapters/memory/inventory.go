package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-bookings/internal/domain"
)

type pool struct {
	available int
	capacity  int
}

// Inventory counts free seats per route and date. A pool is seeded with the
// route's capacity the first time it is touched.
type Inventory struct {
	mu    sync.Mutex
	pools map[string]*pool
}

func NewInventory() *Inventory {
	return &Inventory{pools: make(map[string]*pool)}
}

func poolKey(routeID string, travelDate time.Time) string {
	return routeID + "|" + domain.DateKey(travelDate)
}

func (i *Inventory) pool(route domain.Route, travelDate time.Time) *pool {
	k := poolKey(route.ID, travelDate)
	p, ok := i.pools[k]
	if !ok {
		p = &pool{available: route.SeatCapacity, capacity: route.SeatCapacity}
		i.pools[k] = p
	}
	return p
}

func (i *Inventory) AvailableSeats(_ context.Context, route domain.Route, travelDate time.Time) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pool(route, travelDate).available, nil
}

func (i *Inventory) AdjustSeats(_ context.Context, route domain.Route, travelDate time.Time, delta int) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	p := i.pool(route, travelDate)
	next := p.available + delta
	if next < 0 || next > p.capacity {
		return errors.Wrapf(domain.ErrSeatConflict, "%s on %s: %d%+d outside 0..%d",
			route.ID, domain.DateKey(travelDate), p.available, delta, p.capacity)
	}
	p.available = next
	return nil
}
