package memory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-bookings/internal/domain"
)

type Catalog struct {
	mu     sync.RWMutex
	routes map[string]domain.Route
}

func NewCatalog(routes ...domain.Route) *Catalog {
	c := &Catalog{routes: make(map[string]domain.Route)}
	for _, r := range routes {
		c.Put(r)
	}
	return c
}

func (c *Catalog) Put(r domain.Route) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.Stops = append([]string(nil), r.Stops...)
	c.routes[r.ID] = r
}

// Remove retires a route. Bookings on it keep their seat pools.
func (c *Catalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.routes, id)
}

func (c *Catalog) Route(_ context.Context, id string) (*domain.Route, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.routes[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrRouteNotFound, "route %s", id)
	}
	r.Stops = append([]string(nil), r.Stops...)
	return &r, nil
}
