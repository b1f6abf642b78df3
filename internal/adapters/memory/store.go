// Package memory holds in-process adapters for single-instance runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-bookings/internal/domain"
)

// Store keeps bookings in a map. Every read and write copies, so callers
// never share a *domain.Booking with the store.
type Store struct {
	mu       sync.RWMutex
	bookings map[uuid.UUID]*domain.Booking
	byKey    map[string]uuid.UUID
	byRef    map[string]uuid.UUID
}

func NewStore() *Store {
	return &Store{
		bookings: make(map[uuid.UUID]*domain.Booking),
		byKey:    make(map[string]uuid.UUID),
		byRef:    make(map[string]uuid.UUID),
	}
}

func (s *Store) Create(_ context.Context, b *domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bookings[b.ID]; ok {
		return errors.Wrapf(domain.ErrPersistence, "booking %s already exists", b.ID)
	}
	if b.IdempotencyKey != nil {
		if _, ok := s.byKey[*b.IdempotencyKey]; ok {
			return domain.ErrDuplicateIdempotencyKey
		}
	}
	if _, ok := s.byRef[b.Reference]; ok {
		return domain.ErrDuplicateReference
	}

	s.bookings[b.ID] = b.Clone()
	s.byRef[b.Reference] = b.ID
	if b.IdempotencyKey != nil {
		s.byKey[*b.IdempotencyKey] = b.ID
	}
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bookings[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrBookingNotFound, "booking %s", id)
	}
	return b.Clone(), nil
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Booking, error) {
	s.mu.RLock()
	id, ok := s.byKey[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(domain.ErrBookingNotFound, "idempotency key %q", key)
	}
	return s.Get(ctx, id)
}

func (s *Store) UpdateStatus(_ context.Context, b *domain.Booking, expected domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.bookings[b.ID]
	if !ok {
		return errors.Wrapf(domain.ErrBookingNotFound, "booking %s", b.ID)
	}
	if cur.Status != expected {
		return errors.Wrapf(domain.ErrStatusConflict, "booking %s is %s, expected %s", b.ID, cur.Status, expected)
	}
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *Store) OccupiedSeatNumbers(_ context.Context, routeID string, travelDate time.Time) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	date := domain.TravelDate(travelDate)
	var seats []int
	for _, b := range s.bookings {
		if b.RouteID == routeID && b.TravelDate.Equal(date) && b.Status.OccupiesSeats() {
			seats = append(seats, b.SeatNumbers...)
		}
	}
	sort.Ints(seats)
	return seats, nil
}

func (s *Store) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*domain.Booking
	for _, b := range s.bookings {
		if b.Expired(now) {
			expired = append(expired, b)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	ids := make([]uuid.UUID, len(expired))
	for i, b := range expired {
		ids[i] = b.ID
	}
	return ids, nil
}
