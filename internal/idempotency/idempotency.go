// Package idempotency makes booking creation safe to retry. A caller reserves
// a key before doing work and completes it with the resulting booking id;
// later callers with the same key get that id back.
package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-bookings/internal/domain"
)

const (
	MinKeyLength = 8
	MaxKeyLength = 128

	// PendingTTL bounds how long a crashed caller can block its key.
	PendingTTL   = 30 * time.Second
	pollInterval = 25 * time.Millisecond
)

// Entry is what a backend stores under a key. BookingID is uuid.Nil while
// the owning request is still in flight.
type Entry struct {
	Owner     string
	BookingID uuid.UUID
}

func (e Entry) Completed() bool { return e.BookingID != uuid.Nil }

// Backend stores entries with expiry. Implementations must make Reserve atomic.
type Backend interface {
	// Reserve stores a pending entry for owner when key is free and reports
	// true. Otherwise it returns the existing entry and false.
	Reserve(ctx context.Context, key, owner string, ttl time.Duration) (Entry, bool, error)
	// Complete records bookingID for a key owned by owner.
	Complete(ctx context.Context, key, owner string, bookingID uuid.UUID, ttl time.Duration) error
	// Release drops a pending entry owned by owner. Completed entries stay.
	Release(ctx context.Context, key, owner string) error
}

// Outcome is the result of CheckAndReserve. Exactly one of Reserved or
// BookingID is set.
type Outcome struct {
	Reserved  bool
	BookingID uuid.UUID
}

type Guard struct {
	backend      Backend
	completedTTL time.Duration
	wait         time.Duration
}

// NewGuard keeps completed entries for completedTTL and lets a caller wait
// up to wait for a concurrent request with the same key to finish.
func NewGuard(backend Backend, completedTTL, wait time.Duration) *Guard {
	return &Guard{backend: backend, completedTTL: completedTTL, wait: wait}
}

// ValidateKey checks the length bounds of an idempotency key.
func ValidateKey(key string) error {
	if len(key) < MinKeyLength || len(key) > MaxKeyLength {
		return errors.Wrapf(domain.ErrInvalidRequest, "idempotency key must be %d-%d characters", MinKeyLength, MaxKeyLength)
	}
	return nil
}

// CheckAndReserve claims key for rider, or reports the booking a previous
// request with the same key produced.
func (g *Guard) CheckAndReserve(ctx context.Context, key, rider string) (Outcome, error) {
	if err := ValidateKey(key); err != nil {
		return Outcome{}, err
	}

	deadline := time.Now().Add(g.wait)
	for {
		entry, reserved, err := g.backend.Reserve(ctx, key, rider, PendingTTL)
		if err != nil {
			return Outcome{}, errors.Mark(errors.Wrap(err, "reserve idempotency key"), domain.ErrPersistence)
		}
		if reserved {
			return Outcome{Reserved: true}, nil
		}
		if entry.Owner != rider {
			return Outcome{}, domain.ErrIdempotencyKeyConflict
		}
		if entry.Completed() {
			return Outcome{BookingID: entry.BookingID}, nil
		}

		if !time.Now().Add(pollInterval).Before(deadline) {
			return Outcome{}, domain.ErrIdempotencyInProgress
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Complete records the booking created under key.
func (g *Guard) Complete(ctx context.Context, key, rider string, bookingID uuid.UUID) error {
	if err := g.backend.Complete(ctx, key, rider, bookingID, g.completedTTL); err != nil {
		return errors.Wrapf(err, "complete idempotency key")
	}
	return nil
}

// Abandon frees key after a failed request so a retry can start over.
func (g *Guard) Abandon(ctx context.Context, key, rider string) error {
	if err := g.backend.Release(ctx, key, rider); err != nil {
		return errors.Wrapf(err, "release idempotency key")
	}
	return nil
}
