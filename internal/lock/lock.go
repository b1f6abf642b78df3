// Package lock serializes mutations of one seat pool, keyed by route and
// travel date.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/observability"
)

// ErrRelease marks a failed release after fn returned successfully. The
// work done under the lock stands; the lease frees the key on its own.
var ErrRelease = errors.New("lock release failed")

// Key identifies one seat pool.
type Key struct {
	RouteID    string
	TravelDate time.Time
}

func (k Key) String() string {
	return fmt.Sprintf("seat-pool:%s:%s", k.RouteID, domain.DateKey(k.TravelDate))
}

// Locker grants exclusive access to a seat pool.
//
// Acquire blocks until the lock is held, timeout elapses (domain.ErrLockTimeout)
// or ctx is done. A backend failure yields domain.ErrLockUnavailable.
type Locker interface {
	Acquire(ctx context.Context, key Key, timeout time.Duration) (Handle, error)
}

// Handle is a held lock.
type Handle interface {
	Release(ctx context.Context) error
}

// WithLock runs fn while holding key. The lock is released on every exit
// path; a panic in fn is re-raised after release. When fn succeeds but the
// release fails, the returned error is marked ErrRelease.
func WithLock(ctx context.Context, l Locker, key Key, timeout time.Duration, fn func() error) (err error) {
	h, err := Acquire(ctx, l, key, timeout)
	if err != nil {
		return err
	}
	defer func() {
		// detached: a cancelled caller must still free the pool
		rerr := h.Release(context.WithoutCancel(ctx))
		if rerr == nil {
			return
		}
		observability.LockReleaseFailures.Inc()
		if err == nil {
			err = errors.Mark(errors.Wrapf(rerr, "release %s", key), ErrRelease)
		}
	}()
	return fn()
}

// Acquire wraps l.Acquire with wait-time and outcome metrics.
func Acquire(ctx context.Context, l Locker, key Key, timeout time.Duration) (Handle, error) {
	start := time.Now()
	h, err := l.Acquire(ctx, key, timeout)
	observability.LockWait.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		observability.LockAcquire.WithLabelValues("acquired").Inc()
	case errors.Is(err, domain.ErrLockTimeout):
		observability.LockAcquire.WithLabelValues("timeout").Inc()
	default:
		observability.LockAcquire.WithLabelValues("unavailable").Inc()
	}
	return h, err
}
