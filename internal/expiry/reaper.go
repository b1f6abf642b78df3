// Package expiry sweeps lapsed seat holds back into inventory.
package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-bookings/internal/booking"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"golang.org/x/sync/errgroup"
)

const (
	Actor = "reaper"

	maxRetries  = 3
	baseBackoff = 100 * time.Millisecond
)

// HoldLister finds bookings whose hold lapsed before now.
type HoldLister interface {
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Expirer expires one booking; *booking.Service implements it.
type Expirer interface {
	Expire(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
}

type Result struct {
	Scanned int
	Expired int
	Skipped int
	Failed  int
}

type Reaper struct {
	holds       HoldLister
	expirer     Expirer
	logger      observability.Logger
	batch       int
	parallelism int
	now         func() time.Time
	backoff     time.Duration
}

func NewReaper(holds HoldLister, expirer Expirer, logger observability.Logger, batch, parallelism int) *Reaper {
	if batch <= 0 {
		batch = 100
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Reaper{
		holds:       holds,
		expirer:     expirer,
		logger:      logger,
		batch:       batch,
		parallelism: parallelism,
		now:         time.Now,
		backoff:     baseBackoff,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.WithError(err).Error("failed to list expired holds")
				continue
			}
			if res.Scanned > 0 {
				r.logger.WithFields(map[string]interface{}{
					"scanned": res.Scanned,
					"expired": res.Expired,
					"skipped": res.Skipped,
					"failed":  res.Failed,
				}).Info("expiry sweep finished")
			}
		}
	}
}

// RunOnce expires one batch of lapsed holds.
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	ids, err := r.holds.ListExpiredHolds(ctx, r.now().UTC(), r.batch)
	if err != nil {
		return Result{}, err
	}

	ctx = booking.WithActor(ctx, Actor)
	res := Result{Scanned: len(ids)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, id := range ids {
		g.Go(func() error {
			err := r.expireWithRetry(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Expired++
			case errors.IsAny(err, domain.ErrHoldActive, domain.ErrInvalidTransition, domain.ErrBookingNotFound):
				res.Skipped++
				r.logger.WithField("booking_id", id.String()).Debug("expiry skipped: " + err.Error())
			default:
				res.Failed++
				r.logger.WithError(err).WithField("booking_id", id.String()).Error("failed to expire hold after retries")
			}
			// one bad booking never stops the sweep
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

func (r *Reaper) expireWithRetry(ctx context.Context, id uuid.UUID) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		if _, err = r.expirer.Expire(ctx, id); err == nil || !domain.IsRetryable(err) {
			return err
		}
		backoff := r.backoff << i
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return errors.Wrapf(err, "expire %s: %d attempts", id, maxRetries)
}
