package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/lock"
)

const (
	minRetryDelay = 10 * time.Millisecond
	maxRetryDelay = 100 * time.Millisecond
)

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Locker is a lock.Locker backed by SET NX PX leases. The lease bounds how
// long a crashed holder can block a seat pool.
type Locker struct {
	client *redis.Client
	lease  time.Duration
}

func NewLocker(client *redis.Client, lease time.Duration) *Locker {
	return &Locker{client: client, lease: lease}
}

func (l *Locker) Acquire(ctx context.Context, key lock.Key, timeout time.Duration) (lock.Handle, error) {
	name := "lock:" + key.String()
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)
	delay := minRetryDelay

	for {
		ok, err := l.client.SetNX(ctx, name, token, l.lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrapf(ctx.Err(), "acquire %s", key)
			}
			return nil, errors.Mark(errors.Wrapf(err, "acquire %s", key), domain.ErrLockUnavailable)
		}
		if ok {
			return &redisHandle{client: l.client, name: name, token: token}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.Wrapf(domain.ErrLockTimeout, "acquire %s", key)
		}
		wait := min(delay, remaining)
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "acquire %s", key)
		case <-time.After(wait):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

type redisHandle struct {
	client *redis.Client
	name   string
	token  string
}

// Release deletes the lease only if it still carries our token, so an
// expired holder never frees someone else's lock.
func (h *redisHandle) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, h.client, []string{h.name}, h.token).Err()
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "release %s", h.name), domain.ErrLockUnavailable)
	}
	return nil
}
