package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = Key{RouteID: "r1", TravelDate: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "seat-pool:r1:2026-05-01", testKey.String())
}

func TestLocal_TimesOutWhileHeld(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	h, err := l.Acquire(ctx, testKey, time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, testKey, 20*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrLockTimeout)

	other := Key{RouteID: "r2", TravelDate: testKey.TravelDate}
	h2, err := l.Acquire(ctx, other, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))

	require.NoError(t, h.Release(ctx))
	h, err = l.Acquire(ctx, testKey, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestLocal_DoubleReleaseIsHarmless(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	h, err := l.Acquire(ctx, testKey, time.Second)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))

	h, err = l.Acquire(ctx, testKey, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestLocal_HonoursContext(t *testing.T) {
	l := NewLocal()
	h, err := l.Acquire(context.Background(), testKey, time.Second)
	require.NoError(t, err)
	defer h.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, testKey, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	assert.PanicsWithValue(t, "boom", func() {
		_ = WithLock(ctx, l, testKey, time.Second, func() error { panic("boom") })
	})

	err := WithLock(ctx, l, testKey, 20*time.Millisecond, func() error { return nil })
	assert.NoError(t, err)
}

func TestWithLock_MutualExclusion(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(ctx, l, testKey, 5*time.Second, func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func TestLocal_ForgetsIdleKeys(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	for day := 1; day <= 20; day++ {
		k := Key{RouteID: "r1", TravelDate: time.Date(2026, 5, day, 0, 0, 0, 0, time.UTC)}
		require.NoError(t, WithLock(ctx, l, k, time.Second, func() error { return nil }))
	}
	assert.Equal(t, 0, l.size())

	h, err := l.Acquire(ctx, testKey, time.Second)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, testKey, 10*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Equal(t, 1, l.size())

	require.NoError(t, h.Release(ctx))
	assert.Equal(t, 0, l.size())
}

type leakyLocker struct{ inner *Local }

type leakyHandle struct{ inner Handle }

func (l leakyLocker) Acquire(ctx context.Context, key Key, timeout time.Duration) (Handle, error) {
	h, err := l.inner.Acquire(ctx, key, timeout)
	if err != nil {
		return nil, err
	}
	return leakyHandle{inner: h}, nil
}

func (h leakyHandle) Release(ctx context.Context) error {
	_ = h.inner.Release(ctx)
	return errors.New("connection reset")
}

func TestWithLock_MarksReleaseFailure(t *testing.T) {
	l := leakyLocker{inner: NewLocal()}
	ctx := context.Background()

	err := WithLock(ctx, l, testKey, time.Second, func() error { return nil })
	assert.ErrorIs(t, err, ErrRelease)

	err = WithLock(ctx, l, testKey, time.Second, func() error { return domain.ErrSeatConflict })
	assert.ErrorIs(t, err, domain.ErrSeatConflict)
	assert.False(t, errors.Is(err, ErrRelease))
}
