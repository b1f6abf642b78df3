package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-bookings/internal/domain"
)

// Local is an in-process Locker for single-instance deployments and tests.
// A key's slot lives only while someone holds or waits for it.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int // holders plus waiters
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) join(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) leave(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Local) Acquire(ctx context.Context, key Key, timeout time.Duration) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrapf(err, "acquire %s", key)
	}
	name := key.String()
	s := l.join(name)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return &localHandle{owner: l, key: name, slot: s}, nil
	case <-timer.C:
		l.leave(name, s)
		return nil, errors.Wrapf(domain.ErrLockTimeout, "%s after %s", key, timeout)
	case <-ctx.Done():
		l.leave(name, s)
		return nil, errors.Wrapf(ctx.Err(), "acquire %s", key)
	}
}

type localHandle struct {
	once  sync.Once
	owner *Local
	key   string
	slot  *slot
}

func (h *localHandle) Release(context.Context) error {
	h.once.Do(func() {
		<-h.slot.ch
		h.owner.leave(h.key, h.slot)
	})
	return nil
}
