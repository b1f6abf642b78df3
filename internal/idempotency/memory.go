package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ride-bookings/internal/domain"
)

type memoryEntry struct {
	Entry
	expiresAt time.Time
}

// MemoryBackend keeps entries in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryBackend) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryBackend) Reserve(_ context.Context, key, owner string, ttl time.Duration) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(key); ok {
		return e.Entry, false, nil
	}
	e := Entry{Owner: owner}
	m.entries[key] = memoryEntry{Entry: e, expiresAt: m.now().Add(ttl)}
	return e, true, nil
}

func (m *MemoryBackend) Complete(_ context.Context, key, owner string, bookingID uuid.UUID, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(key); ok && e.Owner != owner {
		return domain.ErrIdempotencyKeyConflict
	}
	m.entries[key] = memoryEntry{
		Entry:     Entry{Owner: owner, BookingID: bookingID},
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

func (m *MemoryBackend) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(key); ok && e.Owner == owner && !e.Completed() {
		delete(m.entries, key)
	}
	return nil
}
