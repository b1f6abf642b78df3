package rateLimit

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"github.com/stretchr/testify/assert"
)

type mapCounter struct {
	hits map[string]int64
	err  error
}

func (m *mapCounter) IncrWindow(_ context.Context, key string, _ time.Duration) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.hits[key]++
	return m.hits[key], nil
}

func TestAllow_BlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(&mapCounter{hits: map[string]int64{}}, 2, time.Minute, observability.NewNopLogger())
	ctx := context.Background()

	assert.True(t, rl.Allow(ctx, "10.0.0.1"))
	assert.True(t, rl.Allow(ctx, "10.0.0.1"))
	assert.False(t, rl.Allow(ctx, "10.0.0.1"))
	assert.True(t, rl.Allow(ctx, "10.0.0.2"))
}

func TestAllow_CounterFailureLetsThrough(t *testing.T) {
	rl := NewRateLimiter(&mapCounter{err: errors.New("redis down")}, 1, time.Minute, observability.NewNopLogger())
	assert.True(t, rl.Allow(context.Background(), "k"))
}

func TestAllow_NilLimiter(t *testing.T) {
	var rl *RateLimiter
	assert.True(t, rl.Allow(context.Background(), "k"))
}
