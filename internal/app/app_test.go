package app

import (
	"testing"
	"time"

	"github.com/robertarktes/ride-bookings/internal/booking"
	"github.com/robertarktes/ride-bookings/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestServiceConfig_DefaultsMatchService(t *testing.T) {
	cfg := &config.Config{
		HoldTTL:              10 * time.Minute,
		PaymentWindow:        15 * time.Minute,
		LockTimeout:          2 * time.Second,
		RefundFullAbove:      24 * time.Hour,
		RefundPartialFrom:    6 * time.Hour,
		RefundPartialPercent: 50,
		CurrencyPlaces:       2,
	}
	assert.Equal(t, booking.DefaultConfig(), ServiceConfig(cfg))
}

func TestServiceConfig_CustomRefundTiers(t *testing.T) {
	cfg := &config.Config{
		RefundFullAbove:      48 * time.Hour,
		RefundPartialFrom:    12 * time.Hour,
		RefundPartialPercent: 25,
		CurrencyPlaces:       0,
	}
	got := ServiceConfig(cfg)
	assert.Equal(t, 48*time.Hour, got.Refund.FullRefundAbove)
	assert.Equal(t, int64(25), got.Refund.PartialPercent)
	assert.Equal(t, int32(0), got.Refund.Places)
}

func TestRequireSharedLocks(t *testing.T) {
	assert.Error(t, RequireSharedLocks(&config.Config{}))
	assert.NoError(t, RequireSharedLocks(&config.Config{RedisAddr: "redis:6379"}))
}
