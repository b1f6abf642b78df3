package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRefundPolicy_Tiers(t *testing.T) {
	policy := DefaultRefundPolicy()
	departure := time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)
	total := decimal.RequireFromString("80.00")

	cases := []struct {
		name   string
		before time.Duration
		want   string
	}{
		{"25h full", 25 * time.Hour, "80"},
		{"24h boundary partial", 24 * time.Hour, "40"},
		{"12h partial", 12 * time.Hour, "40"},
		{"6h boundary partial", 6 * time.Hour, "40"},
		{"just under 6h nothing", 6*time.Hour - time.Second, "0"},
		{"2h nothing", 2 * time.Hour, "0"},
		{"after departure nothing", -time.Hour, "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := policy.Calculate(total, departure, departure.Add(-tc.before))
			assert.Truef(t, decimal.RequireFromString(tc.want).Equal(got), "got %s want %s", got, tc.want)
		})
	}
}

func TestRefundPolicy_RoundsHalfUp(t *testing.T) {
	policy := DefaultRefundPolicy()
	departure := time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

	// 50% of 10.05 is 5.025 -> 5.03
	got := policy.Calculate(decimal.RequireFromString("10.05"), departure, departure.Add(-12*time.Hour))
	assert.Equal(t, "5.03", got.StringFixed(2))

	// 50% of 0.01 is 0.005 -> 0.01
	got = policy.Calculate(decimal.RequireFromString("0.01"), departure, departure.Add(-12*time.Hour))
	assert.Equal(t, "0.01", got.StringFixed(2))
}

func TestRefundPolicy_NeverNegative(t *testing.T) {
	policy := DefaultRefundPolicy()
	departure := time.Now().Add(48 * time.Hour)

	assert.True(t, policy.Calculate(decimal.NewFromInt(-5), departure, time.Now()).IsZero())
	assert.True(t, RoundMinor(decimal.NewFromInt(-1), 2).IsZero())
}
