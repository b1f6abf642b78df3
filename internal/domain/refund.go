package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RefundPolicy maps time-to-departure onto a refunded share of the total.
type RefundPolicy struct {
	FullRefundAbove   time.Duration // strictly more than this: 100%
	PartialRefundFrom time.Duration // at least this (up to FullRefundAbove inclusive): PartialPercent
	PartialPercent    int64
	Places            int32 // currency minor unit
}

// DefaultRefundPolicy is 100% above 24h, 50% from 6h to 24h, nothing below 6h.
func DefaultRefundPolicy() RefundPolicy {
	return RefundPolicy{
		FullRefundAbove:   24 * time.Hour,
		PartialRefundFrom: 6 * time.Hour,
		PartialPercent:    50,
		Places:            2,
	}
}

// Percent returns the refunded percentage for a cancellation at cancelledAt.
func (p RefundPolicy) Percent(departure, cancelledAt time.Time) int64 {
	delta := departure.Sub(cancelledAt)
	switch {
	case delta > p.FullRefundAbove:
		return 100
	case delta >= p.PartialRefundFrom:
		return p.PartialPercent
	default:
		return 0
	}
}

// Calculate returns the refund for total, rounded half-up to the minor unit.
func (p RefundPolicy) Calculate(total decimal.Decimal, departure, cancelledAt time.Time) decimal.Decimal {
	if !total.IsPositive() {
		return decimal.Zero
	}
	pct := p.Percent(departure, cancelledAt)
	if pct <= 0 {
		return decimal.Zero
	}
	amount := total.Mul(decimal.NewFromInt(pct)).Div(decimal.NewFromInt(100))
	return RoundMinor(amount, p.Places)
}

// RoundMinor rounds a non-negative amount half-up to places decimals.
func RoundMinor(amount decimal.Decimal, places int32) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	// decimal.Round rounds half away from zero, which is half-up for non-negative values.
	return amount.Round(places)
}
