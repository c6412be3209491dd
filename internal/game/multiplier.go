package game

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultGrowthPerMs moves the multiplier by 0.01 every 100ms.
var DefaultGrowthPerMs = decimal.RequireFromString("0.0001")

// MultiplierClock maps elapsed round time to the displayed multiplier.
// Growth is linear; it is recomputed from startedAt on every call.
type MultiplierClock struct {
	GrowthPerMs decimal.Decimal
}

func NewMultiplierClock(growthPerMs decimal.Decimal) MultiplierClock {
	if !growthPerMs.IsPositive() {
		growthPerMs = DefaultGrowthPerMs
	}
	return MultiplierClock{GrowthPerMs: growthPerMs}
}

func (c MultiplierClock) MultiplierAt(crashPoint decimal.Decimal, startedAt, now time.Time) decimal.Decimal {
	elapsed := now.Sub(startedAt).Milliseconds()
	if elapsed <= 0 {
		return MinMultiplier
	}
	mult := MinMultiplier.Add(c.GrowthPerMs.Mul(decimal.NewFromInt(elapsed))).Truncate(2)
	if mult.GreaterThanOrEqual(crashPoint) {
		return crashPoint
	}
	return mult
}

func (c MultiplierClock) HasCrashed(crashPoint decimal.Decimal, startedAt, now time.Time) bool {
	return c.MultiplierAt(crashPoint, startedAt, now).GreaterThanOrEqual(crashPoint)
}

// TimeUntil reports how long after now the multiplier reaches target, or zero
// if it already has.
func (c MultiplierClock) TimeUntil(target decimal.Decimal, startedAt, now time.Time) time.Duration {
	needed := target.Sub(MinMultiplier).Div(c.GrowthPerMs).Ceil().IntPart()
	remaining := needed - now.Sub(startedAt).Milliseconds()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining) * time.Millisecond
}
