package game

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMultiplierClock_MultiplierAt(t *testing.T) {
	clock := NewMultiplierClock(DefaultGrowthPerMs)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		crashPoint string
		elapsed    time.Duration
		want       string
	}{
		{name: "At start", crashPoint: "10.00", elapsed: 0, want: "1.00"},
		{name: "Clock skew", crashPoint: "10.00", elapsed: -time.Second, want: "1.00"},
		{name: "One tick", crashPoint: "10.00", elapsed: 100 * time.Millisecond, want: "1.01"},
		{name: "One second", crashPoint: "10.00", elapsed: time.Second, want: "1.10"},
		{name: "Truncated", crashPoint: "10.00", elapsed: 1550 * time.Millisecond, want: "1.15"},
		{name: "Ten seconds", crashPoint: "10.00", elapsed: 10 * time.Second, want: "2.00"},
		{name: "Clamped to crash point", crashPoint: "1.50", elapsed: 10 * time.Second, want: "1.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clock.MultiplierAt(dec(tt.crashPoint), start, start.Add(tt.elapsed))
			if !got.Equal(dec(tt.want)) {
				t.Errorf("MultiplierAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMultiplierClock_Monotonic(t *testing.T) {
	clock := NewMultiplierClock(DefaultGrowthPerMs)
	start := time.Now()
	cp := dec("3.33")

	prev := MinMultiplier
	for ms := 0; ms <= 30000; ms += 37 {
		got := clock.MultiplierAt(cp, start, start.Add(time.Duration(ms)*time.Millisecond))
		if got.LessThan(prev) {
			t.Fatalf("multiplier decreased at %dms: %v < %v", ms, got, prev)
		}
		if got.GreaterThan(cp) {
			t.Fatalf("multiplier %v exceeds crash point %v", got, cp)
		}
		prev = got
	}
}

func TestMultiplierClock_HasCrashed(t *testing.T) {
	clock := NewMultiplierClock(DefaultGrowthPerMs)
	start := time.Now()
	cp := dec("1.50")

	if clock.HasCrashed(cp, start, start.Add(4999*time.Millisecond)) {
		t.Error("HasCrashed() = true before reaching 1.50")
	}
	if !clock.HasCrashed(cp, start, start.Add(5*time.Second)) {
		t.Error("HasCrashed() = false at 1.50")
	}
	if !clock.HasCrashed(MinMultiplier, start, start) {
		t.Error("a 1.00 crash point must crash immediately")
	}
}

func TestMultiplierClock_TimeUntil(t *testing.T) {
	clock := NewMultiplierClock(decimal.Zero)
	if !clock.GrowthPerMs.Equal(DefaultGrowthPerMs) {
		t.Fatalf("GrowthPerMs = %v, want default", clock.GrowthPerMs)
	}

	start := time.Now()
	if got := clock.TimeUntil(dec("2.00"), start, start); got != 10*time.Second {
		t.Errorf("TimeUntil() = %v, want 10s", got)
	}
	if got := clock.TimeUntil(dec("2.00"), start, start.Add(4*time.Second)); got != 6*time.Second {
		t.Errorf("TimeUntil() = %v, want 6s", got)
	}
	if got := clock.TimeUntil(dec("1.50"), start, start.Add(time.Minute)); got != 0 {
		t.Errorf("TimeUntil() = %v, want 0", got)
	}
}
