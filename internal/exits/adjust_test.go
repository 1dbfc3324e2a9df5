package exits

import (
	"math"
	"testing"
	"time"

	"tier-exit-bot/internal/config"
)

func exitsConfig() config.ExitsConfig {
	return config.ExitsConfig{
		Tier1ReturnThreshold: 0.02,
		Tier1LockFraction:    0.5,
		Tier1WindowStart:     "15:30",
		Tier2SpikeThreshold:  0.015,
		Tier2SpikeWindow:     5 * time.Minute,
		Tier2CloseFraction:   1.0,
		StopLossReturn:       -0.03,
		MaxQuoteAge:          2 * time.Minute,
		AdjustmentHalfLife:   20,
	}
}

func midday() time.Time {
	return time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
}

func lateDay() time.Time {
	return time.Date(2026, 3, 2, 15, 45, 0, 0, time.UTC)
}

func TestUnknownSymbolUsesNominalThresholds(t *testing.T) {
	calc := NewAdjustmentCalculator(exitsConfig())
	adj := calc.For("AAPL", midday(), false)
	if adj.Tier1Return != 0.02 || adj.Tier2Spike != 0.015 || adj.StopReturn != -0.03 {
		t.Fatalf("expected nominal thresholds, got %+v", adj)
	}
}

func TestHighVolSymbolWidensThresholds(t *testing.T) {
	calc := NewAdjustmentCalculator(exitsConfig())
	calc.Observe("TSLA", 0.04) // twice the reference vol
	adj := calc.For("TSLA", midday(), false)
	if math.Abs(adj.Tier1Return-0.04) > 1e-9 {
		t.Fatalf("expected widened tier1, got %f", adj.Tier1Return)
	}
	if math.Abs(adj.StopReturn-(-0.06)) > 1e-9 {
		t.Fatalf("expected widened stop, got %f", adj.StopReturn)
	}
}

func TestVolFactorClamped(t *testing.T) {
	calc := NewAdjustmentCalculator(exitsConfig())
	calc.Observe("PENNY", 0.50)
	adj := calc.For("PENNY", midday(), false)
	if math.Abs(adj.Tier1Return-0.02*maxVolFactor) > 1e-9 {
		t.Fatalf("expected clamped factor, got %f", adj.Tier1Return)
	}
	calc.Observe("MEGA", 0.001)
	// a single observation seeds the EWMA directly
	adj = calc.For("MEGA", midday(), false)
	if math.Abs(adj.Tier1Return-0.02*minVolFactor) > 1e-9 {
		t.Fatalf("expected floor factor, got %f", adj.Tier1Return)
	}
}

func TestLateDayLowersTier1Bar(t *testing.T) {
	calc := NewAdjustmentCalculator(exitsConfig())
	early := calc.For("AAPL", midday(), false)
	late := calc.For("AAPL", lateDay(), false)
	if late.Tier1Return >= early.Tier1Return {
		t.Fatalf("late-day tier1 bar should drop: %f vs %f", late.Tier1Return, early.Tier1Return)
	}
	if !calc.LateDay(lateDay()) || calc.LateDay(midday()) {
		t.Fatalf("late-day window misclassified")
	}
}

func TestRiskOffTightensStopRaisesSpike(t *testing.T) {
	calc := NewAdjustmentCalculator(exitsConfig())
	normal := calc.For("AAPL", midday(), false)
	defensive := calc.For("AAPL", midday(), true)
	if math.Abs(defensive.StopReturn) >= math.Abs(normal.StopReturn) {
		t.Fatalf("risk-off stop should tighten: %f vs %f", defensive.StopReturn, normal.StopReturn)
	}
	if defensive.Tier2Spike <= normal.Tier2Spike {
		t.Fatalf("risk-off spike bar should rise: %f vs %f", defensive.Tier2Spike, normal.Tier2Spike)
	}
}

func TestEWMAMovesSlowly(t *testing.T) {
	calc := NewAdjustmentCalculator(exitsConfig())
	calc.Observe("AAPL", 0.02)
	calc.Observe("AAPL", 0.08)
	stats := calc.Stats()
	got := stats["AAPL"]
	if got <= 0.02 || got >= 0.08 {
		t.Fatalf("EWMA should move between observations, got %f", got)
	}
	if got > 0.03 {
		t.Fatalf("half-life 20 should move slowly, got %f", got)
	}
}

func TestStatsRoundTrip(t *testing.T) {
	calc := NewAdjustmentCalculator(exitsConfig())
	calc.Observe("AAPL", 0.025)
	restored := NewAdjustmentCalculator(exitsConfig())
	restored.Restore(calc.Stats())
	a := calc.For("AAPL", midday(), false)
	b := restored.For("AAPL", midday(), false)
	if a != b {
		t.Fatalf("restored stats should reproduce thresholds: %+v vs %+v", a, b)
	}
}
