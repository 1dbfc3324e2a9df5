package market

import (
	"math"
	"testing"
	"time"
)

func TestLastSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	got, ok := LastSMA(values, 5)
	if !ok {
		t.Fatalf("expected sma to be available")
	}
	if math.Abs(got-3) > 1e-9 {
		t.Fatalf("expected 3, got %f", got)
	}
}

func TestLastSMAInsufficient(t *testing.T) {
	if _, ok := LastSMA([]float64{1, 2}, 5); ok {
		t.Fatalf("expected sma unavailable for short series")
	}
}

func TestPercentileRank(t *testing.T) {
	history := []float64{10, 12, 14, 16, 18}
	if got := PercentileRank(history, 15); got != 0.6 {
		t.Fatalf("expected 0.6, got %f", got)
	}
	if got := PercentileRank(history, 9); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
	if got := PercentileRank(history, 100); got != 1 {
		t.Fatalf("expected 1, got %f", got)
	}
	if got := PercentileRank(nil, 5); got != 0 {
		t.Fatalf("expected 0 for empty history, got %f", got)
	}
}

func TestPercentileRankStrictlyLess(t *testing.T) {
	history := []float64{10, 10, 10, 20}
	if got := PercentileRank(history, 10); got != 0 {
		t.Fatalf("equal values must not count, got %f", got)
	}
}

func TestATRFraction(t *testing.T) {
	candles := make([]Candle, 30)
	for i := range candles {
		candles[i] = Candle{High: 102, Low: 98, Close: 100}
	}
	frac, ok := ATRFraction(candles, 14)
	if !ok {
		t.Fatalf("expected atr to be available")
	}
	if math.Abs(frac-0.04) > 1e-6 {
		t.Fatalf("expected 0.04, got %f", frac)
	}
}

func TestBarStale(t *testing.T) {
	now := time.Now()
	bar := Bar{ObservedAt: now.Add(-time.Minute)}
	if bar.Stale(now, 2*time.Minute) {
		t.Fatalf("bar within tolerance should not be stale")
	}
	if !bar.Stale(now, 30*time.Second) {
		t.Fatalf("bar beyond tolerance should be stale")
	}
	if !(Bar{}).Stale(now, time.Minute) {
		t.Fatalf("zero-time bar should be stale")
	}
	if (Bar{}).Stale(now, 0) {
		t.Fatalf("zero max age disables staleness")
	}
}
