package pnl

import (
	"errors"
	"math"
	"testing"
	"time"
)

func buy(t *testing.T, tr *Tracker, qty, price, fee float64) {
	t.Helper()
	if err := tr.OnFill(Fill{Side: SideBuy, Quantity: qty, Price: price, Fee: fee}); err != nil {
		t.Fatalf("buy fill: %v", err)
	}
}

func sell(t *testing.T, tr *Tracker, qty, price, fee float64) {
	t.Helper()
	if err := tr.OnFill(Fill{Side: SideSell, Quantity: qty, Price: price, Fee: fee}); err != nil {
		t.Fatalf("sell fill: %v", err)
	}
}

func TestRoundTripScenario(t *testing.T) {
	tr := NewTracker("AAPL")
	buy(t, tr, 100, 10.00, 1.00)
	if tr.AveragePrice() != 10.00 {
		t.Fatalf("expected avg 10.00, got %f", tr.AveragePrice())
	}
	if tr.Quantity() != 100 {
		t.Fatalf("expected qty 100, got %f", tr.Quantity())
	}
	sell(t, tr, 100, 12.00, 1.00)
	snap := tr.Snapshot()
	if snap.Quantity != 0 {
		t.Fatalf("expected flat, got %f", snap.Quantity)
	}
	if snap.Realized != 198.00 {
		t.Fatalf("expected realized 198.00 net of fees, got %f", snap.Realized)
	}
	if snap.Fees != 2.00 {
		t.Fatalf("expected fees 2.00, got %f", snap.Fees)
	}
}

func TestWeightedAverageCostBasis(t *testing.T) {
	tr := NewTracker("MSFT")
	buy(t, tr, 100, 10, 0)
	buy(t, tr, 50, 13, 0)
	// weighted mean of all buy prices
	want := (100*10.0 + 50*13.0) / 150.0
	if math.Abs(tr.AveragePrice()-want) > 1e-9 {
		t.Fatalf("expected avg %f, got %f", want, tr.AveragePrice())
	}
}

func TestCostBasisOrderIndependent(t *testing.T) {
	a := NewTracker("X")
	buy(t, a, 30, 11, 0)
	buy(t, a, 70, 9, 0)
	b := NewTracker("X")
	buy(t, b, 70, 9, 0)
	buy(t, b, 30, 11, 0)
	if math.Abs(a.AveragePrice()-b.AveragePrice()) > 1e-9 {
		t.Fatalf("fill order changed basis: %f vs %f", a.AveragePrice(), b.AveragePrice())
	}
}

func TestRealizedConservation(t *testing.T) {
	tr := NewTracker("X")
	buy(t, tr, 60, 10, 0)
	buy(t, tr, 40, 12, 0)
	avg := tr.AveragePrice()
	sell(t, tr, 30, 13, 0)
	sell(t, tr, 70, 11, 0)
	want := (13-avg)*30 + (11-avg)*70
	snap := tr.Snapshot()
	if math.Abs(snap.Realized-round2(want)) > 1e-9 {
		t.Fatalf("expected realized %f, got %f", want, snap.Realized)
	}
	if snap.Quantity != 0 {
		t.Fatalf("expected flat after full round trip, got %f", snap.Quantity)
	}
}

func TestOversellAppliesClosablePortion(t *testing.T) {
	tr := NewTracker("X")
	buy(t, tr, 10, 100, 0)
	err := tr.OnFill(Fill{Side: SideSell, Quantity: 15, Price: 110, Fee: 0.5})
	if !errors.Is(err, ErrOversell) {
		t.Fatalf("expected ErrOversell, got %v", err)
	}
	snap := tr.Snapshot()
	if snap.Quantity != 0 {
		t.Fatalf("expected open quantity closed, got %f", snap.Quantity)
	}
	if snap.Realized != round2((110-100)*10-0.5) {
		t.Fatalf("expected closable portion realized, got %f", snap.Realized)
	}
	if snap.Fees != 0.5 {
		t.Fatalf("fees must accumulate on oversell, got %f", snap.Fees)
	}
}

func TestMarkPriority(t *testing.T) {
	tr := NewTracker("X")
	buy(t, tr, 10, 100, 0)
	now := time.Now()
	got, err := tr.Mark(now, 101, 100, 102, 105)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if got != (105-100)*10 {
		t.Fatalf("vwap should win, got %f", got)
	}
	got, err = tr.Mark(now, 101, 100, 102, 0)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if got != (101-100)*10 {
		t.Fatalf("midpoint should win over last, got %f", got)
	}
	got, err = tr.Mark(now, 99, 0, 0, 0)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if got != (99-100)*10 {
		t.Fatalf("last trade fallback, got %f", got)
	}
}

func TestMarkNoPriceFailsWhenOpen(t *testing.T) {
	tr := NewTracker("X")
	buy(t, tr, 10, 100, 0)
	if _, err := tr.Mark(time.Now(), 0, 0, 0, 0); !errors.Is(err, ErrNoMarkPrice) {
		t.Fatalf("expected ErrNoMarkPrice, got %v", err)
	}
}

func TestMarkFlatAppendsZero(t *testing.T) {
	tr := NewTracker("X")
	got, err := tr.Mark(time.Now(), 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("flat mark: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected 0 unrealized, got %f", got)
	}
	if len(tr.History()) != 1 {
		t.Fatalf("flat mark must still append to history")
	}
}

func TestMarkHistoryGrows(t *testing.T) {
	tr := NewTracker("X")
	buy(t, tr, 5, 10, 0)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := tr.Mark(now, 11, 0, 0, 0); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	if len(tr.History()) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(tr.History()))
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	tr := NewTracker("X")
	buy(t, tr, 10, 10, 0.25)
	if _, err := tr.Mark(time.Now(), 11, 0, 0, 0); err != nil {
		t.Fatalf("mark: %v", err)
	}
	first := tr.Snapshot()
	second := tr.Snapshot()
	if first != second {
		t.Fatalf("snapshot not idempotent: %+v vs %+v", first, second)
	}
}

func TestUnrealizedReturn(t *testing.T) {
	tr := NewTracker("X")
	buy(t, tr, 100, 10, 0)
	if _, err := tr.Mark(time.Now(), 10.5, 0, 0, 0); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if math.Abs(tr.UnrealizedReturn()-0.05) > 1e-9 {
		t.Fatalf("expected 5%% unrealized return, got %f", tr.UnrealizedReturn())
	}
}

func TestRejectsBadFill(t *testing.T) {
	tr := NewTracker("X")
	if err := tr.OnFill(Fill{Side: SideBuy, Quantity: 0, Price: 10}); err == nil {
		t.Fatalf("expected error for zero quantity")
	}
	if err := tr.OnFill(Fill{Side: "hold", Quantity: 1, Price: 10}); err == nil {
		t.Fatalf("expected error for unknown side")
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
