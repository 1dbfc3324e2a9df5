package pnl

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

var (
	// ErrNoMarkPrice means Mark was called with no usable price source while
	// a position is open. Marking to a guessed price would corrupt the
	// accounting, so this fails loudly.
	ErrNoMarkPrice = errors.New("no usable mark price")

	// ErrOversell means a sell fill exceeded the open quantity. The closable
	// portion is still applied; the excess is rejected. This tracker is
	// long-only and never flips into a short.
	ErrOversell = errors.New("sell exceeds open quantity")

	errBadFill = errors.New("fill quantity and price must be positive")
)

// Fill is a single immutable execution record.
type Fill struct {
	Side     Side
	Quantity float64
	Price    float64
	Fee      float64
	Time     time.Time
}

// MarkRecord is one entry of the mark-to-market audit history.
type MarkRecord struct {
	Time       time.Time
	Price      float64
	Unrealized float64
	Quantity   float64
}

// Snapshot is a derived, read-only view of the tracker.
type Snapshot struct {
	Realized     float64
	Unrealized   float64
	Fees         float64
	Quantity     float64
	AveragePrice float64
}

// Tracker maintains cost basis and realized/unrealized PnL for one
// instrument. Callers must serialize access per instrument; the tracker
// itself carries no lock (see the single-cycle ownership rule in app).
type Tracker struct {
	symbol   string
	quantity float64
	avgPrice float64
	realized float64
	fees     float64
	lastMark float64
	history  []MarkRecord
}

func NewTracker(symbol string) *Tracker {
	return &Tracker{symbol: symbol}
}

// RestoreTracker rebuilds a tracker from a persisted snapshot. The realized
// argument is net of fees, as Snapshot reports it; the mark history starts
// empty and regrows from the next Mark.
func RestoreTracker(symbol string, quantity, avgPrice, realized, fees float64) *Tracker {
	return &Tracker{
		symbol:   symbol,
		quantity: quantity,
		avgPrice: avgPrice,
		realized: realized + fees,
		fees:     fees,
	}
}

func (t *Tracker) Symbol() string { return t.symbol }

func (t *Tracker) Quantity() float64 { return t.quantity }

func (t *Tracker) AveragePrice() float64 { return t.avgPrice }

// OnFill applies one execution. Buys merge into the weighted-average cost
// basis; sells realize PnL against the current basis for up to the open
// quantity and return ErrOversell for any excess. Fees accumulate on every
// fill regardless of side or oversell.
func (t *Tracker) OnFill(fill Fill) error {
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return errBadFill
	}
	t.fees += fill.Fee
	switch fill.Side {
	case SideBuy:
		total := t.quantity + fill.Quantity
		t.avgPrice = (t.avgPrice*t.quantity + fill.Price*fill.Quantity) / total
		t.quantity = total
		return nil
	case SideSell:
		closed := math.Min(t.quantity, fill.Quantity)
		if closed > 0 {
			t.realized += (fill.Price - t.avgPrice) * closed
			t.quantity -= closed
			if t.quantity == 0 {
				t.avgPrice = 0
			}
		}
		if fill.Quantity > closed {
			return fmt.Errorf("%w: open %.4f, sell %.4f", ErrOversell, closed, fill.Quantity)
		}
		return nil
	default:
		return fmt.Errorf("unknown fill side %q", fill.Side)
	}
}

// Mark values the open position against the best available price, priority
// VWAP over bid/ask midpoint over last trade. Every call appends to the
// audit history, including zero marks on a flat position.
func (t *Tracker) Mark(now time.Time, last, bid, ask, vwap float64) (float64, error) {
	price, ok := BestPrice(last, bid, ask, vwap)
	if t.quantity == 0 {
		t.lastMark = 0
		t.history = append(t.history, MarkRecord{Time: now})
		return 0, nil
	}
	if !ok {
		return 0, ErrNoMarkPrice
	}
	unrealized := (price - t.avgPrice) * t.quantity
	t.lastMark = unrealized
	t.history = append(t.history, MarkRecord{
		Time:       now,
		Price:      price,
		Unrealized: unrealized,
		Quantity:   t.quantity,
	})
	return unrealized, nil
}

// UnrealizedReturn is the latest mark expressed as a fraction of the open
// cost basis, 0 when flat.
func (t *Tracker) UnrealizedReturn() float64 {
	basis := t.avgPrice * t.quantity
	if basis == 0 {
		return 0
	}
	return t.lastMark / basis
}

// Snapshot reports realized net of fees rounded to 2 decimals and the
// average price rounded to 4. Pure read: calling it twice without an
// intervening fill or mark returns identical values.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Realized:     round(t.realized-t.fees, 2),
		Unrealized:   t.lastMark,
		Fees:         t.fees,
		Quantity:     t.quantity,
		AveragePrice: round(t.avgPrice, 4),
	}
}

// History returns the mark audit trail in call order.
func (t *Tracker) History() []MarkRecord {
	out := make([]MarkRecord, len(t.history))
	copy(out, t.history)
	return out
}

// BestPrice picks the reference price by priority VWAP over bid/ask
// midpoint over last trade.
func BestPrice(last, bid, ask, vwap float64) (float64, bool) {
	if vwap > 0 {
		return vwap, true
	}
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2, true
	}
	if last > 0 {
		return last, true
	}
	return 0, false
}

func round(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
