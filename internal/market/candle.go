package market

import "time"

type Candle struct {
	Symbol   string
	Interval string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Bar is an intraday observation with the quote fields the exit monitor
// marks against. VWAP and Bid/Ask are zero when the venue does not supply
// them; the pnl package decides which price wins.
type Bar struct {
	Symbol     string
	Time       time.Time
	Last       float64
	Bid        float64
	Ask        float64
	VWAP       float64
	Volume     float64
	ObservedAt time.Time
}

// Stale reports whether the bar is older than maxAge relative to now.
// A zero observation time is always stale.
func (b Bar) Stale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	observed := b.ObservedAt
	if observed.IsZero() {
		observed = b.Time
	}
	if observed.IsZero() {
		return true
	}
	return now.Sub(observed) > maxAge
}

func Closes(candles []Candle) []float64 {
	if len(candles) == 0 {
		return nil
	}
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func Highs(candles []Candle) []float64 {
	if len(candles) == 0 {
		return nil
	}
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

func Lows(candles []Candle) []float64 {
	if len(candles) == 0 {
		return nil
	}
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}
