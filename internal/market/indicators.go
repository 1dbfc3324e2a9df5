package market

import (
	"math"

	"github.com/markcheno/go-talib"
)

// LastSMA returns the most recent simple moving average over period, or
// false when the series is too short to cover one full period.
func LastSMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	series := talib.Sma(values, period)
	return lastValid(series)
}

// LastEMA returns the most recent exponential moving average over period.
func LastEMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	series := talib.Ema(values, period)
	return lastValid(series)
}

// ATRFraction returns the latest average true range expressed as a fraction
// of the latest close, a unitless measure of recent realized volatility.
func ATRFraction(candles []Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) <= period {
		return 0, false
	}
	closes := Closes(candles)
	atr := talib.Atr(Highs(candles), Lows(candles), closes, period)
	last, ok := lastValid(atr)
	if !ok {
		return 0, false
	}
	ref := closes[len(closes)-1]
	if ref <= 0 {
		return 0, false
	}
	return last / ref, true
}

// PercentileRank returns the fraction of history strictly below value.
func PercentileRank(history []float64, value float64) float64 {
	if len(history) == 0 {
		return 0
	}
	below := 0
	for _, v := range history {
		if v < value {
			below++
		}
	}
	return float64(below) / float64(len(history))
}

func lastValid(series []float64) (float64, bool) {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if v != 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v, true
		}
	}
	return 0, false
}
