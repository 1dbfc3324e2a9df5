package exits

import (
	"math"
	"sync"
	"time"

	"tier-exit-bot/internal/config"
)

// referenceVol is the realized-volatility level at which the configured
// thresholds apply unscaled. A symbol running twice this hot gets wider
// thresholds, a sleepy large-cap gets tighter ones.
const (
	referenceVol  = 0.02
	minVolFactor  = 0.5
	maxVolFactor  = 2.0
	lateDayFactor = 0.75
	riskOffStop   = 0.75
	riskOffSpike  = 1.25
)

// Adjustments are the effective per-symbol thresholds for one cycle.
type Adjustments struct {
	Tier1Return float64
	Tier2Spike  float64
	StopReturn  float64
}

// AdjustmentCalculator turns the nominal exit thresholds into per-symbol,
// per-regime values. It keeps a slowly-updated EWMA of each symbol's
// realized volatility (a statistic, not a model); the app persists and
// restores these across runs through the state store.
type AdjustmentCalculator struct {
	cfg   config.ExitsConfig
	alpha float64

	mu    sync.Mutex
	stats map[string]float64
}

func NewAdjustmentCalculator(cfg config.ExitsConfig) *AdjustmentCalculator {
	halfLife := cfg.AdjustmentHalfLife
	if halfLife <= 0 {
		halfLife = 20
	}
	return &AdjustmentCalculator{
		cfg:   cfg,
		alpha: 1 - math.Pow(0.5, 1/float64(halfLife)),
		stats: make(map[string]float64),
	}
}

// Observe folds one realized-volatility observation (ATR as a fraction of
// price) into the symbol's EWMA.
func (a *AdjustmentCalculator) Observe(symbol string, volFraction float64) {
	if volFraction <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	prev, ok := a.stats[symbol]
	if !ok {
		a.stats[symbol] = volFraction
		return
	}
	a.stats[symbol] = prev + a.alpha*(volFraction-prev)
}

// For computes the effective thresholds for a symbol right now. Late in the
// session the tier-1 bar drops so gains get locked before the close; in a
// risk-off regime the stop tightens and the spike bar rises.
func (a *AdjustmentCalculator) For(symbol string, now time.Time, riskOff bool) Adjustments {
	factor := a.volFactor(symbol)
	adj := Adjustments{
		Tier1Return: a.cfg.Tier1ReturnThreshold * factor,
		Tier2Spike:  a.cfg.Tier2SpikeThreshold * factor,
		StopReturn:  a.cfg.StopLossReturn * factor,
	}
	if a.lateDay(now) {
		adj.Tier1Return *= lateDayFactor
	}
	if riskOff {
		adj.StopReturn *= riskOffStop
		adj.Tier2Spike *= riskOffSpike
	}
	return adj
}

// LateDay reports whether now is inside the end-of-day tier-1 window.
func (a *AdjustmentCalculator) LateDay(now time.Time) bool {
	return a.lateDay(now)
}

func (a *AdjustmentCalculator) lateDay(now time.Time) bool {
	hour, minute, err := config.ParseClock(a.cfg.Tier1WindowStart)
	if err != nil {
		return false
	}
	return now.Hour() > hour || (now.Hour() == hour && now.Minute() >= minute)
}

func (a *AdjustmentCalculator) volFactor(symbol string) float64 {
	a.mu.Lock()
	stat, ok := a.stats[symbol]
	a.mu.Unlock()
	if !ok || stat <= 0 {
		return 1.0
	}
	factor := stat / referenceVol
	if factor < minVolFactor {
		return minVolFactor
	}
	if factor > maxVolFactor {
		return maxVolFactor
	}
	return factor
}

// Stats returns a copy of the per-symbol EWMA values for persistence.
func (a *AdjustmentCalculator) Stats() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.stats))
	for k, v := range a.stats {
		out[k] = v
	}
	return out
}

// Restore seeds the per-symbol EWMA values from a previous run.
func (a *AdjustmentCalculator) Restore(stats map[string]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range stats {
		if v > 0 {
			a.stats[k] = v
		}
	}
}
