package regime

import (
	"context"
	"sync"
	"time"

	"tier-exit-bot/internal/config"
	"tier-exit-bot/internal/market"

	"go.uber.org/zap"
)

// Fallbacks when history is too thin to trust: the detector must produce
// some answer every cycle, so a data gap degrades to "regime unknown, treat
// as normal" instead of halting decisions.
const (
	NeutralPercentile = 0.5
	NeutralDistance   = 0.0

	minPercentileObservations = 50
	longMAPeriod              = 200
)

// State is the continuous market context for one evaluation date. Unlike
// the flip gate it scales thresholds and sizes rather than hard-gating.
type State struct {
	HighVIX             bool
	SPYStressed         bool
	VIXPercentile       float64
	SPYDistanceFrom200D float64
	Confidence          float64
	SizeFraction        float64
}

// RiskOff is the combined flag that selects the defensive threshold pair.
func (s State) RiskOff() bool {
	return s.HighVIX || s.SPYStressed
}

type cachedSeries struct {
	asOf    time.Time
	closes  []float64
	candles []market.Candle
}

// Detector computes VIX percentile and SPY distance from the 200-day MA.
// History fetches go through the provider and are cached per symbol and
// as-of date; the cache is an optimization, results stay a deterministic
// function of the underlying series. Safe for shared read-only use across
// symbols within a cycle.
type Detector struct {
	cfg      config.DetectorConfig
	provider market.HistoryProvider
	log      *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedSeries
}

func NewDetector(cfg config.DetectorConfig, provider market.HistoryProvider, log *zap.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		provider: provider,
		log:      log,
		cache:    make(map[string]cachedSeries),
	}
}

// Evaluate classifies the regime as of the given date and picks the
// effective confidence threshold and size fraction from the configured
// base/high-vix pairs.
func (d *Detector) Evaluate(ctx context.Context, asOf time.Time) State {
	state := State{
		VIXPercentile:       d.vixPercentile(ctx, asOf),
		SPYDistanceFrom200D: d.spyDistance(ctx, asOf),
	}
	state.HighVIX = state.VIXPercentile >= d.cfg.HighVIXPercentileCutoff
	state.SPYStressed = state.SPYDistanceFrom200D < d.cfg.StressMultiplier-1.0
	if state.RiskOff() {
		state.Confidence = d.cfg.HighVIXConfidence
		state.SizeFraction = d.cfg.HighVIXSizeFraction
	} else {
		state.Confidence = d.cfg.BaseConfidence
		state.SizeFraction = d.cfg.BaseSizeFraction
	}
	return state
}

func (d *Detector) vixPercentile(ctx context.Context, asOf time.Time) float64 {
	closes := d.closes(ctx, d.cfg.VIXSymbol, asOf)
	if len(closes) < minPercentileObservations {
		if d.log != nil {
			d.log.Debug("vix history too thin, neutral percentile",
				zap.Int("observations", len(closes)))
		}
		return NeutralPercentile
	}
	current := closes[len(closes)-1]
	return market.PercentileRank(closes[:len(closes)-1], current)
}

func (d *Detector) spyDistance(ctx context.Context, asOf time.Time) float64 {
	closes := d.closes(ctx, d.cfg.SPYSymbol, asOf)
	if len(closes) < longMAPeriod {
		if d.log != nil {
			d.log.Debug("spy history too thin, neutral distance",
				zap.Int("observations", len(closes)))
		}
		return NeutralDistance
	}
	ma, ok := market.LastSMA(closes, longMAPeriod)
	if !ok || ma <= 0 {
		return NeutralDistance
	}
	return closes[len(closes)-1]/ma - 1.0
}

func (d *Detector) closes(ctx context.Context, symbol string, asOf time.Time) []float64 {
	if d.provider == nil {
		return nil
	}
	day := asOf.Truncate(24 * time.Hour)
	d.mu.Lock()
	cached, ok := d.cache[symbol]
	d.mu.Unlock()
	if ok && cached.asOf.Equal(day) {
		return cached.closes
	}
	candles, err := d.provider.DailyHistory(ctx, symbol, asOf, d.cfg.LookbackDays)
	if err != nil {
		if d.log != nil {
			d.log.Warn("history fetch failed", zap.String("symbol", symbol), zap.Error(err))
		}
		if ok {
			return cached.closes
		}
		return nil
	}
	closes := market.Closes(candles)
	d.mu.Lock()
	d.cache[symbol] = cachedSeries{asOf: day, closes: closes, candles: candles}
	d.mu.Unlock()
	return closes
}
