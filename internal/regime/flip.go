package regime

import (
	"strings"

	"tier-exit-bot/internal/config"
)

// Inputs is one evaluation's bundle of market-health signals. Every field is
// optional; a nil pointer disables the corresponding check instead of
// erroring. Validation of the raw values happens where market data is
// ingested, not here.
type Inputs struct {
	VIX             *float64
	VIXMA3          *float64
	SPYReturn5D     *float64
	FastMA          *float64
	SlowMA          *float64
	Breadth         *float64
	AdvancingVolume *float64
	DecliningVolume *float64
}

// Decision is the entry gate's output, recomputed fresh each call.
type Decision struct {
	AllowLong bool
	Reason    string
	Passed    int
}

type check struct {
	name string
	eval func(cfg config.RegimeConfig, in Inputs) bool
}

// Checks are ordered so reason strings are stable. Adding a fifth signal is
// an append here, not a rewrite of Evaluate.
var checks = []check{
	{name: "vix_calm", eval: vixCalm},
	{name: "breadth", eval: breadthThrust},
	{name: "volume_thrust", eval: volumeThrust},
	{name: "trend", eval: trendConfirmed},
}

// Evaluate counts how many independent checks confirm and allows a long
// entry when the quorum is met. An AND of all four would never re-enter
// after a drawdown; an OR would be far too permissive.
func Evaluate(cfg config.RegimeConfig, in Inputs) Decision {
	passed := make([]string, 0, len(checks))
	for _, c := range checks {
		if c.eval(cfg, in) {
			passed = append(passed, c.name)
		}
	}
	reason := "no confirmations"
	if len(passed) > 0 {
		reason = strings.Join(passed, ", ")
	}
	return Decision{
		AllowLong: len(passed) >= cfg.RequireConfirmations,
		Reason:    reason,
		Passed:    len(passed),
	}
}

// vixCalm requires VIX at-or-below the low threshold and, when a 3-period
// moving average is present, flat-to-falling rather than momentarily dipped.
func vixCalm(cfg config.RegimeConfig, in Inputs) bool {
	if in.VIX == nil {
		return false
	}
	if *in.VIX > cfg.VIXLowThreshold {
		return false
	}
	if in.VIXMA3 != nil && *in.VIX > *in.VIXMA3 {
		return false
	}
	return true
}

func breadthThrust(cfg config.RegimeConfig, in Inputs) bool {
	return in.Breadth != nil && *in.Breadth >= cfg.MinBreadth
}

// volumeThrust only computes the ratio when declining volume is present and
// positive; a zero denominator is indeterminate, not infinite conviction.
func volumeThrust(cfg config.RegimeConfig, in Inputs) bool {
	if in.AdvancingVolume == nil || in.DecliningVolume == nil {
		return false
	}
	if *in.DecliningVolume <= 0 {
		return false
	}
	return *in.AdvancingVolume / *in.DecliningVolume >= cfg.MinVolumeRatio
}

func trendConfirmed(cfg config.RegimeConfig, in Inputs) bool {
	if in.FastMA != nil && in.SlowMA != nil {
		return *in.FastMA >= *in.SlowMA
	}
	return in.SPYReturn5D != nil && *in.SPYReturn5D >= cfg.MinSPYReturn
}

// Float is a convenience for building optional Inputs fields.
func Float(v float64) *float64 { return &v }
