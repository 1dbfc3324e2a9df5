package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"tier-exit-bot/internal/config"
	"tier-exit-bot/internal/feed"
	"tier-exit-bot/internal/logging"
	"tier-exit-bot/internal/market"
	"tier-exit-bot/internal/regime"
)

const (
	defaultVerifyEnvFile = ".env"
	defaultRESTTimeout   = 10 * time.Second
)

// verify runs one offline regime evaluation against live history and prints
// the detector state and entry-gate decision as JSON. No orders, no state
// writes; safe to run next to a live bot.
type report struct {
	AsOf     string          `json:"as_of"`
	Detector regime.State    `json:"detector"`
	RiskOff  bool            `json:"risk_off"`
	Gate     regime.Decision `json:"gate"`
	Inputs   inputsReport    `json:"inputs"`
}

type inputsReport struct {
	VIX             *float64 `json:"vix"`
	VIXMA3          *float64 `json:"vix_ma3"`
	SPYReturn5D     *float64 `json:"spy_return_5d"`
	FastMA          *float64 `json:"fast_ma"`
	SlowMA          *float64 `json:"slow_ma"`
	Breadth         *float64 `json:"breadth"`
	AdvancingVolume *float64 `json:"advancing_volume"`
	DecliningVolume *float64 `json:"declining_volume"`
}

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	asOfFlag := flag.String("as-of", "", "evaluation date (YYYY-MM-DD, default today)")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	asOf := time.Now().UTC()
	if *asOfFlag != "" {
		parsed, err := time.Parse("2006-01-02", *asOfFlag)
		if err != nil {
			fatal(fmt.Errorf("invalid -as-of: %w", err))
		}
		asOf = parsed
	}

	timeout := cfg.Feed.RESTTimeout
	if timeout <= 0 {
		timeout = defaultRESTTimeout
	}
	rest := feed.NewREST(cfg.Feed.RESTBaseURL, timeout, log)
	detector := regime.NewDetector(cfg.Detector, rest, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	detectorState := detector.Evaluate(ctx, asOf)
	inputs := gatherInputs(ctx, cfg, rest, asOf)
	decision := regime.Evaluate(cfg.Regime, inputs)

	out := report{
		AsOf:     asOf.Format("2006-01-02"),
		Detector: detectorState,
		RiskOff:  detectorState.RiskOff(),
		Gate:     decision,
		Inputs: inputsReport{
			VIX:             inputs.VIX,
			VIXMA3:          inputs.VIXMA3,
			SPYReturn5D:     inputs.SPYReturn5D,
			FastMA:          inputs.FastMA,
			SlowMA:          inputs.SlowMA,
			Breadth:         inputs.Breadth,
			AdvancingVolume: inputs.AdvancingVolume,
			DecliningVolume: inputs.DecliningVolume,
		},
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		fatal(err)
	}
}

func gatherInputs(ctx context.Context, cfg *config.Config, rest *feed.RESTClient, asOf time.Time) regime.Inputs {
	var in regime.Inputs
	if candles, err := rest.DailyHistory(ctx, cfg.Detector.VIXSymbol, asOf, 10); err == nil {
		closes := market.Closes(candles)
		if len(closes) > 0 {
			in.VIX = regime.Float(closes[len(closes)-1])
		}
		if ma3, ok := market.LastSMA(closes, 3); ok {
			in.VIXMA3 = regime.Float(ma3)
		}
	}
	if candles, err := rest.DailyHistory(ctx, cfg.Detector.SPYSymbol, asOf, 60); err == nil {
		closes := market.Closes(candles)
		if len(closes) >= 6 && closes[len(closes)-6] > 0 {
			in.SPYReturn5D = regime.Float(closes[len(closes)-1]/closes[len(closes)-6] - 1)
		}
		if fast, ok := market.LastSMA(closes, 20); ok {
			in.FastMA = regime.Float(fast)
		}
		if slow, ok := market.LastSMA(closes, 50); ok {
			in.SlowMA = regime.Float(slow)
		}
	}
	if internals, err := rest.MarketInternals(ctx, asOf); err == nil {
		in.Breadth = regime.Float(internals.Breadth)
		in.AdvancingVolume = regime.Float(internals.AdvancingVolume)
		in.DecliningVolume = regime.Float(internals.DecliningVolume)
	}
	return in
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
