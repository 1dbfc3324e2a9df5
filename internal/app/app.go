package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tier-exit-bot/internal/alerts"
	"tier-exit-bot/internal/config"
	"tier-exit-bot/internal/exec"
	"tier-exit-bot/internal/exits"
	"tier-exit-bot/internal/feed"
	"tier-exit-bot/internal/market"
	"tier-exit-bot/internal/metrics"
	"tier-exit-bot/internal/pnl"
	"tier-exit-bot/internal/regime"
	"tier-exit-bot/internal/state"
	"tier-exit-bot/internal/state/sqlite"
	"tier-exit-bot/internal/timescale"

	"go.uber.org/zap"
)

const (
	fastMAPeriod     = 20
	slowMAPeriod     = 50
	vixInputLookback = 10
	atrLookbackDays  = 30
	atrPeriod        = 14
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	rest     *feed.RESTClient
	stream   *feed.Stream
	detector *regime.Detector
	adjust   *exits.AdjustmentCalculator
	monitor  *exits.Monitor
	router   *exec.Router
	metrics  *metrics.Metrics
	prom     *metrics.Prometheus
	alerts   *alerts.Telegram
	writer   *timescale.Writer

	// last UTC day each symbol's volatility stat was refreshed
	volObserved map[string]string

	entryHook EntryHook
}

// EntryHook receives each cycle's gate decision and regime context. The
// decision core never places entries itself; a strategy embedding the app
// registers a hook and sizes anything it opens by State.SizeFraction.
type EntryHook func(ctx context.Context, decision regime.Decision, state regime.State)

// SetEntryHook registers the entry hook. Must be called before Run.
func (a *App) SetEntryHook(hook EntryHook) {
	a.entryHook = hook
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient := feed.NewREST(cfg.Feed.RESTBaseURL, cfg.Feed.RESTTimeout, log)
	stream := feed.NewStream(cfg.Feed.WSURL, cfg.Feed.ReconnectDelay, cfg.Feed.PingInterval, log)
	detector := regime.NewDetector(cfg.Detector, restClient, log)
	adjust := exits.NewAdjustmentCalculator(cfg.Exits)
	monitor := exits.NewMonitor(cfg.Exits, stream, adjust, log)
	router := exec.New(restClient, store, log)

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &App{
		cfg:         cfg,
		log:         log,
		store:       store,
		rest:        restClient,
		stream:      stream,
		detector:    detector,
		adjust:      adjust,
		monitor:     monitor,
		router:      router,
		metrics:     m,
		prom:        prom,
		alerts:      alerts.NewTelegram(cfg.Telegram, log),
		writer:      writer,
		volObserved: make(map[string]string),
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer func() {
		if err := a.writer.Close(); err != nil {
			a.log.Warn("timescale close failed", zap.Error(err))
		}
	}()

	if err := a.restore(ctx); err != nil {
		return err
	}
	a.writer.Start(ctx)
	a.startMetricsServer(ctx)

	if err := a.stream.Connect(ctx); err != nil {
		return err
	}
	if err := a.stream.Subscribe(ctx, a.streamSymbols()); err != nil {
		return err
	}
	go func() {
		if err := a.stream.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("bar stream stopped", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(a.cfg.Monitor.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-a.stream.Fills():
			a.applyFill(ctx, event)
		case <-ticker.C:
			if err := a.cycle(ctx, time.Now().UTC()); err != nil {
				a.log.Warn("cycle failed", zap.Error(err))
			}
		}
	}
}

// streamSymbols is the bar subscription set: every monitored ticker plus
// any symbol already carrying a restored position.
func (a *App) streamSymbols() []string {
	seen := make(map[string]bool)
	symbols := make([]string, 0, len(a.cfg.Monitor.Symbols))
	for _, s := range a.cfg.Monitor.Symbols {
		if !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	for _, p := range a.monitor.Positions() {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}
	return symbols
}

// restore rebuilds positions and volatility stats from the state store so a
// restart never resets tier state or re-arms a fired tier.
func (a *App) restore(ctx context.Context) error {
	stats, ok, err := state.LoadSymbolStats(ctx, a.store)
	if err != nil {
		return err
	}
	if ok {
		a.adjust.Restore(stats)
	}
	snapshots, ok, err := state.LoadPositions(ctx, a.store)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	restored := 0
	for symbol, snap := range snapshots {
		if snap.Quantity <= 0 || snap.TierState == string(exits.StateClosed) {
			continue
		}
		tracker := pnl.RestoreTracker(symbol, snap.Quantity, snap.AveragePrice, snap.Realized, snap.Fees)
		a.monitor.Restore(symbol, tracker, exits.State(snap.TierState), snap.Target, snap.StopPrice, time.UnixMilli(snap.UpdatedAtMS))
		restored++
	}
	if restored > 0 {
		a.log.Info("positions restored", zap.Int("count", restored))
	}
	return nil
}

func (a *App) applyFill(ctx context.Context, event feed.FillEvent) {
	if err := a.monitor.OnFill(event.Symbol, event.Fill, event.Target); err != nil {
		if errors.Is(err, pnl.ErrOversell) {
			a.log.Error("sell fill exceeded tracked quantity",
				zap.String("symbol", event.Symbol),
				zap.Float64("quantity", event.Fill.Quantity))
		} else {
			a.log.Warn("fill rejected", zap.String("symbol", event.Symbol), zap.Error(err))
		}
		return
	}
	a.log.Info("fill applied",
		zap.String("symbol", event.Symbol),
		zap.String("side", string(event.Fill.Side)),
		zap.Float64("quantity", event.Fill.Quantity),
		zap.Float64("price", event.Fill.Price))
	if err := a.persist(ctx); err != nil {
		a.log.Warn("state persist failed", zap.Error(err))
	}
}

func (a *App) cycle(ctx context.Context, now time.Time) error {
	regimeState := a.detector.Evaluate(ctx, now)
	decision := regime.Evaluate(a.cfg.Regime, a.regimeInputs(ctx, now))
	if decision.AllowLong {
		a.metrics.EntriesAllowed.Inc()
	} else {
		a.metrics.EntriesBlocked.Inc()
	}
	if a.entryHook != nil {
		a.entryHook(ctx, decision, regimeState)
	}
	a.writer.EnqueueRegime(timescale.RegimeRecord{
		Time:          now,
		AllowLong:     decision.AllowLong,
		Reason:        decision.Reason,
		Confirmations: decision.Passed,
		HighVIX:       regimeState.HighVIX,
		SPYStressed:   regimeState.SPYStressed,
		VIXPercentile: regimeState.VIXPercentile,
		SPYDistance:   regimeState.SPYDistanceFrom200D,
		Confidence:    regimeState.Confidence,
		SizeFraction:  regimeState.SizeFraction,
	})

	a.refreshVolatility(ctx, now)

	actions, skipped := a.monitor.EvaluateAll(now, regimeState.RiskOff())
	for i := 0; i < skipped; i++ {
		a.metrics.CyclesSkipped.Inc()
	}
	for _, action := range actions {
		a.dispatch(ctx, action)
	}
	a.auditMarks(ctx)
	persistErr := a.persist(ctx)
	for _, p := range a.monitor.Sweep() {
		snap := p.Tracker.Snapshot()
		a.log.Info("position closed",
			zap.String("symbol", p.Symbol),
			zap.Float64("realized", snap.Realized),
			zap.Float64("fees", snap.Fees))
	}
	return persistErr
}

func (a *App) dispatch(ctx context.Context, action exits.Action) {
	a.countAction(action)
	tierState := ""
	if p, ok := a.monitor.Position(action.Ticker); ok {
		tierState = string(p.Machine.Current())
	}
	orderID, err := a.router.Dispatch(ctx, action)
	if err != nil {
		a.metrics.ActionsFailed.Inc()
		a.log.Error("action dispatch failed",
			zap.String("action_id", action.ID),
			zap.String("symbol", action.Ticker),
			zap.Error(err))
		return
	}
	a.metrics.ActionsDispatched.Inc()
	a.log.Info("action dispatched",
		zap.String("action_id", action.ID),
		zap.String("order_id", orderID),
		zap.String("symbol", action.Ticker),
		zap.String("type", string(action.Type)),
		zap.Float64("quantity", action.Quantity),
		zap.Float64("price", action.Price),
		zap.String("reason", action.Reason))
	realized := 0.0
	if p, ok := a.monitor.Position(action.Ticker); ok {
		realized = p.Tracker.Snapshot().Realized
	}
	a.writer.EnqueueAction(timescale.ActionRecord{
		Time:      action.Time,
		ActionID:  action.ID,
		Ticker:    action.Ticker,
		Type:      string(action.Type),
		TierState: tierState,
		Quantity:  action.Quantity,
		Price:     action.Price,
		Realized:  realized,
		Reason:    action.Reason,
	})
	if err := a.alerts.NotifyAction(ctx, action); err != nil {
		a.log.Warn("alert failed", zap.Error(err))
	}
}

func (a *App) countAction(action exits.Action) {
	switch {
	case strings.HasPrefix(action.Reason, "stop loss"):
		a.metrics.StopExits.Inc()
	case strings.HasPrefix(action.Reason, "target"):
		a.metrics.TargetExits.Inc()
	case strings.HasPrefix(action.Reason, "tier1"):
		a.metrics.Tier1Locks.Inc()
	case strings.HasPrefix(action.Reason, "tier2"):
		a.metrics.Tier2Captures.Inc()
	}
}

// regimeInputs gathers whatever gate inputs are available right now. A
// failed fetch leaves that input nil; the gate treats nil as unconfirmed
// rather than the cycle failing.
func (a *App) regimeInputs(ctx context.Context, now time.Time) regime.Inputs {
	var in regime.Inputs
	if candles, err := a.rest.DailyHistory(ctx, a.cfg.Detector.VIXSymbol, now, vixInputLookback); err == nil {
		closes := market.Closes(candles)
		if len(closes) > 0 {
			in.VIX = regime.Float(closes[len(closes)-1])
		}
		if ma3, ok := market.LastSMA(closes, 3); ok {
			in.VIXMA3 = regime.Float(ma3)
		}
	} else {
		a.log.Warn("vix input fetch failed", zap.Error(err))
	}
	if candles, err := a.rest.DailyHistory(ctx, a.cfg.Detector.SPYSymbol, now, slowMAPeriod+10); err == nil {
		closes := market.Closes(candles)
		if len(closes) >= 6 && closes[len(closes)-6] > 0 {
			in.SPYReturn5D = regime.Float(closes[len(closes)-1]/closes[len(closes)-6] - 1)
		}
		if fast, ok := market.LastSMA(closes, fastMAPeriod); ok {
			in.FastMA = regime.Float(fast)
		}
		if slow, ok := market.LastSMA(closes, slowMAPeriod); ok {
			in.SlowMA = regime.Float(slow)
		}
	} else {
		a.log.Warn("spy input fetch failed", zap.Error(err))
	}
	if internals, err := a.rest.MarketInternals(ctx, now); err == nil {
		in.Breadth = regime.Float(internals.Breadth)
		in.AdvancingVolume = regime.Float(internals.AdvancingVolume)
		in.DecliningVolume = regime.Float(internals.DecliningVolume)
	} else {
		a.log.Warn("internals fetch failed", zap.Error(err))
	}
	return in
}

// refreshVolatility updates each tracked symbol's ATR stat at most once per
// UTC day; the EWMA half-life is measured in daily observations.
func (a *App) refreshVolatility(ctx context.Context, now time.Time) {
	day := now.Format("2006-01-02")
	for _, p := range a.monitor.Positions() {
		if a.volObserved[p.Symbol] == day {
			continue
		}
		candles, err := a.rest.DailyHistory(ctx, p.Symbol, now, atrLookbackDays)
		if err != nil {
			a.log.Warn("volatility fetch failed", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		if atr, ok := market.ATRFraction(candles, atrPeriod); ok {
			a.adjust.Observe(p.Symbol, atr)
			a.volObserved[p.Symbol] = day
		}
	}
}

// auditMarks appends each position's newest mark record to the sqlite audit
// trail. Duplicate suppression is by timestamp: a position skipped this
// cycle keeps its previous record and is not re-appended.
func (a *App) auditMarks(ctx context.Context) {
	for _, p := range a.monitor.Positions() {
		history := p.Tracker.History()
		if len(history) == 0 {
			continue
		}
		last := history[len(history)-1]
		record := state.MarkAudit{
			Symbol:     p.Symbol,
			TimeMS:     last.Time.UnixMilli(),
			Price:      last.Price,
			Unrealized: last.Unrealized,
			Quantity:   last.Quantity,
		}
		existing, err := a.store.MarkAudits(ctx, p.Symbol, 1)
		if err == nil && len(existing) > 0 && existing[len(existing)-1].TimeMS == record.TimeMS {
			continue
		}
		if err := a.store.AppendMarkAudit(ctx, record); err != nil {
			a.log.Warn("mark audit append failed", zap.String("symbol", p.Symbol), zap.Error(err))
		}
	}
}

func (a *App) persist(ctx context.Context) error {
	snapshots := make(map[string]state.PositionSnapshot)
	nowMS := time.Now().UnixMilli()
	for _, p := range a.monitor.Positions() {
		snap := p.Tracker.Snapshot()
		snapshots[p.Symbol] = state.PositionSnapshot{
			Symbol:       p.Symbol,
			TierState:    string(p.Machine.Current()),
			Quantity:     snap.Quantity,
			AveragePrice: snap.AveragePrice,
			Realized:     snap.Realized,
			Fees:         snap.Fees,
			Target:       p.Target,
			StopPrice:    p.StopPrice,
			UpdatedAtMS:  nowMS,
		}
	}
	if err := state.SavePositions(ctx, a.store, snapshots); err != nil {
		return err
	}
	return state.SaveSymbolStats(ctx, a.store, a.adjust.Stats())
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.prom == nil || a.cfg.Metrics.ListenAddr == "" {
		return
	}
	server := &http.Server{
		Addr:    a.cfg.Metrics.ListenAddr,
		Handler: a.prom.Handler(),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
