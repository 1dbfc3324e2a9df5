package exits

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tier-exit-bot/internal/config"
	"tier-exit-bot/internal/market"
	"tier-exit-bot/internal/pnl"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrStaleQuote means the latest bar for a position is missing or older
// than the configured tolerance. The monitor skips the cycle rather than
// act on guessed data.
var ErrStaleQuote = errors.New("quote missing or stale")

// Position is one instrument's tier-exit state: the PnL tracker, the
// lifetime state machine, and the optional original target price.
type Position struct {
	Symbol  string
	Tracker *pnl.Tracker
	Machine *StateMachine
	Target  float64
	Opened  time.Time

	// StopPrice is the hard price floor, zero until the first tier lock
	// moves the runner's stop to breakeven.
	StopPrice float64
}

// Monitor walks open positions once per cycle and decides whether to lock
// tier-1 profit, capture a tier-2 momentum spike, or exit on stop/target.
// Synthetic fills at the mark price keep the trackers' realized figures in
// step with the actions it emits; broker fills reconcile externally.
type Monitor struct {
	cfg    config.ExitsConfig
	bars   market.BarProvider
	adjust *AdjustmentCalculator
	log    *zap.Logger

	mu        sync.Mutex
	positions map[string]*Position
}

func NewMonitor(cfg config.ExitsConfig, bars market.BarProvider, adjust *AdjustmentCalculator, log *zap.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		bars:      bars,
		adjust:    adjust,
		log:       log,
		positions: make(map[string]*Position),
	}
}

// OnFill routes an execution into the tracked position for its symbol. A
// buy on a flat or unknown symbol opens a fresh position with a fresh state
// machine; tier state belongs to a position's lifetime, never the
// instrument.
func (m *Monitor) OnFill(symbol string, fill pnl.Fill, target float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok || p.Machine.Current() == StateClosed {
		p = &Position{
			Symbol:  symbol,
			Tracker: pnl.NewTracker(symbol),
			Machine: NewStateMachine(),
			Target:  target,
			Opened:  fill.Time,
		}
		m.positions[symbol] = p
	}
	if err := p.Tracker.OnFill(fill); err != nil {
		return err
	}
	if p.Tracker.Quantity() == 0 && fill.Side == pnl.SideSell {
		p.Machine.Apply(EventClose)
	}
	return nil
}

// Restore reinstalls a position recovered from the state store, bypassing
// the fresh-machine rule OnFill applies to unknown symbols.
func (m *Monitor) Restore(symbol string, tracker *pnl.Tracker, tier State, target, stop float64, opened time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine := NewStateMachine()
	machine.SetState(tier)
	m.positions[symbol] = &Position{
		Symbol:    symbol,
		Tracker:   tracker,
		Machine:   machine,
		Target:    target,
		Opened:    opened,
		StopPrice: stop,
	}
}

// Position returns the tracked position for a symbol.
func (m *Monitor) Position(symbol string) (*Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	return p, ok
}

// Positions returns the tracked positions in no particular order.
func (m *Monitor) Positions() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// EvaluateAll runs one monitoring cycle over every tracked position and
// returns the emitted actions plus the number of positions skipped on
// degraded data.
func (m *Monitor) EvaluateAll(now time.Time, riskOff bool) ([]Action, int) {
	var actions []Action
	skipped := 0
	for _, p := range m.Positions() {
		action, err := m.Evaluate(now, p, riskOff)
		if err != nil {
			skipped++
			if m.log != nil {
				m.log.Warn("exit evaluation skipped",
					zap.String("symbol", p.Symbol), zap.Error(err))
			}
			continue
		}
		if action != nil {
			actions = append(actions, *action)
		}
	}
	return actions, skipped
}

// Evaluate runs one cycle for one position. Triggers are checked hardest
// first: stop, target, tier-2 spike, tier-1 end-of-day lock. At most one
// action fires per cycle.
func (m *Monitor) Evaluate(now time.Time, p *Position, riskOff bool) (*Action, error) {
	if p.Machine.Current() == StateClosed || p.Tracker.Quantity() == 0 {
		return nil, nil
	}
	bar, ok := m.bars.LatestBar(p.Symbol)
	if !ok || bar.Stale(now, m.cfg.MaxQuoteAge) {
		return nil, ErrStaleQuote
	}
	if _, err := p.Tracker.Mark(now, bar.Last, bar.Bid, bar.Ask, bar.VWAP); err != nil {
		return nil, err
	}
	price, _ := pnl.BestPrice(bar.Last, bar.Bid, bar.Ask, bar.VWAP)
	adj := m.adjust.For(p.Symbol, now, riskOff)
	ret := p.Tracker.UnrealizedReturn()

	if ret <= adj.StopReturn {
		return m.closeAll(p, now, price,
			fmt.Sprintf("stop loss: return %.4f <= %.4f", ret, adj.StopReturn))
	}
	if p.StopPrice > 0 && price <= p.StopPrice {
		return m.closeAll(p, now, price,
			fmt.Sprintf("stop loss: price %.4f <= stop %.4f", price, p.StopPrice))
	}
	if p.Target > 0 && price >= p.Target {
		return m.closeAll(p, now, price,
			fmt.Sprintf("target touched: %.4f >= %.4f", price, p.Target))
	}
	state := p.Machine.Current()
	if state == StateOpen || state == StateTier1Locked {
		if spike, ok := m.spike(p.Symbol, price); ok && spike >= adj.Tier2Spike {
			return m.tier2(p, now, price, spike, adj)
		}
	}
	if state == StateOpen && m.adjust.LateDay(now) && ret >= adj.Tier1Return {
		return m.tier1(p, now, price, ret, adj)
	}
	if (state == StateTier1Locked || state == StateTier2Locked) && p.StopPrice == 0 {
		return m.stopToBreakeven(p, now), nil
	}
	return nil, nil
}

// stopToBreakeven fires on the cycle after a tier lock: the runner's stop
// moves to the average entry price, so a locked position can no longer
// round-trip into a loss.
func (m *Monitor) stopToBreakeven(p *Position, now time.Time) *Action {
	p.StopPrice = p.Tracker.AveragePrice()
	return &Action{
		ID:       uuid.NewString(),
		Ticker:   p.Symbol,
		Type:     ActionAdjustStop,
		Quantity: p.Tracker.Quantity(),
		Price:    p.StopPrice,
		Reason:   fmt.Sprintf("stop to breakeven %.4f after tier lock", p.StopPrice),
		Time:     now,
	}
}

// Sweep drops positions whose machines reached CLOSED and returns them so
// the caller can persist their final snapshots.
func (m *Monitor) Sweep() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []*Position
	for symbol, p := range m.positions {
		if p.Machine.Current() == StateClosed {
			closed = append(closed, p)
			delete(m.positions, symbol)
		}
	}
	return closed
}

func (m *Monitor) closeAll(p *Position, now time.Time, price float64, reason string) (*Action, error) {
	qty := p.Tracker.Quantity()
	if err := p.Tracker.OnFill(pnl.Fill{Side: pnl.SideSell, Quantity: qty, Price: price, Time: now}); err != nil {
		return nil, err
	}
	p.Machine.Apply(EventClose)
	return &Action{
		ID:       uuid.NewString(),
		Ticker:   p.Symbol,
		Type:     ActionClose,
		Quantity: qty,
		Price:    price,
		Reason:   reason,
		Time:     now,
	}, nil
}

func (m *Monitor) tier1(p *Position, now time.Time, price, ret float64, adj Adjustments) (*Action, error) {
	qty := p.Tracker.Quantity() * m.cfg.Tier1LockFraction
	if err := p.Tracker.OnFill(pnl.Fill{Side: pnl.SideSell, Quantity: qty, Price: price, Time: now}); err != nil {
		return nil, err
	}
	p.Machine.Apply(EventTier1)
	return &Action{
		ID:       uuid.NewString(),
		Ticker:   p.Symbol,
		Type:     ActionReduce,
		Quantity: qty,
		Price:    price,
		Reason:   fmt.Sprintf("tier1 profit lock: return %.4f >= %.4f", ret, adj.Tier1Return),
		Time:     now,
	}, nil
}

func (m *Monitor) tier2(p *Position, now time.Time, price, spike float64, adj Adjustments) (*Action, error) {
	qty := p.Tracker.Quantity() * m.cfg.Tier2CloseFraction
	if err := p.Tracker.OnFill(pnl.Fill{Side: pnl.SideSell, Quantity: qty, Price: price, Time: now}); err != nil {
		return nil, err
	}
	p.Machine.Apply(EventTier2)
	actionType := ActionReduce
	if p.Tracker.Quantity() == 0 {
		p.Machine.Apply(EventClose)
		actionType = ActionClose
	}
	return &Action{
		ID:       uuid.NewString(),
		Ticker:   p.Symbol,
		Type:     actionType,
		Quantity: qty,
		Price:    price,
		Reason:   fmt.Sprintf("tier2 momentum spike: %.4f >= %.4f", spike, adj.Tier2Spike),
		Time:     now,
	}, nil
}

// spike measures the favorable move from the lowest reference price inside
// the short trailing window to the current price.
func (m *Monitor) spike(symbol string, price float64) (float64, bool) {
	bars := m.bars.RecentBars(symbol, m.cfg.Tier2SpikeWindow)
	if len(bars) < 2 {
		return 0, false
	}
	low := 0.0
	for _, b := range bars {
		ref, ok := pnl.BestPrice(b.Last, b.Bid, b.Ask, b.VWAP)
		if !ok {
			continue
		}
		if low == 0 || ref < low {
			low = ref
		}
	}
	if low <= 0 {
		return 0, false
	}
	return price/low - 1.0, true
}
