package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"tier-exit-bot/internal/market"
	"tier-exit-bot/internal/pnl"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var pingMessage = map[string]string{"method": "ping"}

// barRetention bounds the per-symbol ring of recent bars; the momentum
// window is minutes, an hour of history is plenty.
const barRetention = time.Hour

// Stream keeps a websocket subscription to intraday bars alive and serves
// the latest plus a short trailing window per symbol. Implements
// market.BarProvider. The read loop owns all writes into the buffers;
// readers get copies.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    []any
	latest  map[string]market.Bar
	history map[string][]market.Bar

	fills     chan FillEvent
	fillDrops int
}

// FillEvent is one broker execution delivered over the stream. Target is
// the broker-attached profit target, zero when the order carried none.
type FillEvent struct {
	Symbol string
	Fill   pnl.Fill
	Target float64
}

func NewStream(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Stream {
	return &Stream{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		latest:         make(map[string]market.Bar),
		history:        make(map[string][]market.Bar),
		fills:          make(chan FillEvent, 64),
	}
}

// Fills is the stream of broker executions. The channel is buffered; if the
// consumer falls behind, new fills are dropped with a warning rather than
// blocking the read loop.
func (s *Stream) Fills() <-chan FillEvent {
	return s.fills
}

func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// Subscribe registers a bar subscription for the symbols; subscriptions
// are replayed after every reconnect.
func (s *Stream) Subscribe(ctx context.Context, symbols []string) error {
	sub := map[string]any{
		"method": "subscribe",
		"subscription": map[string]any{
			"type":    "bars",
			"symbols": symbols,
		},
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	return writeJSON(ctx, conn, sub)
}

// Run reads bar messages until ctx is done, reconnecting with the
// configured delay after any read failure.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := s.ensureConnected(ctx); err != nil {
			return err
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			s.pingLoop(pingCtx)
		}()
		err := s.readLoop(ctx)
		cancel()
		<-pingDone
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.log != nil {
				s.log.Warn("bar stream read loop ended", zap.Error(err))
			}
			s.resetConn()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.reconnectDelay):
			}
			continue
		}
	}
}

// LatestBar implements market.BarProvider.
func (s *Stream) LatestBar(symbol string) (market.Bar, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bar, ok := s.latest[symbol]
	return bar, ok
}

// RecentBars implements market.BarProvider: bars within the window ending
// at the newest bar, oldest first.
func (s *Stream) RecentBars(symbol string, window time.Duration) []market.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars := s.history[symbol]
	if len(bars) == 0 {
		return nil
	}
	cutoff := bars[len(bars)-1].Time.Add(-window)
	start := 0
	for start < len(bars) && bars[start].Time.Before(cutoff) {
		start++
	}
	out := make([]market.Bar, len(bars)-start)
	copy(out, bars[start:])
	return out
}

func (s *Stream) ensureConnected(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	subs := append([]any(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) readLoop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handleMessage(data)
	}
}

type wireBar struct {
	Symbol string  `json:"symbol"`
	TimeMS int64   `json:"t"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	VWAP   float64 `json:"vwap"`
	Volume float64 `json:"volume"`
}

func (s *Stream) handleMessage(data []byte) {
	var payload struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		if s.log != nil {
			s.log.Debug("bar stream decode failed", zap.Error(err))
		}
		return
	}
	if payload.Channel == "fills" {
		s.handleFills(payload.Data)
		return
	}
	if payload.Channel != "bars" {
		return
	}
	bars := parseBars(payload.Data)
	if len(bars) == 0 {
		return
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bar := range bars {
		bar.ObservedAt = now
		s.latest[bar.Symbol] = bar
		s.history[bar.Symbol] = appendBar(s.history[bar.Symbol], bar)
	}
}

type wireFill struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Fee      float64 `json:"fee"`
	TimeMS   int64   `json:"t"`
	Target   float64 `json:"target"`
}

func (s *Stream) handleFills(data json.RawMessage) {
	if len(data) == 0 {
		return
	}
	var many []wireFill
	if err := json.Unmarshal(data, &many); err != nil {
		var one wireFill
		if err := json.Unmarshal(data, &one); err != nil {
			return
		}
		many = []wireFill{one}
	}
	for _, w := range many {
		if w.Symbol == "" || w.Quantity <= 0 || w.Price <= 0 {
			continue
		}
		side := pnl.SideBuy
		if w.Side == "sell" {
			side = pnl.SideSell
		}
		event := FillEvent{
			Symbol: w.Symbol,
			Fill: pnl.Fill{
				Side:     side,
				Quantity: w.Quantity,
				Price:    w.Price,
				Fee:      w.Fee,
				Time:     time.UnixMilli(w.TimeMS).UTC(),
			},
			Target: w.Target,
		}
		select {
		case s.fills <- event:
		default:
			s.mu.Lock()
			s.fillDrops++
			drops := s.fillDrops
			s.mu.Unlock()
			if s.log != nil {
				s.log.Warn("fill dropped, consumer behind", zap.Int("drops", drops))
			}
		}
	}
}

func parseBars(data json.RawMessage) []market.Bar {
	if len(data) == 0 {
		return nil
	}
	var many []wireBar
	if err := json.Unmarshal(data, &many); err != nil {
		var one wireBar
		if err := json.Unmarshal(data, &one); err != nil {
			return nil
		}
		many = []wireBar{one}
	}
	bars := make([]market.Bar, 0, len(many))
	for _, w := range many {
		if w.Symbol == "" {
			continue
		}
		bars = append(bars, market.Bar{
			Symbol: w.Symbol,
			Time:   time.UnixMilli(w.TimeMS).UTC(),
			Last:   w.Last,
			Bid:    w.Bid,
			Ask:    w.Ask,
			VWAP:   w.VWAP,
			Volume: w.Volume,
		})
	}
	return bars
}

func appendBar(bars []market.Bar, bar market.Bar) []market.Bar {
	bars = append(bars, bar)
	cutoff := bar.Time.Add(-barRetention)
	start := 0
	for start < len(bars) && bars[start].Time.Before(cutoff) {
		start++
	}
	if start > 0 {
		bars = append(bars[:0], bars[start:]...)
	}
	return bars
}

func (s *Stream) pingLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	interval := s.pingInterval
	s.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (s *Stream) resetConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reconnect")
		s.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
