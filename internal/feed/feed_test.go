package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tier-exit-bot/internal/exits"
	"tier-exit-bot/internal/pnl"

	"go.uber.org/zap"
)

func TestDailyHistoryFetchesAndSorts(t *testing.T) {
	var gotReq historyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// out of order and with one bad row
		_, _ = w.Write([]byte(`{"candles":[
			{"t":1700265600000,"o":101,"h":103,"l":100,"c":102,"v":1000},
			{"t":1700179200000,"o":100,"h":102,"l":99,"c":101,"v":900},
			{"t":1700352000000,"o":0,"h":0,"l":0,"c":0,"v":0}
		]}`))
	}))
	defer server.Close()

	client := NewREST(server.URL, 5*time.Second, zap.NewNop())
	asOf := time.Date(2023, 11, 19, 0, 0, 0, 0, time.UTC)
	candles, err := client.DailyHistory(context.Background(), "SPY", asOf, 365)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if gotReq.Symbol != "SPY" || gotReq.Days != 365 || gotReq.End != "2023-11-19" {
		t.Fatalf("unexpected request: %+v", gotReq)
	}
	if len(candles) != 2 {
		t.Fatalf("expected bad row dropped, got %d candles", len(candles))
	}
	if !candles[0].Start.Before(candles[1].Start) {
		t.Fatalf("expected ascending order, got %v then %v", candles[0].Start, candles[1].Start)
	}
	if candles[1].Close != 102 {
		t.Fatalf("expected close 102 last, got %f", candles[1].Close)
	}
}

func TestDailyHistoryHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewREST(server.URL, 5*time.Second, zap.NewNop())
	if _, err := client.DailyHistory(context.Background(), "SPY", time.Now(), 30); err == nil {
		t.Fatalf("expected error on http 502")
	}
}

func TestHandleMessageUpdatesBuffers(t *testing.T) {
	s := NewStream("ws://unused", time.Second, 0, zap.NewNop())
	msg := []byte(`{"channel":"bars","data":[
		{"symbol":"AAPL","t":1700000000000,"last":10.2,"bid":10.19,"ask":10.21,"vwap":10.18,"volume":500},
		{"symbol":"MSFT","t":1700000000000,"last":300.5}
	]}`)
	s.handleMessage(msg)

	bar, ok := s.LatestBar("AAPL")
	if !ok {
		t.Fatalf("expected AAPL bar")
	}
	if bar.VWAP != 10.18 || bar.Bid != 10.19 {
		t.Fatalf("bar fields mismatch: %+v", bar)
	}
	if bar.ObservedAt.IsZero() {
		t.Fatalf("observed time must be stamped")
	}
	if _, ok := s.LatestBar("MSFT"); !ok {
		t.Fatalf("expected MSFT bar")
	}
	if _, ok := s.LatestBar("NVDA"); ok {
		t.Fatalf("unexpected NVDA bar")
	}
}

func TestHandleMessageIgnoresOtherChannels(t *testing.T) {
	s := NewStream("ws://unused", time.Second, 0, zap.NewNop())
	s.handleMessage([]byte(`{"channel":"trades","data":[{"symbol":"AAPL","last":1}]}`))
	if _, ok := s.LatestBar("AAPL"); ok {
		t.Fatalf("non-bar channels must be ignored")
	}
}

func TestRecentBarsWindow(t *testing.T) {
	s := NewStream("ws://unused", time.Second, 0, zap.NewNop())
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).UnixMilli()
		bar := wireBar{Symbol: "AAPL", TimeMS: ts, Last: 10 + float64(i)*0.01}
		payload, _ := json.Marshal(map[string]any{"channel": "bars", "data": []wireBar{bar}})
		s.handleMessage(payload)
	}
	recent := s.RecentBars("AAPL", 3*time.Minute)
	if len(recent) != 4 {
		t.Fatalf("expected 4 bars in a 3m window, got %d", len(recent))
	}
	if !recent[0].Time.Before(recent[len(recent)-1].Time) {
		t.Fatalf("expected oldest first")
	}
	if s.RecentBars("NVDA", time.Minute) != nil {
		t.Fatalf("unknown symbol should return nil")
	}
}

func TestParseBarsSingleObject(t *testing.T) {
	bars := parseBars(json.RawMessage(`{"symbol":"KO","t":1700000000000,"last":58.1}`))
	if len(bars) != 1 || bars[0].Symbol != "KO" {
		t.Fatalf("expected single bar, got %+v", bars)
	}
}

func TestStreamDeliversFills(t *testing.T) {
	s := NewStream("ws://unused", time.Second, 0, zap.NewNop())
	payload := []byte(`{"channel":"fills","data":[
		{"symbol":"AAPL","side":"buy","quantity":100,"price":10.5,"fee":0.25,"t":1700000000000,"target":12},
		{"symbol":"","side":"buy","quantity":1,"price":1,"t":1700000000000},
		{"symbol":"MSFT","side":"sell","quantity":40,"price":300,"t":1700000060000}
	]}`)
	s.handleMessage(payload)

	first := <-s.Fills()
	if first.Symbol != "AAPL" || first.Fill.Side != pnl.SideBuy {
		t.Fatalf("unexpected first fill %+v", first)
	}
	if first.Fill.Quantity != 100 || first.Fill.Price != 10.5 || first.Fill.Fee != 0.25 {
		t.Fatalf("unexpected fill fields %+v", first.Fill)
	}
	if first.Target != 12 {
		t.Fatalf("expected target 12, got %v", first.Target)
	}
	second := <-s.Fills()
	if second.Symbol != "MSFT" || second.Fill.Side != pnl.SideSell {
		t.Fatalf("unexpected second fill %+v", second)
	}
	select {
	case extra := <-s.Fills():
		t.Fatalf("unexpected extra fill %+v", extra)
	default:
	}
}

func TestSubmitForwardsActionID(t *testing.T) {
	var gotReq orderRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"order_id":"brk-77"}`))
	}))
	defer server.Close()

	client := NewREST(server.URL, time.Second, zap.NewNop())
	action := exits.Action{
		ID:       "act-1",
		Ticker:   "AAPL",
		Type:     exits.ActionReduce,
		Quantity: 50,
		Price:    10.3,
		Reason:   "tier1 profit lock",
	}
	orderID, err := client.Submit(context.Background(), action)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if orderID != "brk-77" {
		t.Fatalf("expected order id brk-77, got %s", orderID)
	}
	if gotReq.ClientID != "act-1" || gotReq.Side != "sell" || gotReq.Type != "REDUCE" {
		t.Fatalf("unexpected order request %+v", gotReq)
	}
}

func TestMarketInternals(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internals" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"breadth":0.62,"advancing_volume":1800,"declining_volume":900}`))
	}))
	defer server.Close()

	client := NewREST(server.URL, time.Second, zap.NewNop())
	internals, err := client.MarketInternals(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("MarketInternals failed: %v", err)
	}
	if internals.Breadth != 0.62 || internals.AdvancingVolume != 1800 || internals.DecliningVolume != 900 {
		t.Fatalf("unexpected internals %+v", internals)
	}
}
