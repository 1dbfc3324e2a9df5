package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"tier-exit-bot/internal/market"

	"go.uber.org/zap"
)

// RESTClient fetches daily candle history from the configured data vendor
// and implements market.HistoryProvider.
type RESTClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewREST(baseURL string, timeout time.Duration, log *zap.Logger) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type historyRequest struct {
	Symbol string `json:"symbol"`
	End    string `json:"end"`
	Days   int    `json:"days"`
}

type historyResponse struct {
	Candles []wireCandle `json:"candles"`
}

type wireCandle struct {
	TimeMS int64   `json:"t"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

func (c *RESTClient) DailyHistory(ctx context.Context, symbol string, asOf time.Time, lookbackDays int) ([]market.Candle, error) {
	req := historyRequest{
		Symbol: symbol,
		End:    asOf.UTC().Format("2006-01-02"),
		Days:   lookbackDays,
	}
	var resp historyResponse
	if err := c.post(ctx, "/history", req, &resp); err != nil {
		return nil, err
	}
	candles := make([]market.Candle, 0, len(resp.Candles))
	for _, w := range resp.Candles {
		if w.Close <= 0 {
			continue
		}
		candles = append(candles, market.Candle{
			Symbol:   symbol,
			Interval: "1d",
			Start:    time.UnixMilli(w.TimeMS).UTC(),
			Open:     w.Open,
			High:     w.High,
			Low:      w.Low,
			Close:    w.Close,
			Volume:   w.Volume,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Start.Before(candles[j].Start) })
	return candles, nil
}

func (c *RESTClient) post(ctx context.Context, path string, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if c.log != nil {
			c.log.Warn("request failed",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode))
		}
		return fmt.Errorf("request failed: http %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
