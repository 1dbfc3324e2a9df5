package market

import (
	"context"
	"time"
)

// HistoryProvider returns daily candles for a symbol over a trailing window
// ending at asOf. The series must be time-ordered oldest first. How the data
// is fetched (REST, cached parquet, replay) is the provider's business.
type HistoryProvider interface {
	DailyHistory(ctx context.Context, symbol string, asOf time.Time, lookbackDays int) ([]Candle, error)
}

// BarProvider serves the latest intraday bar for a symbol, plus the short
// trailing window the momentum-spike check looks at.
type BarProvider interface {
	LatestBar(symbol string) (Bar, bool)
	RecentBars(symbol string, window time.Duration) []Bar
}
