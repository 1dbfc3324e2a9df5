package state

import (
	"context"
	"encoding/json"
	"strings"
)

const (
	PositionsKey   = "positions:last_snapshot"
	SymbolStatsKey = "exits:symbol_stats"
)

// PositionSnapshot is the persisted view of one tracked position: enough
// to rebuild the tracker and its tier state machine after a restart.
type PositionSnapshot struct {
	Symbol       string  `json:"symbol"`
	TierState    string  `json:"tier_state"`
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	Realized     float64 `json:"realized"`
	Fees         float64 `json:"fees"`
	Target       float64 `json:"target,omitempty"`
	StopPrice    float64 `json:"stop_price,omitempty"`
	UpdatedAtMS  int64   `json:"updated_at_ms"`
}

func LoadPositions(ctx context.Context, store Store) (map[string]PositionSnapshot, bool, error) {
	if store == nil {
		return nil, false, nil
	}
	raw, ok, err := store.Get(ctx, PositionsKey)
	if err != nil {
		return nil, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, false, nil
	}
	var snapshots map[string]PositionSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshots); err != nil {
		return nil, false, err
	}
	return snapshots, true, nil
}

func SavePositions(ctx context.Context, store Store, snapshots map[string]PositionSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(snapshots)
	if err != nil {
		return err
	}
	return store.Set(ctx, PositionsKey, string(payload))
}

func LoadSymbolStats(ctx context.Context, store Store) (map[string]float64, bool, error) {
	if store == nil {
		return nil, false, nil
	}
	raw, ok, err := store.Get(ctx, SymbolStatsKey)
	if err != nil {
		return nil, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, false, nil
	}
	var stats map[string]float64
	if err := json.Unmarshal([]byte(raw), &stats); err != nil {
		return nil, false, err
	}
	return stats, true, nil
}

func SaveSymbolStats(ctx context.Context, store Store, stats map[string]float64) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return store.Set(ctx, SymbolStatsKey, string(payload))
}
