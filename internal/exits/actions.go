package exits

import "time"

type ActionType string

const (
	ActionClose      ActionType = "CLOSE"
	ActionReduce     ActionType = "REDUCE"
	ActionAdjustStop ActionType = "ADJUST_STOP"
)

// Action is what the monitor hands to the order-routing layer. The ID makes
// dispatch idempotent across retries.
type Action struct {
	ID       string
	Ticker   string
	Type     ActionType
	Quantity float64
	Price    float64
	Reason   string
	Time     time.Time
}
