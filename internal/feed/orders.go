package feed

import (
	"context"
	"errors"

	"tier-exit-bot/internal/exits"
)

type orderRequest struct {
	ClientID string  `json:"client_id"`
	Ticker   string  `json:"ticker"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Reason   string  `json:"reason,omitempty"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
}

// Submit places one exit action with the broker and implements the order
// router's submitter interface. All tier exits reduce or close a long, so
// the side is always sell. The action ID is forwarded as the client order
// ID so broker-side dedup lines up with the router's.
func (c *RESTClient) Submit(ctx context.Context, action exits.Action) (string, error) {
	req := orderRequest{
		ClientID: action.ID,
		Ticker:   action.Ticker,
		Side:     "sell",
		Type:     string(action.Type),
		Quantity: action.Quantity,
		Price:    action.Price,
		Reason:   action.Reason,
	}
	var resp orderResponse
	if err := c.post(ctx, "/orders", req, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", errors.New("broker returned empty order id")
	}
	return resp.OrderID, nil
}
