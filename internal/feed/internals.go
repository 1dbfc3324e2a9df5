package feed

import (
	"context"
	"time"
)

// Internals is the market-wide breadth snapshot the entry gate consumes.
type Internals struct {
	Breadth         float64
	AdvancingVolume float64
	DecliningVolume float64
}

type internalsRequest struct {
	Date string `json:"date"`
}

type internalsResponse struct {
	Breadth         float64 `json:"breadth"`
	AdvancingVolume float64 `json:"advancing_volume"`
	DecliningVolume float64 `json:"declining_volume"`
}

func (c *RESTClient) MarketInternals(ctx context.Context, asOf time.Time) (Internals, error) {
	req := internalsRequest{Date: asOf.UTC().Format("2006-01-02")}
	var resp internalsResponse
	if err := c.post(ctx, "/internals", req, &resp); err != nil {
		return Internals{}, err
	}
	return Internals{
		Breadth:         resp.Breadth,
		AdvancingVolume: resp.AdvancingVolume,
		DecliningVolume: resp.DecliningVolume,
	}, nil
}
