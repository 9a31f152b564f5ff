// Package data fetches, validates, and caches the market and sentiment
// inputs a rebalance cycle runs on.
package data

import (
	"context"
	"time"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// MarketDataProvider fetches close-price history for a set of assets.
// Implementations return whatever subset they could fetch; callers
// decide whether the coverage is sufficient.
type MarketDataProvider interface {
	Fetch(ctx context.Context, assets []string, timeframe types.Timeframe, lookback time.Duration) (types.PriceSeries, error)
}

// SentimentProvider scores assets in [-1, 1]. Implementations never
// fail; an asset whose score cannot be fetched gets the neutral 0.
type SentimentProvider interface {
	Fetch(ctx context.Context, assets []string) map[string]float64
}
