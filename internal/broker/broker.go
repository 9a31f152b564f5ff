// Package broker defines the brokerage contract and a paper
// implementation that simulates fills against marked prices.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// Broker is the full brokerage surface the engine relies on. The
// brokerage is externally rate-limited; callers pace order submission
// at roughly one per second.
type Broker interface {
	GetPortfolio(ctx context.Context) (types.Portfolio, error)
	GetCash(ctx context.Context) (decimal.Decimal, error)
	GetPrice(ctx context.Context, asset string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, asset string, side types.OrderSide, quantity decimal.Decimal) types.OrderResult
}
