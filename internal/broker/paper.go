package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// PaperConfig configures the simulated brokerage.
type PaperConfig struct {
	StartingCash decimal.Decimal `json:"startingCash"`
	SlippageBps  int64           `json:"slippageBps"`
}

// DefaultPaperConfig starts with $10,000 cash and 5 bps of slippage
// per fill.
func DefaultPaperConfig() *PaperConfig {
	return &PaperConfig{
		StartingCash: decimal.NewFromInt(10000),
		SlippageBps:  5,
	}
}

// PaperBroker keeps holdings and cash in memory and fills market
// orders instantly against the last marked price, shaded by slippage.
// Buys that exceed available cash fill the cash-covered quantity, the
// way a quote-sized market order would; sells are capped at the held
// amount.
type PaperBroker struct {
	logger   *zap.Logger
	slippage decimal.Decimal

	mu       sync.RWMutex
	cash     decimal.Decimal
	holdings map[string]decimal.Decimal
	prices   map[string]decimal.Decimal
}

// NewPaperBroker creates a paper broker holding only cash.
func NewPaperBroker(logger *zap.Logger, config *PaperConfig) *PaperBroker {
	if config == nil {
		config = DefaultPaperConfig()
	}
	return &PaperBroker{
		logger:   logger.Named("paper-broker"),
		slippage: decimal.NewFromInt(config.SlippageBps).Div(decimal.NewFromInt(10000)),
		cash:     config.StartingCash,
		holdings: make(map[string]decimal.Decimal),
		prices:   make(map[string]decimal.Decimal),
	}
}

// UpdatePrices marks assets to the latest observed prices. Orders for
// an asset with no mark are rejected.
func (b *PaperBroker) UpdatePrices(prices map[string]decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for asset, price := range prices {
		if price.IsPositive() {
			b.prices[asset] = price
		}
	}
}

// GetPortfolio returns a snapshot of current holdings and cash.
func (b *PaperBroker) GetPortfolio(_ context.Context) (types.Portfolio, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	holdings := make(map[string]decimal.Decimal, len(b.holdings))
	for asset, quantity := range b.holdings {
		holdings[asset] = quantity
	}
	return types.Portfolio{
		Holdings:  holdings,
		Cash:      b.cash,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// GetCash returns the available cash balance.
func (b *PaperBroker) GetCash(_ context.Context) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash, nil
}

// GetPrice returns the last marked price for an asset.
func (b *PaperBroker) GetPrice(_ context.Context, asset string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	price, ok := b.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no marked price for %s", asset)
	}
	return price, nil
}

// PlaceOrder fills a market order immediately.
func (b *PaperBroker) PlaceOrder(_ context.Context, asset string, side types.OrderSide, quantity decimal.Decimal) types.OrderResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !quantity.IsPositive() {
		return rejected(fmt.Sprintf("non-positive quantity %s", quantity))
	}
	mark, ok := b.prices[asset]
	if !ok {
		return rejected(fmt.Sprintf("no marked price for %s", asset))
	}

	var filled, fillPrice decimal.Decimal
	switch side {
	case types.OrderSideBuy:
		fillPrice = mark.Mul(decimal.NewFromInt(1).Add(b.slippage))
		filled = quantity
		cost := filled.Mul(fillPrice)
		if cost.GreaterThan(b.cash) {
			filled = b.cash.Div(fillPrice)
			cost = b.cash
		}
		if !filled.IsPositive() {
			return rejected(fmt.Sprintf("insufficient cash for %s buy", asset))
		}
		b.cash = b.cash.Sub(cost)
		b.holdings[asset] = b.holdings[asset].Add(filled)

	case types.OrderSideSell:
		held := b.holdings[asset]
		if !held.IsPositive() {
			return rejected(fmt.Sprintf("no position in %s", asset))
		}
		fillPrice = mark.Mul(decimal.NewFromInt(1).Sub(b.slippage))
		filled = decimal.Min(quantity, held)
		b.cash = b.cash.Add(filled.Mul(fillPrice))
		remaining := held.Sub(filled)
		if remaining.IsPositive() {
			b.holdings[asset] = remaining
		} else {
			delete(b.holdings, asset)
		}

	default:
		return rejected(fmt.Sprintf("unknown order side %q", side))
	}

	orderID := uuid.New().String()
	b.logger.Info("paper fill",
		zap.String("asset", asset),
		zap.String("side", string(side)),
		zap.String("quantity", filled.String()),
		zap.String("price", fillPrice.String()),
		zap.String("order_id", orderID))

	return types.OrderResult{Success: true, OrderID: orderID}
}

func rejected(reason string) types.OrderResult {
	return types.OrderResult{Success: false, Error: reason}
}
