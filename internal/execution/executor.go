// Package execution submits planned rebalance actions to the brokerage
// collaborator one order at a time, respecting its rate limit.
package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// OrderPlacer is the brokerage surface the executor needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, asset string, side types.OrderSide, quantity decimal.Decimal) types.OrderResult
}

// Recorder receives every order outcome as it happens.
type Recorder interface {
	RecordTrade(record types.TradeRecord)
}

// Config configures order submission pacing.
type Config struct {
	OrdersPerSecond float64 `json:"ordersPerSecond"`
	Burst           int     `json:"burst"`
}

// DefaultConfig paces submissions at one order per second, the
// brokerage's documented limit.
func DefaultConfig() *Config {
	return &Config{
		OrdersPerSecond: 1.0,
		Burst:           1,
	}
}

// Executor walks a plan's actions sequentially. A failed submission is
// recorded with its error and does not abort the remaining orders.
type Executor struct {
	logger   *zap.Logger
	broker   OrderPlacer
	recorder Recorder
	limiter  *rate.Limiter
}

// NewExecutor creates an executor backed by the given brokerage.
func NewExecutor(logger *zap.Logger, config *Config, broker OrderPlacer, recorder Recorder) *Executor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Executor{
		logger:   logger.Named("executor"),
		broker:   broker,
		recorder: recorder,
		limiter:  rate.NewLimiter(rate.Limit(config.OrdersPerSecond), config.Burst),
	}
}

// ExecuteSells submits the sell leg of a plan.
func (ex *Executor) ExecuteSells(ctx context.Context, actions []types.RebalanceAction) []types.TradeRecord {
	return ex.execute(ctx, actions)
}

// ExecuteBuys submits the buy leg of a plan.
func (ex *Executor) ExecuteBuys(ctx context.Context, actions []types.RebalanceAction) []types.TradeRecord {
	return ex.execute(ctx, actions)
}

func (ex *Executor) execute(ctx context.Context, actions []types.RebalanceAction) []types.TradeRecord {
	records := make([]types.TradeRecord, 0, len(actions))

	for _, action := range actions {
		record := types.TradeRecord{
			Timestamp: time.Now().UTC(),
			Asset:     action.Asset,
			Side:      action.Side,
			Quantity:  action.Quantity,
			Price:     action.Price,
		}

		if err := ex.limiter.Wait(ctx); err != nil {
			record.Error = err.Error()
		} else {
			result := ex.broker.PlaceOrder(ctx, action.Asset, action.Side, action.Quantity)
			record.OrderID = result.OrderID
			record.Success = result.Success
			record.Error = result.Error
		}

		if record.Success {
			ex.logger.Info("order placed",
				zap.String("asset", record.Asset),
				zap.String("side", string(record.Side)),
				zap.String("quantity", record.Quantity.String()),
				zap.String("order_id", record.OrderID))
		} else {
			ex.logger.Error("order failed",
				zap.String("asset", record.Asset),
				zap.String("side", string(record.Side)),
				zap.String("quantity", record.Quantity.String()),
				zap.String("error", record.Error))
		}

		ex.recorder.RecordTrade(record)
		records = append(records, record)
	}

	return records
}
