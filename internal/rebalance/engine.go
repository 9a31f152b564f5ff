// Package rebalance turns target weights into an ordered trade plan and
// drives it through the per-cycle state machine, gated by the trading
// safeguards.
package rebalance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// Config configures the engine and its safeguards.
type Config struct {
	Threshold       float64       `json:"threshold"`       // weight drift that triggers a trade
	DustFloor       float64       `json:"dustFloor"`       // minimum tradable quantity
	Cooldown        time.Duration `json:"cooldown"`        // minimum gap since the last trade
	MaxTradesPerDay int           `json:"maxTradesPerDay"` // successful trade cap per UTC day
	StopLossPct     float64       `json:"stopLossPct"`     // negative fraction that pauses trading
	WashWindow      int           `json:"washWindow"`      // trade records inspected for wash patterns
	WashMinRecords  int           `json:"washMinRecords"`  // mixed-side records that latch the breaker
	WashSpan        time.Duration `json:"washSpan"`        // window those records must fall within
	SettleDelay     time.Duration `json:"settleDelay"`     // pause between sells and the cash refresh
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Threshold:       0.03,
		DustFloor:       1e-6,
		Cooldown:        6 * time.Hour,
		MaxTradesPerDay: 10,
		StopLossPct:     -0.10,
		WashWindow:      10,
		WashMinRecords:  3,
		WashSpan:        24 * time.Hour,
		SettleDelay:     5 * time.Second,
	}
}

// PortfolioSource supplies current holdings and cash.
type PortfolioSource interface {
	GetPortfolio(ctx context.Context) (types.Portfolio, error)
}

// OrderExecutor submits planned actions and reports per-order outcomes.
type OrderExecutor interface {
	ExecuteSells(ctx context.Context, actions []types.RebalanceAction) []types.TradeRecord
	ExecuteBuys(ctx context.Context, actions []types.RebalanceAction) []types.TradeRecord
}

// Plan is the ordered set of trades for one rebalance. Sells always
// execute before buys.
type Plan struct {
	Sells      []types.RebalanceAction `json:"sells"`
	Buys       []types.RebalanceAction `json:"buys"`
	TotalValue decimal.Decimal         `json:"totalValue"`
}

// ActionCount returns the number of planned trades.
func (p *Plan) ActionCount() int {
	return len(p.Sells) + len(p.Buys)
}

// Result reports how one rebalance evaluation ended. SkipReason holds
// the rule keyword, SkipDetail the human-readable explanation.
type Result struct {
	State      types.CycleState    `json:"state"`
	Success    bool                `json:"success"`
	SkipReason string              `json:"skipReason,omitempty"`
	SkipDetail string              `json:"skipDetail,omitempty"`
	Breaker    bool                `json:"breaker"`
	Orders     []types.TradeRecord `json:"orders,omitempty"`
	FinalCash  decimal.Decimal     `json:"finalCash"`
}

// Engine owns one portfolio's rebalance flow. Exactly one evaluation
// runs at a time; the orchestrator serializes cycles.
type Engine struct {
	logger     *zap.Logger
	config     *Config
	broker     PortfolioSource
	executor   OrderExecutor
	history    History
	safeguards *Safeguards
}

// NewEngine creates a rebalance engine.
func NewEngine(logger *zap.Logger, config *Config, broker PortfolioSource, executor OrderExecutor, history History) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		logger:     logger.Named("rebalance"),
		config:     config,
		broker:     broker,
		executor:   executor,
		history:    history,
		safeguards: NewSafeguards(logger, config),
	}
}

// Safeguards exposes the safeguard evaluator for status reporting.
func (e *Engine) Safeguards() *Safeguards {
	return e.safeguards
}

// Rebalance runs one full evaluation: safeguards, plan computation,
// sells, cash refresh, then buys. It returns an error only for hard
// failures; skips and per-order errors are reported in the Result.
func (e *Engine) Rebalance(ctx context.Context, targets map[string]float64, prices map[string]decimal.Decimal) (*Result, error) {
	now := time.Now().UTC()

	verdict := e.safeguards.Evaluate(now, e.history)
	if !verdict.Proceed {
		return &Result{
			State:      types.CycleSkipped,
			Success:    !verdict.Breaker,
			SkipReason: verdict.Rule,
			SkipDetail: verdict.Reason,
			Breaker:    verdict.Breaker,
		}, nil
	}

	portfolio, err := e.broker.GetPortfolio(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching portfolio: %w", err)
	}

	plan, err := e.ComputePlan(targets, portfolio, prices)
	if err != nil {
		return nil, err
	}

	if plan.ActionCount() == 0 {
		e.logger.Info("portfolio within thresholds, nothing to do")
		return &Result{State: types.CycleRecord, Success: true, FinalCash: portfolio.Cash}, nil
	}

	e.truncateToBudget(plan, now)

	e.logger.Info("executing rebalance plan",
		zap.Int("sells", len(plan.Sells)),
		zap.Int("buys", len(plan.Buys)),
		zap.String("total_value", plan.TotalValue.StringFixed(2)),
	)

	orders := e.executor.ExecuteSells(ctx, plan.Sells)

	if len(plan.Sells) > 0 && e.config.SettleDelay > 0 {
		time.Sleep(e.config.SettleDelay)
	}

	refreshed, err := e.broker.GetPortfolio(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing cash balance: %w", err)
	}

	buys := e.scaleBuysToCash(plan.Buys, refreshed.Cash)
	orders = append(orders, e.executor.ExecuteBuys(ctx, buys)...)

	succeeded := 0
	for _, order := range orders {
		if order.Success {
			succeeded++
		}
	}

	e.logger.Info("rebalance completed",
		zap.Int("orders", len(orders)),
		zap.Int("succeeded", succeeded),
	)

	return &Result{
		State:     types.CycleRecord,
		Success:   succeeded > 0,
		Orders:    orders,
		FinalCash: refreshed.Cash,
	}, nil
}

// ComputePlan derives the trade actions needed to move the portfolio to
// the target weights. Assets without a positive price are ignored.
func (e *Engine) ComputePlan(targets map[string]float64, portfolio types.Portfolio, prices map[string]decimal.Decimal) (*Plan, error) {
	total := portfolio.Cash
	for asset, quantity := range portfolio.Holdings {
		if price, ok := prices[asset]; ok && price.IsPositive() {
			total = total.Add(quantity.Mul(price))
		}
	}

	if total.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("total portfolio value %s, cannot rebalance", total.StringFixed(2))
	}

	currentWeight := func(asset string) float64 {
		quantity, held := portfolio.Holdings[asset]
		price, priced := prices[asset]
		if !held || !priced || !price.IsPositive() {
			return 0
		}
		return quantity.Mul(price).Div(total).InexactFloat64()
	}

	plan := &Plan{TotalValue: total}
	dust := decimal.NewFromFloat(e.config.DustFloor)

	targetAssets := make([]string, 0, len(targets))
	for asset := range targets {
		targetAssets = append(targetAssets, asset)
	}
	sort.Strings(targetAssets)

	for _, asset := range targetAssets {
		diff := currentWeight(asset) - targets[asset]
		if math.Abs(diff) <= e.config.Threshold {
			continue
		}

		price, ok := prices[asset]
		if !ok || !price.IsPositive() {
			e.logger.Warn("no price for target asset, skipping", zap.String("asset", asset))
			continue
		}

		quantity := decimal.NewFromFloat(math.Abs(diff)).Mul(total).Div(price)
		if quantity.LessThanOrEqual(dust) {
			continue
		}

		action := types.RebalanceAction{
			Asset:      asset,
			Quantity:   quantity,
			Price:      price,
			WeightDiff: diff,
		}
		if diff > 0 {
			action.Side = types.OrderSideSell
			plan.Sells = append(plan.Sells, action)
		} else {
			action.Side = types.OrderSideBuy
			plan.Buys = append(plan.Buys, action)
		}
	}

	held := make([]string, 0, len(portfolio.Holdings))
	for asset := range portfolio.Holdings {
		held = append(held, asset)
	}
	sort.Strings(held)

	for _, asset := range held {
		if _, targeted := targets[asset]; targeted {
			continue
		}
		weight := currentWeight(asset)
		if weight <= e.config.Threshold {
			continue
		}

		price := prices[asset]
		quantity := decimal.NewFromFloat(weight).Mul(total).Div(price)
		if quantity.LessThanOrEqual(dust) {
			continue
		}

		plan.Sells = append(plan.Sells, types.RebalanceAction{
			Asset:      asset,
			Side:       types.OrderSideSell,
			Quantity:   quantity,
			Price:      price,
			WeightDiff: weight,
		})
	}

	return plan, nil
}

// truncateToBudget drops planned actions that would push today's trade
// count past the daily cap, preferring sells.
func (e *Engine) truncateToBudget(plan *Plan, now time.Time) {
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	remaining := e.config.MaxTradesPerDay - e.history.SuccessfulTradesSince(startOfDay)
	if remaining < 0 {
		remaining = 0
	}
	if plan.ActionCount() <= remaining {
		return
	}

	e.logger.Warn("plan exceeds daily trade budget, truncating",
		zap.Int("planned", plan.ActionCount()),
		zap.Int("remaining", remaining),
	)

	if len(plan.Sells) >= remaining {
		plan.Sells = plan.Sells[:remaining]
		plan.Buys = nil
		return
	}
	plan.Buys = plan.Buys[:remaining-len(plan.Sells)]
}

// scaleBuysToCash shrinks every buy proportionally when the intended
// notional exceeds freshly observed cash.
func (e *Engine) scaleBuysToCash(buys []types.RebalanceAction, cash decimal.Decimal) []types.RebalanceAction {
	if len(buys) == 0 {
		return buys
	}

	notional := decimal.Zero
	for _, buy := range buys {
		notional = notional.Add(buy.Quantity.Mul(buy.Price))
	}
	if notional.LessThanOrEqual(cash) {
		return buys
	}

	if cash.LessThanOrEqual(decimal.Zero) {
		e.logger.Warn("no cash available, dropping all buys", zap.Int("buys", len(buys)))
		return nil
	}

	factor := cash.Div(notional)
	e.logger.Warn("insufficient cash, scaling buy orders",
		zap.String("factor", factor.StringFixed(4)),
		zap.String("cash", cash.StringFixed(2)),
		zap.String("notional", notional.StringFixed(2)),
	)

	dust := decimal.NewFromFloat(e.config.DustFloor)
	scaled := make([]types.RebalanceAction, 0, len(buys))
	for _, buy := range buys {
		buy.Quantity = buy.Quantity.Mul(factor)
		if buy.Quantity.LessThanOrEqual(dust) {
			continue
		}
		scaled = append(scaled, buy)
	}
	return scaled
}
