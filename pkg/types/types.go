// Package types provides shared type definitions for the portfolio backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Regime represents a coarse market volatility classification
type Regime string

const (
	RegimeHighVolatility Regime = "HIGH_VOLATILITY"
	RegimeLowVolatility  Regime = "LOW_VOLATILITY"
	RegimeNormal         Regime = "NORMAL"
)

// Timeframe represents candle granularities supported by the data providers
type Timeframe string

const (
	Timeframe1h Timeframe = "1h"
	Timeframe4h Timeframe = "4h"
	Timeframe1d Timeframe = "1d"
)

// Duration returns the wall-clock length of one candle.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Candle represents a single candlestick
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// PriceSeries maps asset symbols to time-aligned close price sequences.
// After validation all series share the same length (trimmed to the shortest).
type PriceSeries map[string][]float64

// Assets returns the symbols present in the series.
func (ps PriceSeries) Assets() []string {
	assets := make([]string, 0, len(ps))
	for asset := range ps {
		assets = append(assets, asset)
	}
	return assets
}

// Len returns the number of observations, assuming aligned series.
func (ps PriceSeries) Len() int {
	for _, prices := range ps {
		return len(prices)
	}
	return 0
}

// AlphaScore holds the composite signal for one asset with its components.
type AlphaScore struct {
	Asset         string  `json:"asset"`
	Momentum      float64 `json:"momentum"`
	Sentiment     float64 `json:"sentiment"`
	MeanReversion float64 `json:"meanReversion"`
	Composite     float64 `json:"composite"`
}

// RegimeState captures the most recent regime classification
type RegimeState struct {
	Regime       Regime    `json:"regime"`
	Volatility   float64   `json:"volatility"`
	TargetAssets int       `json:"targetAssets"`
	SampleAssets int       `json:"sampleAssets"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// SelectionOutcome identifies which path produced a selection
type SelectionOutcome string

const (
	SelectionSolved   SelectionOutcome = "solved"
	SelectionFallback SelectionOutcome = "fallback"
	SelectionFailed   SelectionOutcome = "failed"
)

// SelectionResult is the stable result of an asset selection solve.
// The primary path may return a count different from the target; the
// fallback path returns exactly the target count (or all candidates).
type SelectionResult struct {
	Assets  []string         `json:"assets"`
	Outcome SelectionOutcome `json:"outcome"`
	Energy  float64          `json:"energy"`
	Samples int              `json:"samples"`
}

// AllocationOutcome identifies which path produced the weights
type AllocationOutcome string

const (
	AllocationSolved      AllocationOutcome = "solved"
	AllocationEqualWeight AllocationOutcome = "equal_weight"
	AllocationSingleAsset AllocationOutcome = "single_asset"
	AllocationFailed      AllocationOutcome = "failed"
)

// AllocationResult is the stable result of a weight allocation solve
type AllocationResult struct {
	Weights        map[string]float64 `json:"weights"`
	Outcome        AllocationOutcome  `json:"outcome"`
	ExpectedReturn float64            `json:"expectedReturn"`
	CVaR           float64            `json:"cvar"`
}

// Portfolio represents current holdings plus the cash balance.
// Mutated only by confirmed order fills reported by the broker.
type Portfolio struct {
	Holdings  map[string]decimal.Decimal `json:"holdings"`
	Cash      decimal.Decimal            `json:"cash"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

// RebalanceAction is one intended order within a cycle's plan
type RebalanceAction struct {
	Asset      string          `json:"asset"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	WeightDiff float64         `json:"weightDiff"`
}

// Notional returns the quantity priced at the reference price.
func (a RebalanceAction) Notional() decimal.Decimal {
	return a.Quantity.Mul(a.Price)
}

// OrderResult is the broker's response to a single order submission
type OrderResult struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TradeRecord is one executed (or attempted) order outcome; append-only
type TradeRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Asset     string          `json:"asset"`
	Side      OrderSide       `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	OrderID   string          `json:"orderId,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
}

// CycleState names the stages of one rebalance evaluation
type CycleState string

const (
	CycleEvaluateSafeguards CycleState = "EVALUATE_SAFEGUARDS"
	CycleSkipped            CycleState = "SKIPPED"
	CycleComputeActions     CycleState = "COMPUTE_ACTIONS"
	CycleExecuteSells       CycleState = "EXECUTE_SELLS"
	CycleRefreshCash        CycleState = "REFRESH_CASH"
	CycleExecuteBuys        CycleState = "EXECUTE_BUYS"
	CycleRecord             CycleState = "RECORD"
)

// CycleResult summarizes one full decision cycle
type CycleResult struct {
	Success      bool          `json:"success"`
	NextInterval time.Duration `json:"nextInterval"`
	State        CycleState    `json:"state,omitempty"`
	Regime       Regime        `json:"regime,omitempty"`
	Selected     []string      `json:"selected,omitempty"`
	Orders       int           `json:"orders"`
	SkipReason   string        `json:"skipReason,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
}

// RebalanceRecord is one appended tracker entry per evaluated cycle
type RebalanceRecord struct {
	ID           string             `json:"id"`
	Timestamp    time.Time          `json:"timestamp"`
	Regime       Regime             `json:"regime"`
	Selected     []string           `json:"selected"`
	Weights      map[string]float64 `json:"weights,omitempty"`
	Orders       int                `json:"orders"`
	Skipped      bool               `json:"skipped"`
	SkipReason   string             `json:"skipReason,omitempty"`
	RiskAversion float64            `json:"riskAversion"`
	Lambda       float64            `json:"lambda"`
}

// ValuePoint is one portfolio value snapshot
type ValuePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// PerformanceMetrics summarizes the rolling value history
type PerformanceMetrics struct {
	TotalReturn  decimal.Decimal `json:"totalReturn"`
	SharpeRatio  decimal.Decimal `json:"sharpeRatio"`
	SortinoRatio decimal.Decimal `json:"sortinoRatio"`
	MaxDrawdown  decimal.Decimal `json:"maxDrawdown"`
	Volatility   decimal.Decimal `json:"volatility"`
	VaR95        decimal.Decimal `json:"var95"`
	CVaR95       decimal.Decimal `json:"cvar95"`
}

// Report is the tracker's summary surface
type Report struct {
	TotalRebalances    int                 `json:"totalRebalances"`
	RegimeDistribution map[Regime]int      `json:"regimeDistribution"`
	AvgPortfolioSize   float64             `json:"avgPortfolioSize"`
	UniqueAssetsTraded int                 `json:"uniqueAssetsTraded"`
	RiskAversion       float64             `json:"riskAversion"`
	Lambda             float64             `json:"lambda"`
	TotalTrades        int                 `json:"totalTrades"`
	Metrics            *PerformanceMetrics `json:"metrics,omitempty"`
	GeneratedAt        time.Time           `json:"generatedAt"`
}
