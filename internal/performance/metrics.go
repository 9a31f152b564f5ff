package performance

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
	"github.com/meridian-quant/portfolio-backend/pkg/utils"
)

const (
	riskFreeRate   = 0.02
	periodsPerYear = 252
)

// computeMetrics derives risk metrics from the portfolio value history.
// Returns nil when fewer than two observations exist.
func computeMetrics(values []types.ValuePoint) *types.PerformanceMetrics {
	if len(values) < 2 {
		return nil
	}

	series := make([]float64, len(values))
	for i, point := range values {
		series[i] = point.Value.InexactFloat64()
	}
	returns := utils.Returns(series)
	if len(returns) == 0 {
		return nil
	}

	totalReturn := 0.0
	for _, r := range returns {
		totalReturn += r
	}

	annualFactor := math.Sqrt(periodsPerYear)
	annualReturn := utils.Mean(returns) * periodsPerYear
	volatility := utils.StdDev(returns) * annualFactor

	sharpe := 0.0
	if volatility > 0 {
		sharpe = (annualReturn - riskFreeRate) / volatility
	}

	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	sortino := 0.0
	if downsideDev := utils.StdDev(downside) * annualFactor; downsideDev > 0 {
		sortino = (annualReturn - riskFreeRate) / downsideDev
	}

	valueAtRisk := utils.Quantile(returns, 0.05)
	var tailSum float64
	tailCount := 0
	for _, r := range returns {
		if r <= valueAtRisk {
			tailSum += r
			tailCount++
		}
	}
	cvar := valueAtRisk
	if tailCount > 0 {
		cvar = tailSum / float64(tailCount)
	}

	return &types.PerformanceMetrics{
		TotalReturn:  decimal.NewFromFloat(totalReturn),
		SharpeRatio:  decimal.NewFromFloat(sharpe),
		SortinoRatio: decimal.NewFromFloat(sortino),
		MaxDrawdown:  decimal.NewFromFloat(maxDrawdown(returns)),
		Volatility:   decimal.NewFromFloat(volatility),
		VaR95:        decimal.NewFromFloat(valueAtRisk),
		CVaR95:       decimal.NewFromFloat(cvar),
	}
}

// maxDrawdown returns the deepest peak-to-trough decline of the wealth
// index implied by the returns, as a non-positive fraction.
func maxDrawdown(returns []float64) float64 {
	wealth := 1.0
	peak := 1.0
	worst := 0.0
	for _, r := range returns {
		wealth *= 1 + r
		if wealth > peak {
			peak = wealth
		}
		if dd := (wealth - peak) / peak; dd < worst {
			worst = dd
		}
	}
	return worst
}
