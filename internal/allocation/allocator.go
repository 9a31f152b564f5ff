// Package allocation assigns portfolio weights to selected assets by
// minimizing CVaR-adjusted expected loss over historical returns.
package allocation

import (
	"errors"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
	"github.com/meridian-quant/portfolio-backend/pkg/utils"
)

// Config configures the allocator.
type Config struct {
	Confidence    float64 `json:"confidence"`    // CVaR confidence level
	RiskAversion  float64 `json:"riskAversion"`  // weight on CVaR in the objective
	MinWeight     float64 `json:"minWeight"`     // per-asset lower bound
	MaxWeight     float64 `json:"maxWeight"`     // per-asset upper bound
	MinHistory    int     `json:"minHistory"`    // aligned return rows required to solve
	PenaltyWeight float64 `json:"penaltyWeight"` // budget-constraint penalty
	ValidateCVaR  bool    `json:"validateCvar"`  // cross-check CVaR by simulation
	Samples       int     `json:"samples"`       // simulation draws for validation
	Seed          int64   `json:"seed"`          // simulation seed, 0 seeds from the clock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Confidence:    0.95,
		RiskAversion:  1.0,
		MinWeight:     0.02,
		MaxWeight:     0.40,
		MinHistory:    10,
		PenaltyWeight: 1000.0,
		ValidateCVaR:  false,
		Samples:       10000,
		Seed:          0,
	}
}

// Allocator owns the weight solve. Not safe for concurrent use; the
// orchestrator runs at most one cycle at a time.
type Allocator struct {
	logger *zap.Logger
	config *Config
}

// NewAllocator creates an allocator.
func NewAllocator(logger *zap.Logger, config *Config) *Allocator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Allocator{
		logger: logger.Named("allocator"),
		config: config,
	}
}

// RiskAversion returns the current CVaR weight in the objective.
func (a *Allocator) RiskAversion() float64 {
	return a.config.RiskAversion
}

// SetRiskAversion updates the CVaR weight; called by the risk-aversion
// policy between cycles.
func (a *Allocator) SetRiskAversion(aversion float64) {
	a.config.RiskAversion = aversion
}

// Allocate computes target weights for the selected assets. Assets with
// no price history are dropped with a warning; losing all of them is a
// hard failure. A single survivor takes the whole portfolio. Too little
// aligned history, infeasible bounds, or a solver failure all fall back
// to equal weights.
func (a *Allocator) Allocate(selected []string, prices types.PriceSeries) types.AllocationResult {
	assets := make([]string, 0, len(selected))
	for _, asset := range selected {
		if series, ok := prices[asset]; ok && len(series) > 0 {
			assets = append(assets, asset)
			continue
		}
		a.logger.Warn("dropping selected asset without price history",
			zap.String("asset", asset),
		)
	}

	if len(assets) == 0 {
		a.logger.Error("allocation failed: no selected asset has price history")
		return types.AllocationResult{Outcome: types.AllocationFailed}
	}

	if len(assets) == 1 {
		return types.AllocationResult{
			Weights: map[string]float64{assets[0]: 1.0},
			Outcome: types.AllocationSingleAsset,
		}
	}

	returns, mu := a.alignReturns(assets, prices)
	rows, _ := dims(returns)

	if rows < a.config.MinHistory {
		a.logger.Warn("insufficient aligned history, using equal weights",
			zap.Int("rows", rows),
			zap.Int("min_history", a.config.MinHistory),
		)
		return a.equalWeights(assets, returns, mu)
	}

	k := float64(len(assets))
	if k*a.config.MaxWeight < 1.0 || k*a.config.MinWeight > 1.0 {
		a.logger.Warn("weight bounds infeasible for asset count, using equal weights",
			zap.Int("assets", len(assets)),
		)
		return a.equalWeights(assets, returns, mu)
	}

	weights, expReturn, cvar, err := a.solve(assets, returns, mu)
	if err != nil {
		a.logger.Warn("allocation solve failed, using equal weights",
			zap.Error(err),
		)
		return a.equalWeights(assets, returns, mu)
	}

	if a.config.ValidateCVaR {
		a.validateCVaR(assets, weights, returns, cvar)
	}

	a.logger.Info("allocation solved",
		zap.Int("assets", len(assets)),
		zap.Float64("expected_return", expReturn),
		zap.Float64("cvar", cvar),
	)

	return types.AllocationResult{
		Weights:        weights,
		Outcome:        types.AllocationSolved,
		ExpectedReturn: expReturn,
		CVaR:           cvar,
	}
}

// alignReturns builds the aligned return matrix (rows are time, columns
// follow the asset order) plus per-asset mean returns. Series are
// trimmed to the shortest common tail.
func (a *Allocator) alignReturns(assets []string, prices types.PriceSeries) (*mat.Dense, []float64) {
	perAsset := make([][]float64, len(assets))
	minLen := math.MaxInt
	for i, asset := range assets {
		perAsset[i] = utils.Returns(prices[asset])
		if len(perAsset[i]) < minLen {
			minLen = len(perAsset[i])
		}
	}

	if minLen <= 0 {
		return nil, make([]float64, len(assets))
	}

	data := mat.NewDense(minLen, len(assets), nil)
	mu := make([]float64, len(assets))
	for j, series := range perAsset {
		tail := series[len(series)-minLen:]
		for i, r := range tail {
			data.Set(i, j, r)
		}
		mu[j] = utils.Mean(tail)
	}

	return data, mu
}

// solve minimizes -(mu.w - riskAversion*CVaR(w)) with the budget
// constraint as a quadratic penalty and box bounds enforced by
// projection, then normalizes the solution back onto the constrained
// simplex.
func (a *Allocator) solve(assets []string, returns *mat.Dense, mu []float64) (map[string]float64, float64, float64, error) {
	n := len(assets)
	lo, hi := a.config.MinWeight, a.config.MaxWeight
	penalty := a.config.PenaltyWeight
	aversion := a.config.RiskAversion

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			w := projectToBounds(x, lo, hi)

			var ret, sum float64
			for i := 0; i < n; i++ {
				ret += mu[i] * w[i]
				sum += w[i]
			}

			_, cvar := a.tailRisk(w, returns)

			obj := -(ret - aversion*cvar)
			obj += penalty * (sum - 1.0) * (sum - 1.0)
			return obj
		},
	}

	initial := make([]float64, n)
	for i := range initial {
		initial[i] = 1.0 / float64(n)
	}

	accepted := map[optimize.Status]bool{
		optimize.Success:             true,
		optimize.GradientThreshold:   true,
		optimize.FunctionConvergence: true,
	}

	result, err := optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.NelderMead{})
	if err != nil || !accepted[result.Status] {
		result, err = optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.BFGS{})
		if err != nil {
			return nil, 0, 0, err
		}
		if !accepted[result.Status] {
			return nil, 0, 0, errors.New("allocation did not converge")
		}
	}

	final := projectToBounds(result.X, lo, hi)
	normalizeToBounds(final, lo, hi)

	weights := make(map[string]float64, n)
	var expReturn float64
	for i, asset := range assets {
		weights[asset] = final[i]
		expReturn += mu[i] * final[i]
	}
	_, cvar := a.tailRisk(final, returns)

	return weights, expReturn, cvar, nil
}

// tailRisk computes VaR and CVaR of portfolio losses over the aligned
// return rows at the configured confidence level.
func (a *Allocator) tailRisk(w []float64, returns *mat.Dense) (float64, float64) {
	rows, cols := dims(returns)
	if rows == 0 {
		return 0, 0
	}

	losses := make([]float64, rows)
	for t := 0; t < rows; t++ {
		var r float64
		for j := 0; j < cols; j++ {
			r += returns.At(t, j) * w[j]
		}
		losses[t] = -r
	}

	valueAtRisk := utils.Quantile(losses, a.config.Confidence)

	var tailSum float64
	tailCount := 0
	for _, loss := range losses {
		if loss >= valueAtRisk {
			tailSum += loss
			tailCount++
		}
	}
	if tailCount == 0 {
		return valueAtRisk, valueAtRisk
	}
	return valueAtRisk, tailSum / float64(tailCount)
}

// equalWeights is the fallback allocation: 1/k on every kept asset,
// exempt from the box bounds.
func (a *Allocator) equalWeights(assets []string, returns *mat.Dense, mu []float64) types.AllocationResult {
	w := 1.0 / float64(len(assets))
	weights := make(map[string]float64, len(assets))
	flat := make([]float64, len(assets))
	var expReturn float64
	for i, asset := range assets {
		weights[asset] = w
		flat[i] = w
		expReturn += mu[i] * w
	}

	var cvar float64
	if rows, _ := dims(returns); rows > 0 {
		_, cvar = a.tailRisk(flat, returns)
	}

	return types.AllocationResult{
		Weights:        weights,
		Outcome:        types.AllocationEqualWeight,
		ExpectedReturn: expReturn,
		CVaR:           cvar,
	}
}

func dims(m *mat.Dense) (int, int) {
	if m == nil {
		return 0, 0
	}
	return m.Dims()
}

// projectToBounds clamps each weight into [lo, hi].
func projectToBounds(x []float64, lo, hi float64) []float64 {
	proj := make([]float64, len(x))
	for i, v := range x {
		proj[i] = utils.Clamp(v, lo, hi)
	}
	return proj
}

// normalizeToBounds redistributes mass until the weights sum to one
// while every entry stays inside [lo, hi]. The caller guarantees the
// box intersects the simplex.
func normalizeToBounds(x []float64, lo, hi float64) {
	for iter := 0; iter < 32; iter++ {
		sum := 0.0
		for _, v := range x {
			sum += v
		}
		diff := 1.0 - sum
		if math.Abs(diff) <= 1e-9 {
			return
		}

		free := 0
		for _, v := range x {
			if (diff > 0 && v < hi) || (diff < 0 && v > lo) {
				free++
			}
		}
		if free == 0 {
			return
		}

		step := diff / float64(free)
		for i, v := range x {
			if (diff > 0 && v < hi) || (diff < 0 && v > lo) {
				x[i] = utils.Clamp(v+step, lo, hi)
			}
		}
	}
}
