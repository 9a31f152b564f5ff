// Package optimization selects the portfolio's asset subset by solving a
// quadratic binary program: reward selected alpha, penalize pairwise
// correlation, and force the regime's target cardinality through a
// quadratic penalty. Solved by simulated annealing with restarts.
package optimization

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
	"github.com/meridian-quant/portfolio-backend/pkg/utils"
)

// Config configures the selector.
type Config struct {
	RiskLambda        float64 `json:"riskLambda"`        // weight on the correlation penalty
	Restarts          int     `json:"restarts"`          // annealing restarts (samples)
	Sweeps            int     `json:"sweeps"`            // sweeps per restart
	StartTemp         float64 `json:"startTemp"`         // initial annealing temperature
	EndTemp           float64 `json:"endTemp"`           // final annealing temperature
	CorrelationWindow int     `json:"correlationWindow"` // recent return rows for the correlation matrix
	Seed              int64   `json:"seed"`              // 0 seeds from the clock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RiskLambda:        0.5,
		Restarts:          100,
		Sweeps:            200,
		StartTemp:         2.0,
		EndTemp:           0.01,
		CorrelationWindow: 48,
		Seed:              0,
	}
}

// Selector owns the selection solve. Not safe for concurrent use; the
// orchestrator runs at most one cycle at a time.
type Selector struct {
	logger *zap.Logger
	config *Config
	rng    *rand.Rand
}

// NewSelector creates a selector. A zero seed falls back to the clock.
func NewSelector(logger *zap.Logger, config *Config) *Selector {
	if config == nil {
		config = DefaultConfig()
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Selector{
		logger: logger.Named("selector"),
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// RiskLambda returns the current correlation penalty weight.
func (s *Selector) RiskLambda() float64 {
	return s.config.RiskLambda
}

// SetRiskLambda updates the correlation penalty weight; called by the
// tuning step between cycles.
func (s *Selector) SetRiskLambda(lambda float64) {
	s.config.RiskLambda = lambda
}

// Select picks assets for the portfolio. The primary path anneals the
// binary program and may return a count different from nTarget; the
// fallback path ranks by alpha and returns exactly nTarget (or all
// candidates when fewer exist). An empty result means hard failure.
func (s *Selector) Select(prices types.PriceSeries, alphas map[string]float64, nTarget int) types.SelectionResult {
	assets := prices.Assets()
	sort.Strings(assets)

	if len(assets) == 0 || nTarget <= 0 {
		s.logger.Error("selection failed: no candidates",
			zap.Int("assets", len(assets)),
			zap.Int("n_target", nTarget),
		)
		return types.SelectionResult{Outcome: types.SelectionFailed}
	}

	corr, err := s.correlationMatrix(assets, prices)
	if err != nil {
		s.logger.Warn("correlation unavailable, using alpha ranking",
			zap.Error(err),
		)
		return s.fallback(assets, alphas, nTarget)
	}

	problem := buildProblem(assets, alphas, corr, nTarget, s.config.RiskLambda)

	best, energy := s.anneal(problem)
	selected := make([]string, 0, nTarget)
	for i, chosen := range best {
		if chosen {
			selected = append(selected, assets[i])
		}
	}

	if len(selected) == 0 {
		s.logger.Warn("annealer returned empty selection, using alpha ranking")
		return s.fallback(assets, alphas, nTarget)
	}

	s.logger.Info("selection solved",
		zap.Int("selected", len(selected)),
		zap.Int("n_target", nTarget),
		zap.Float64("energy", energy),
		zap.Int("samples", s.config.Restarts),
	)

	return types.SelectionResult{
		Assets:  selected,
		Outcome: types.SelectionSolved,
		Energy:  energy,
		Samples: s.config.Restarts,
	}
}

// fallback ranks candidates by descending alpha (symbol as tiebreak)
// and returns exactly nTarget, or every candidate when fewer exist.
func (s *Selector) fallback(assets []string, alphas map[string]float64, nTarget int) types.SelectionResult {
	ranked := make([]string, len(assets))
	copy(ranked, assets)

	sort.SliceStable(ranked, func(i, j int) bool {
		ai, aj := alphas[ranked[i]], alphas[ranked[j]]
		if ai != aj {
			return ai > aj
		}
		return ranked[i] < ranked[j]
	})

	if nTarget < len(ranked) {
		ranked = ranked[:nTarget]
	}

	s.logger.Info("selection fell back to alpha ranking",
		zap.Int("selected", len(ranked)),
		zap.Int("n_target", nTarget),
	)

	return types.SelectionResult{
		Assets:  ranked,
		Outcome: types.SelectionFallback,
		Samples: 0,
	}
}

// correlationMatrix computes pairwise correlations over the most recent
// return rows (bounded by the configured window).
func (s *Selector) correlationMatrix(assets []string, prices types.PriceSeries) (*mat.SymDense, error) {
	cols := len(assets)
	returns := make([][]float64, cols)
	rows := math.MaxInt

	for i, asset := range assets {
		returns[i] = utils.Returns(prices[asset])
		if len(returns[i]) < rows {
			rows = len(returns[i])
		}
	}

	if rows > s.config.CorrelationWindow {
		rows = s.config.CorrelationWindow
	}
	if rows < 2 {
		return nil, errors.New("not enough return observations")
	}

	data := mat.NewDense(rows, cols, nil)
	for j, series := range returns {
		tail := series[len(series)-rows:]
		for i, r := range tail {
			data.Set(i, j, r)
		}
	}

	corr := mat.NewSymDense(cols, nil)
	stat.CorrelationMatrix(corr, data, nil)

	for i := 0; i < cols; i++ {
		for j := i; j < cols; j++ {
			if math.IsNaN(corr.At(i, j)) {
				return nil, errors.New("correlation matrix contains NaN")
			}
		}
	}

	return corr, nil
}

// problem is the dense binary-quadratic formulation handed to the annealer.
type problem struct {
	n       int
	alphas  []float64
	corr    *mat.SymDense
	lambda  float64
	penalty float64
	target  int
}

func buildProblem(assets []string, alphas map[string]float64, corr *mat.SymDense, nTarget int, lambda float64) *problem {
	values := make([]float64, len(assets))
	maxAbs := 0.0
	for i, asset := range assets {
		values[i] = alphas[asset]
		if abs := math.Abs(values[i]); abs > maxAbs {
			maxAbs = abs
		}
	}

	// Cardinality penalty dominates any feasible alpha/correlation
	// trade-off.
	penalty := 2.0 * maxAbs
	if penalty == 0 {
		penalty = 2.0
	}

	return &problem{
		n:       len(assets),
		alphas:  values,
		corr:    corr,
		lambda:  lambda,
		penalty: penalty,
		target:  nTarget,
	}
}

// energy evaluates the full objective for a state.
func (p *problem) energy(state []bool) float64 {
	count := 0
	linear := 0.0
	for i, chosen := range state {
		if !chosen {
			continue
		}
		count++
		linear -= p.alphas[i]
	}

	quad := 0.0
	for i := 0; i < p.n; i++ {
		if !state[i] {
			continue
		}
		for j := i + 1; j < p.n; j++ {
			if state[j] {
				quad += p.corr.At(i, j)
			}
		}
	}

	diff := float64(count - p.target)
	return linear + p.lambda*quad + p.penalty*diff*diff
}

// flipDelta is the energy change from flipping bit k in state.
func (p *problem) flipDelta(state []bool, count, k int) float64 {
	coupling := 0.0
	for j := 0; j < p.n; j++ {
		if j != k && state[j] {
			coupling += p.corr.At(k, j)
		}
	}

	diff := float64(count - p.target)
	if state[k] {
		// 1 -> 0
		return p.alphas[k] - p.lambda*coupling + p.penalty*((diff-1)*(diff-1)-diff*diff)
	}
	// 0 -> 1
	return -p.alphas[k] + p.lambda*coupling + p.penalty*((diff+1)*(diff+1)-diff*diff)
}
