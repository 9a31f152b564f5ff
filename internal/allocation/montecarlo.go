package allocation

import (
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/meridian-quant/portfolio-backend/pkg/utils"
)

// validateCVaR cross-checks the historical CVaR estimate against a
// Gaussian simulation of portfolio returns. The result is logged only;
// the solved weights stand either way.
func (a *Allocator) validateCVaR(assets []string, weights map[string]float64, returns *mat.Dense, historical float64) {
	rows, cols := dims(returns)
	if rows < 2 {
		return
	}

	w := make([]float64, cols)
	for i, asset := range assets {
		w[i] = weights[asset]
	}

	series := make([]float64, rows)
	for t := 0; t < rows; t++ {
		var r float64
		for j := 0; j < cols; j++ {
			r += returns.At(t, j) * w[j]
		}
		series[t] = r
	}

	mean := utils.Mean(series)
	sigma := utils.StdDev(series)
	if sigma <= 0 {
		return
	}

	seed := a.config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	dist := distuv.Normal{
		Mu:    mean,
		Sigma: sigma,
		Src:   rand.NewPCG(uint64(seed), uint64(seed)+1),
	}

	samples := a.config.Samples
	if samples < 100 {
		samples = 100
	}
	losses := make([]float64, samples)
	for i := range losses {
		losses[i] = -dist.Rand()
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
		return
	}
	simulated := tailSum / float64(tailCount)

	a.logger.Info("cvar validation",
		zap.Float64("historical", historical),
		zap.Float64("simulated", simulated),
		zap.Float64("gap", math.Abs(historical-simulated)),
	)
}
