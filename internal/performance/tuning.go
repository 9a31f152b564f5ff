package performance

import (
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// TuningConfig configures the periodic hyperparameter review.
type TuningConfig struct {
	Interval      int     `json:"interval"`      // cycles between reviews
	MinRebalances int     `json:"minRebalances"` // minimum history before tuning
	HighVolShare  float64 `json:"highVolShare"`  // high-volatility share that triggers a bump
	LambdaFactor  float64 `json:"lambdaFactor"`  // multiplicative lambda step
	MaxLambda     float64 `json:"maxLambda"`     // lambda ceiling
}

// DefaultTuningConfig returns sensible defaults. With four-hour cycles
// the 42-cycle interval reviews roughly once a week.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		Interval:      42,
		MinRebalances: 10,
		HighVolShare:  0.3,
		LambdaFactor:  1.5,
		MaxLambda:     1.5,
	}
}

// Tuner reviews recorded history and adjusts the selection risk lambda.
type Tuner struct {
	logger *zap.Logger
	config *TuningConfig
}

// NewTuner creates a tuner.
func NewTuner(logger *zap.Logger, config *TuningConfig) *Tuner {
	if config == nil {
		config = DefaultTuningConfig()
	}
	return &Tuner{
		logger: logger.Named("tuner"),
		config: config,
	}
}

// Interval returns the number of cycles between reviews.
func (t *Tuner) Interval() int {
	return t.config.Interval
}

// TuneLambda raises the correlation penalty when a disproportionate
// share of recorded rebalances happened in a high-volatility regime.
// Returns the new lambda and whether it changed.
func (t *Tuner) TuneLambda(report types.Report, current float64) (float64, bool) {
	if report.TotalRebalances <= t.config.MinRebalances {
		return current, false
	}

	highVol := report.RegimeDistribution[types.RegimeHighVolatility]
	if float64(highVol) <= float64(report.TotalRebalances)*t.config.HighVolShare {
		return current, false
	}

	next := current * t.config.LambdaFactor
	if next > t.config.MaxLambda {
		next = t.config.MaxLambda
	}
	if next == current {
		return current, false
	}

	t.logger.Info("tuning risk lambda",
		zap.Float64("from", current),
		zap.Float64("to", next),
		zap.Int("high_vol_rebalances", highVol),
		zap.Int("total_rebalances", report.TotalRebalances),
	)
	return next, true
}

// RiskAversionPolicy decides the allocator's risk aversion at each
// tuning review.
type RiskAversionPolicy interface {
	Name() string
	Adjust(report types.Report, current float64) float64
}

// HoldRiskAversion keeps the current risk aversion unchanged.
type HoldRiskAversion struct{}

// Name implements RiskAversionPolicy.
func (HoldRiskAversion) Name() string { return "hold" }

// Adjust implements RiskAversionPolicy.
func (HoldRiskAversion) Adjust(_ types.Report, current float64) float64 { return current }
