// Package regime classifies market volatility into a coarse regime and
// the target portfolio cardinality it implies.
package regime

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
	"github.com/meridian-quant/portfolio-backend/pkg/utils"
)

// Config configures the volatility thresholds and the portfolio size
// chosen for each regime.
type Config struct {
	HighVolThreshold float64 `json:"highVolThreshold"`
	LowVolThreshold  float64 `json:"lowVolThreshold"`
	HighVolAssets    int     `json:"highVolAssets"`
	LowVolAssets     int     `json:"lowVolAssets"`
	NormalAssets     int     `json:"normalAssets"`
}

// DefaultConfig returns sensible defaults.
// High volatility spreads wide (20 assets), low volatility concentrates (5).
func DefaultConfig() *Config {
	return &Config{
		HighVolThreshold: 0.05,
		LowVolThreshold:  0.02,
		HighVolAssets:    20,
		LowVolAssets:     5,
		NormalAssets:     10,
	}
}

// Detector classifies average cross-asset return volatility.
// Detection itself is a pure function of the input series; the detector
// only keeps the last state for the status surface.
type Detector struct {
	logger *zap.Logger
	config *Config

	mu    sync.RWMutex
	state *types.RegimeState
}

// NewDetector creates a regime detector.
func NewDetector(logger *zap.Logger, config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}

	return &Detector{
		logger: logger.Named("regime"),
		config: config,
	}
}

// Detect computes the average per-asset return standard deviation and
// maps it onto a regime with its target cardinality. Deterministic
// given identical input.
func (d *Detector) Detect(prices types.PriceSeries) types.RegimeState {
	vols := make([]float64, 0, len(prices))
	for _, series := range prices {
		returns := utils.Returns(series)
		if len(returns) < 2 {
			continue
		}
		vols = append(vols, utils.StdDev(returns))
	}

	avgVol := utils.Mean(vols)

	regime := types.RegimeNormal
	target := d.config.NormalAssets
	switch {
	case len(vols) > 0 && avgVol > d.config.HighVolThreshold:
		regime = types.RegimeHighVolatility
		target = d.config.HighVolAssets
	case len(vols) > 0 && avgVol < d.config.LowVolThreshold:
		regime = types.RegimeLowVolatility
		target = d.config.LowVolAssets
	}

	state := types.RegimeState{
		Regime:       regime,
		Volatility:   avgVol,
		TargetAssets: target,
		SampleAssets: len(vols),
		DetectedAt:   time.Now(),
	}

	d.mu.Lock()
	d.state = &state
	d.mu.Unlock()

	d.logger.Info("regime detected",
		zap.String("regime", string(regime)),
		zap.Float64("avg_volatility", avgVol),
		zap.Int("target_assets", target),
		zap.Int("sample_assets", len(vols)),
	)

	return state
}

// Current returns the most recent regime state, or a neutral default
// when detection has not run yet.
func (d *Detector) Current() types.RegimeState {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.state == nil {
		return types.RegimeState{
			Regime:       types.RegimeNormal,
			TargetAssets: d.config.NormalAssets,
		}
	}
	return *d.state
}
