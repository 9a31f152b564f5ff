// Package signals computes the per-asset composite alpha signal used as
// the selection reward: a weighted blend of momentum, sentiment, and
// mean reversion.
package signals

import (
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
	"github.com/meridian-quant/portfolio-backend/pkg/utils"
)

// Config configures the lookback windows and blend weights.
type Config struct {
	ShortWindow  int `json:"shortWindow"`  // periods for short momentum
	MediumWindow int `json:"mediumWindow"` // periods for medium momentum
	MAWindow     int `json:"maWindow"`     // periods for the mean-reversion MA

	ShortMomentumWeight  float64 `json:"shortMomentumWeight"`
	MediumMomentumWeight float64 `json:"mediumMomentumWeight"`

	MomentumWeight      float64 `json:"momentumWeight"`
	SentimentWeight     float64 `json:"sentimentWeight"`
	MeanReversionWeight float64 `json:"meanReversionWeight"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ShortWindow:          24,
		MediumWindow:         72,
		MAWindow:             24,
		ShortMomentumWeight:  0.7,
		MediumMomentumWeight: 0.3,
		MomentumWeight:       0.5,
		SentimentWeight:      0.3,
		MeanReversionWeight:  0.2,
	}
}

// Scorer computes composite alpha scores.
type Scorer struct {
	logger *zap.Logger
	config *Config
}

// NewScorer creates an alpha scorer.
func NewScorer(logger *zap.Logger, config *Config) *Scorer {
	if config == nil {
		config = DefaultConfig()
	}

	return &Scorer{
		logger: logger.Named("signals"),
		config: config,
	}
}

// Score computes the composite alpha for every asset in the series.
// A degenerate series yields alpha 0 for that asset only; one bad asset
// never aborts the batch. Missing sentiment defaults to neutral 0.
func (s *Scorer) Score(prices types.PriceSeries, sentiment map[string]float64) map[string]types.AlphaScore {
	scores := make(map[string]types.AlphaScore, len(prices))

	for asset, series := range prices {
		score := s.scoreAsset(asset, series, sentiment[asset])
		scores[asset] = score
	}

	return scores
}

func (s *Scorer) scoreAsset(asset string, series []float64, sentiment float64) types.AlphaScore {
	if len(series) < 2 {
		s.logger.Warn("insufficient history for alpha, scoring zero",
			zap.String("asset", asset),
			zap.Int("points", len(series)),
		)
		return types.AlphaScore{Asset: asset}
	}

	momentum := s.config.ShortMomentumWeight*windowReturn(series, s.config.ShortWindow) +
		s.config.MediumMomentumWeight*windowReturn(series, s.config.MediumWindow)

	current := series[len(series)-1]
	meanRev := 0.0
	if current > 0 {
		window := s.config.MAWindow
		if window > len(series) {
			window = len(series)
		}
		ma := utils.Mean(series[len(series)-window:])
		meanRev = (ma - current) / current
	}

	composite := s.config.MomentumWeight*momentum +
		s.config.SentimentWeight*sentiment +
		s.config.MeanReversionWeight*meanRev

	return types.AlphaScore{
		Asset:         asset,
		Momentum:      momentum,
		Sentiment:     sentiment,
		MeanReversion: meanRev,
		Composite:     composite,
	}
}

// windowReturn is the percentage return over the last n periods, or 0
// when the series is too short for the window.
func windowReturn(series []float64, n int) float64 {
	if n <= 0 || len(series) <= n {
		return 0
	}

	past := series[len(series)-1-n]
	if past == 0 {
		return 0
	}
	return (series[len(series)-1] - past) / past
}

// Composites flattens a score map to asset -> composite alpha.
func Composites(scores map[string]types.AlphaScore) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for asset, score := range scores {
		out[asset] = score.Composite
	}
	return out
}
