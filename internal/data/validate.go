package data

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// Validator enforces the sufficiency rules a cycle's price history must
// meet before any optimization runs on it.
type Validator struct {
	logger    *zap.Logger
	minPoints int
	minAssets int
}

// NewValidator creates a validator. Assets with fewer than minPoints
// observations are dropped; fewer than minAssets survivors fails the
// whole batch.
func NewValidator(logger *zap.Logger, minPoints, minAssets int) *Validator {
	return &Validator{
		logger:    logger.Named("validator"),
		minPoints: minPoints,
		minAssets: minAssets,
	}
}

// Validate drops under-covered assets and aligns the survivors to the
// shortest series by trimming from the front. The returned asset list
// is sorted.
func (v *Validator) Validate(series types.PriceSeries) (types.PriceSeries, []string, error) {
	kept := make([]string, 0, len(series))
	minLength := 0

	for asset, prices := range series {
		if len(prices) < v.minPoints {
			v.logger.Warn("dropping asset with insufficient history",
				zap.String("asset", asset),
				zap.Int("points", len(prices)),
				zap.Int("required", v.minPoints))
			continue
		}
		kept = append(kept, asset)
		if minLength == 0 || len(prices) < minLength {
			minLength = len(prices)
		}
	}

	if len(kept) < v.minAssets {
		return nil, nil, fmt.Errorf("only %d of %d assets have sufficient data, need %d",
			len(kept), len(series), v.minAssets)
	}
	sort.Strings(kept)

	aligned := make(types.PriceSeries, len(kept))
	for _, asset := range kept {
		prices := series[asset]
		aligned[asset] = prices[len(prices)-minLength:]
	}

	v.logger.Info("market data validated",
		zap.Int("assets", len(kept)),
		zap.Int("periods", minLength))

	return aligned, kept, nil
}
