package data

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
	"github.com/meridian-quant/portfolio-backend/pkg/utils"
)

// MarketBatch is the validated input a cycle runs on.
type MarketBatch struct {
	Series    types.PriceSeries `json:"series"`
	Assets    []string          `json:"assets"`
	FromCache bool              `json:"fromCache"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// Service runs the fetch-validate-cache pipeline over the configured
// universe. A failed or under-covered fetch falls back to the cached
// snapshot before the cycle is given up on.
type Service struct {
	logger    *zap.Logger
	market    MarketDataProvider
	sentiment SentimentProvider
	cache     *Cache
	validator *Validator
	universe  []string
	timeframe types.Timeframe
	lookback  time.Duration
}

// NewService wires the providers to the configured universe. Universe
// entries are normalized to BASE-QUOTE form so config typos like
// "btc/usd" still resolve.
func NewService(logger *zap.Logger, config types.DataConfig, market MarketDataProvider, sentiment SentimentProvider) *Service {
	named := logger.Named("data")

	universe := make([]string, 0, len(config.Universe))
	for _, symbol := range config.Universe {
		universe = append(universe, utils.FormatSymbol(symbol))
	}

	return &Service{
		logger:    named,
		market:    market,
		sentiment: sentiment,
		cache:     NewCache(named, config.CacheMaxAge),
		validator: NewValidator(named, config.MinPoints, config.MinAssets),
		universe:  universe,
		timeframe: types.Timeframe(config.Timeframe),
		lookback:  config.Lookback,
	}
}

// Universe returns the configured asset universe.
func (s *Service) Universe() []string {
	return append([]string(nil), s.universe...)
}

// MarketData fetches and validates price history for the universe,
// serving the cached snapshot when the venue cannot.
func (s *Service) MarketData(ctx context.Context) (*MarketBatch, error) {
	series, err := s.market.Fetch(ctx, s.universe, s.timeframe, s.lookback)
	if err == nil {
		aligned, kept, verr := s.validator.Validate(series)
		if verr == nil {
			s.cache.Store(aligned, kept)
			return &MarketBatch{
				Series:    aligned,
				Assets:    kept,
				FetchedAt: time.Now().UTC(),
			}, nil
		}
		err = verr
	}

	if snapshot, ok := s.cache.Load(); ok {
		s.logger.Warn("serving market data from cache",
			zap.Time("fetched_at", snapshot.FetchedAt),
			zap.Error(err))
		return &MarketBatch{
			Series:    snapshot.Series,
			Assets:    snapshot.Assets,
			FromCache: true,
			FetchedAt: snapshot.FetchedAt,
		}, nil
	}

	return nil, fmt.Errorf("market data unavailable: %w", err)
}

// Sentiment returns scores for the given assets, neutral 0 wherever
// the provider came up empty.
func (s *Service) Sentiment(ctx context.Context, assets []string) map[string]float64 {
	return s.sentiment.Fetch(ctx, assets)
}
