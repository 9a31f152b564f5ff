package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// The exchange serves at most this many candles per request.
const maxCandlesPerRequest = 300

var granularitySeconds = map[types.Timeframe]int{
	types.Timeframe1h: 3600,
	types.Timeframe1d: 86400,
}

// CoinbaseConfig configures the public candles client.
type CoinbaseConfig struct {
	BaseURL         string        `json:"baseUrl"`
	RequestTimeout  time.Duration `json:"requestTimeout"`
	BreakerFailures uint32        `json:"breakerFailures"`
	BreakerTimeout  time.Duration `json:"breakerTimeout"`
}

// DefaultCoinbaseConfig points at the public exchange API. The breaker
// opens after three consecutive request failures.
func DefaultCoinbaseConfig() *CoinbaseConfig {
	return &CoinbaseConfig{
		BaseURL:         "https://api.exchange.coinbase.com",
		RequestTimeout:  30 * time.Second,
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
	}
}

// CoinbaseClient fetches historical candles from the unauthenticated
// products endpoint. Requests share a circuit breaker so a struggling
// venue fails the remaining assets fast instead of timing out one by
// one.
type CoinbaseClient struct {
	logger     *zap.Logger
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewCoinbaseClient creates a candles client.
func NewCoinbaseClient(logger *zap.Logger, config *CoinbaseConfig) *CoinbaseClient {
	if config == nil {
		config = DefaultCoinbaseConfig()
	}

	named := logger.Named("coinbase")
	settings := gobreaker.Settings{
		Name:    "coinbase-candles",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			named.Warn("breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &CoinbaseClient{
		logger:     named,
		baseURL:    config.BaseURL,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

// Fetch returns close-price series for every asset it could reach.
// Assets that fail stay out of the result.
func (c *CoinbaseClient) Fetch(ctx context.Context, assets []string, timeframe types.Timeframe, lookback time.Duration) (types.PriceSeries, error) {
	granularity, ok := granularitySeconds[timeframe]
	if !ok {
		return nil, fmt.Errorf("unsupported candle timeframe %s", timeframe)
	}

	end := time.Now().UTC()
	start := end.Add(-lookback)

	series := make(types.PriceSeries, len(assets))
	for _, asset := range assets {
		closes, err := c.fetchAsset(ctx, asset, granularity, start, end)
		if err != nil {
			c.logger.Warn("candle fetch failed",
				zap.String("asset", asset),
				zap.Error(err))
			continue
		}
		if len(closes) == 0 {
			c.logger.Warn("no candles returned", zap.String("asset", asset))
			continue
		}
		series[asset] = closes
		c.logger.Debug("candles fetched",
			zap.String("asset", asset),
			zap.Int("points", len(closes)))
	}

	return series, nil
}

// fetchAsset pages through the window and merges candles by timestamp.
func (c *CoinbaseClient) fetchAsset(ctx context.Context, product string, granularity int, start, end time.Time) ([]float64, error) {
	window := time.Duration(maxCandlesPerRequest*granularity) * time.Second
	closeByTime := make(map[int64]float64)

	for cursor := start; cursor.Before(end); cursor = cursor.Add(window) {
		pageEnd := cursor.Add(window)
		if pageEnd.After(end) {
			pageEnd = end
		}

		rows, err := c.fetchPage(ctx, product, granularity, cursor, pageEnd)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			// Rows are [time, low, high, open, close, volume].
			if len(row) >= 5 {
				closeByTime[int64(row[0])] = row[4]
			}
		}
	}

	times := make([]int64, 0, len(closeByTime))
	for ts := range closeByTime {
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	closes := make([]float64, len(times))
	for i, ts := range times {
		closes[i] = closeByTime[ts]
	}
	return closes, nil
}

func (c *CoinbaseClient) fetchPage(ctx context.Context, product string, granularity int, start, end time.Time) ([][]float64, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.requestCandles(ctx, product, granularity, start, end)
	})
	if err != nil {
		return nil, err
	}
	return result.([][]float64), nil
}

func (c *CoinbaseClient) requestCandles(ctx context.Context, product string, granularity int, start, end time.Time) ([][]float64, error) {
	params := url.Values{}
	params.Set("granularity", fmt.Sprintf("%d", granularity))
	params.Set("start", start.Format(time.RFC3339))
	params.Set("end", end.Format(time.RFC3339))

	endpoint := fmt.Sprintf("%s/products/%s/candles?%s", c.baseURL, product, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("candles request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var rows [][]float64
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse candles: %w", err)
	}
	return rows, nil
}
