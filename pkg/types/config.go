// Package types provides configuration types for the portfolio backend.
package types

import (
	"time"
)

// Config is the top-level configuration loaded by cmd/server.
// Component packages own their detailed config structs; cmd maps
// these primitive fields onto them.
type Config struct {
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Data       DataConfig       `json:"data" mapstructure:"data"`
	Engine     EngineConfig     `json:"engine" mapstructure:"engine"`
	Selection  SelectionConfig  `json:"selection" mapstructure:"selection"`
	Allocation AllocationConfig `json:"allocation" mapstructure:"allocation"`
	Broker     BrokerConfig     `json:"broker" mapstructure:"broker"`
	LogLevel   string           `json:"logLevel" mapstructure:"log_level"`
}

// ServerConfig represents the HTTP/WS server configuration
type ServerConfig struct {
	Host         string        `json:"host" mapstructure:"host"`
	Port         int           `json:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableCORS   bool          `json:"enableCors" mapstructure:"enable_cors"`
}

// DataConfig represents market/sentiment data configuration
type DataConfig struct {
	Universe      []string      `json:"universe" mapstructure:"universe"`
	Timeframe     string        `json:"timeframe" mapstructure:"timeframe"`
	Lookback      time.Duration `json:"lookback" mapstructure:"lookback"`
	MinPoints     int           `json:"minPoints" mapstructure:"min_points"`
	MinAssets     int           `json:"minAssets" mapstructure:"min_assets"`
	FetchTimeout  time.Duration `json:"fetchTimeout" mapstructure:"fetch_timeout"`
	CacheMaxAge   time.Duration `json:"cacheMaxAge" mapstructure:"cache_max_age"`
	MarketDataURL string        `json:"marketDataUrl" mapstructure:"market_data_url"`
	SentimentURL  string        `json:"sentimentUrl" mapstructure:"sentiment_url"`
}

// EngineConfig represents the rebalance engine profile
type EngineConfig struct {
	Threshold        float64       `json:"threshold" mapstructure:"threshold"`
	CooldownHours    float64       `json:"cooldownHours" mapstructure:"cooldown_hours"`
	MaxTradesPerDay  int           `json:"maxTradesPerDay" mapstructure:"max_trades_per_day"`
	StopLossPct      float64       `json:"stopLossPct" mapstructure:"stop_loss_pct"`
	CycleInterval    time.Duration `json:"cycleInterval" mapstructure:"cycle_interval"`
	FailureBackoff   time.Duration `json:"failureBackoff" mapstructure:"failure_backoff"`
	BreakerRetry     time.Duration `json:"breakerRetry" mapstructure:"breaker_retry"`
	ExtendedCooldown time.Duration `json:"extendedCooldown" mapstructure:"extended_cooldown"`
}

// SelectionConfig represents asset selector tunables
type SelectionConfig struct {
	RiskLambda float64 `json:"riskLambda" mapstructure:"risk_lambda"`
	Restarts   int     `json:"restarts" mapstructure:"restarts"`
	Seed       int64   `json:"seed" mapstructure:"seed"`
}

// AllocationConfig represents weight allocator tunables
type AllocationConfig struct {
	Confidence   float64 `json:"confidence" mapstructure:"confidence"`
	RiskAversion float64 `json:"riskAversion" mapstructure:"risk_aversion"`
	ValidateCVaR bool    `json:"validateCvar" mapstructure:"validate_cvar"`
}

// BrokerConfig represents paper broker configuration
type BrokerConfig struct {
	StartingCash float64 `json:"startingCash" mapstructure:"starting_cash"`
	SlippageBps  float64 `json:"slippageBps" mapstructure:"slippage_bps"`
}

// DefaultUniverse is the default 20-asset USD candidate set.
var DefaultUniverse = []string{
	"BTC-USD", "ETH-USD", "SOL-USD", "AVAX-USD", "ADA-USD",
	"DOT-USD", "MATIC-USD", "LINK-USD", "UNI-USD", "AAVE-USD",
	"ATOM-USD", "ALGO-USD", "XLM-USD", "ICP-USD", "FIL-USD",
	"NEAR-USD", "HBAR-USD", "VET-USD", "SAND-USD", "XTZ-USD",
}

// DefaultConfig returns the configuration used when no file or
// environment overrides are present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			EnableCORS:   true,
		},
		Data: DataConfig{
			Universe:      DefaultUniverse,
			Timeframe:     "1h",
			Lookback:      14 * 24 * time.Hour,
			MinPoints:     50,
			MinAssets:     10,
			FetchTimeout:  30 * time.Second,
			CacheMaxAge:   24 * time.Hour,
			MarketDataURL: "https://api.exchange.coinbase.com",
		},
		Engine: EngineConfig{
			Threshold:        0.03,
			CooldownHours:    6,
			MaxTradesPerDay:  10,
			StopLossPct:      -0.10,
			CycleInterval:    4 * time.Hour,
			FailureBackoff:   5 * time.Minute,
			BreakerRetry:     30 * time.Minute,
			ExtendedCooldown: 24 * time.Hour,
		},
		Selection: SelectionConfig{
			RiskLambda: 0.5,
			Restarts:   100,
			Seed:       0,
		},
		Allocation: AllocationConfig{
			Confidence:   0.95,
			RiskAversion: 1.0,
			ValidateCVaR: false,
		},
		Broker: BrokerConfig{
			StartingCash: 10000,
			SlippageBps:  5,
		},
		LogLevel: "info",
	}
}
