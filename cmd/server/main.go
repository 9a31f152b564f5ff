// Package main is the entry point for the portfolio backend: an
// autonomous rebalance loop with regime-aware asset selection, CVaR
// allocation, and a paper brokerage, fronted by an HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridian-quant/portfolio-backend/internal/allocation"
	"github.com/meridian-quant/portfolio-backend/internal/api"
	"github.com/meridian-quant/portfolio-backend/internal/broker"
	"github.com/meridian-quant/portfolio-backend/internal/data"
	"github.com/meridian-quant/portfolio-backend/internal/events"
	"github.com/meridian-quant/portfolio-backend/internal/execution"
	"github.com/meridian-quant/portfolio-backend/internal/metrics"
	"github.com/meridian-quant/portfolio-backend/internal/optimization"
	"github.com/meridian-quant/portfolio-backend/internal/orchestrator"
	"github.com/meridian-quant/portfolio-backend/internal/performance"
	"github.com/meridian-quant/portfolio-backend/internal/rebalance"
	"github.com/meridian-quant/portfolio-backend/internal/regime"
	"github.com/meridian-quant/portfolio-backend/internal/signals"
	"github.com/meridian-quant/portfolio-backend/internal/workers"
	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}

	logger := setupLogger(config.LogLevel)
	defer logger.Sync()

	logger.Info("Starting portfolio backend",
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port),
		zap.Int("universe", len(config.Data.Universe)),
		zap.Duration("cycleInterval", config.Engine.CycleInterval),
	)

	// Market and sentiment data.
	coinbaseConfig := data.DefaultCoinbaseConfig()
	if config.Data.MarketDataURL != "" {
		coinbaseConfig.BaseURL = config.Data.MarketDataURL
	}
	if config.Data.FetchTimeout > 0 {
		coinbaseConfig.RequestTimeout = config.Data.FetchTimeout
	}
	market := data.NewCoinbaseClient(logger, coinbaseConfig)

	var sentiment data.SentimentProvider
	if config.Data.SentimentURL != "" {
		sentiment = data.NewHTTPSentiment(logger, config.Data.SentimentURL, config.Data.FetchTimeout)
	} else {
		logger.Info("No sentiment URL configured, scoring on price signals only")
		sentiment = data.NewStaticSentiment(nil)
	}

	dataService := data.NewService(logger, config.Data, market, sentiment)

	// Brokerage, history, and order submission.
	paper := broker.NewPaperBroker(logger, &broker.PaperConfig{
		StartingCash: decimal.NewFromFloat(config.Broker.StartingCash),
		SlippageBps:  int64(config.Broker.SlippageBps),
	})
	tracker := performance.NewTracker(logger)
	executor := execution.NewExecutor(logger, execution.DefaultConfig(), paper, tracker)

	engineConfig := rebalance.DefaultConfig()
	engineConfig.Threshold = config.Engine.Threshold
	engineConfig.Cooldown = time.Duration(config.Engine.CooldownHours * float64(time.Hour))
	engineConfig.MaxTradesPerDay = config.Engine.MaxTradesPerDay
	engineConfig.StopLossPct = config.Engine.StopLossPct
	engine := rebalance.NewEngine(logger, engineConfig, paper, executor, tracker)

	// Events, metrics, and the fetch pool.
	bus := events.NewBus(logger, events.DefaultConfig())
	collectors := metrics.NewMetrics()
	collectors.Attach(bus)

	pool := workers.NewPool(logger, workers.DefaultConfig("cycle"))
	pool.Start()

	// Strategy pipeline.
	detector := regime.NewDetector(logger, regime.DefaultConfig())
	scorer := signals.NewScorer(logger, signals.DefaultConfig())

	selectorConfig := optimization.DefaultConfig()
	selectorConfig.RiskLambda = config.Selection.RiskLambda
	selectorConfig.Restarts = config.Selection.Restarts
	selectorConfig.Seed = config.Selection.Seed
	selector := optimization.NewSelector(logger, selectorConfig)

	allocatorConfig := allocation.DefaultConfig()
	allocatorConfig.Confidence = config.Allocation.Confidence
	allocatorConfig.RiskAversion = config.Allocation.RiskAversion
	allocatorConfig.ValidateCVaR = config.Allocation.ValidateCVaR
	allocator := allocation.NewAllocator(logger, allocatorConfig)

	tuner := performance.NewTuner(logger, performance.DefaultTuningConfig())

	orchConfig := orchestrator.DefaultConfig()
	if config.Engine.CycleInterval > 0 {
		orchConfig.CycleInterval = config.Engine.CycleInterval
	}
	if config.Engine.FailureBackoff > 0 {
		orchConfig.FailureBackoff = config.Engine.FailureBackoff
	}
	if config.Engine.BreakerRetry > 0 {
		orchConfig.BreakerRetry = config.Engine.BreakerRetry
	}
	if config.Engine.ExtendedCooldown > 0 {
		orchConfig.ExtendedCooldown = config.Engine.ExtendedCooldown
	}

	orch, err := orchestrator.NewOrchestrator(logger, orchConfig, orchestrator.Components{
		Data:       dataService,
		Detector:   detector,
		Scorer:     scorer,
		Selector:   selector,
		Allocator:  allocator,
		Broker:     paper,
		Engine:     engine,
		Tracker:    tracker,
		Tuner:      tuner,
		RiskPolicy: performance.HoldRiskAversion{},
		Bus:        bus,
		Pool:       pool,
		Metrics:    collectors,
	})
	if err != nil {
		logger.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}

	server := api.NewServer(logger, &config.Server, api.Deps{
		Orchestrator: orch,
		History:      tracker,
		Broker:       paper,
		Bus:          bus,
		Metrics:      collectors.Handler(),
	})

	if err := orch.Start(); err != nil {
		logger.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", config.Server.Host, config.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", config.Server.Host, config.Server.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	orch.Stop()

	if err := pool.Stop(); err != nil {
		logger.Error("Error stopping worker pool", zap.Error(err))
	}

	bus.Stop()

	logger.Info("Server stopped")
}

// loadConfig layers defaults, an optional YAML file, and PORTFOLIO_*
// environment variables. Without an explicit path it looks for
// config.yaml in the working directory and runs on defaults when none
// exists.
func loadConfig(path string) (types.Config, error) {
	config := types.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PORTFOLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, config)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config, fmt.Errorf("reading %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return config, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshaling config: %w", err)
	}
	return config, nil
}

// setDefaults registers every key so environment overrides resolve.
func setDefaults(v *viper.Viper, config types.Config) {
	v.SetDefault("server.host", config.Server.Host)
	v.SetDefault("server.port", config.Server.Port)
	v.SetDefault("server.read_timeout", config.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", config.Server.WriteTimeout)
	v.SetDefault("server.enable_cors", config.Server.EnableCORS)

	v.SetDefault("data.universe", config.Data.Universe)
	v.SetDefault("data.timeframe", config.Data.Timeframe)
	v.SetDefault("data.lookback", config.Data.Lookback)
	v.SetDefault("data.min_points", config.Data.MinPoints)
	v.SetDefault("data.min_assets", config.Data.MinAssets)
	v.SetDefault("data.fetch_timeout", config.Data.FetchTimeout)
	v.SetDefault("data.cache_max_age", config.Data.CacheMaxAge)
	v.SetDefault("data.market_data_url", config.Data.MarketDataURL)
	v.SetDefault("data.sentiment_url", config.Data.SentimentURL)

	v.SetDefault("engine.threshold", config.Engine.Threshold)
	v.SetDefault("engine.cooldown_hours", config.Engine.CooldownHours)
	v.SetDefault("engine.max_trades_per_day", config.Engine.MaxTradesPerDay)
	v.SetDefault("engine.stop_loss_pct", config.Engine.StopLossPct)
	v.SetDefault("engine.cycle_interval", config.Engine.CycleInterval)
	v.SetDefault("engine.failure_backoff", config.Engine.FailureBackoff)
	v.SetDefault("engine.breaker_retry", config.Engine.BreakerRetry)
	v.SetDefault("engine.extended_cooldown", config.Engine.ExtendedCooldown)

	v.SetDefault("selection.risk_lambda", config.Selection.RiskLambda)
	v.SetDefault("selection.restarts", config.Selection.Restarts)
	v.SetDefault("selection.seed", config.Selection.Seed)

	v.SetDefault("allocation.confidence", config.Allocation.Confidence)
	v.SetDefault("allocation.risk_aversion", config.Allocation.RiskAversion)
	v.SetDefault("allocation.validate_cvar", config.Allocation.ValidateCVaR)

	v.SetDefault("broker.starting_cash", config.Broker.StartingCash)
	v.SetDefault("broker.slippage_bps", config.Broker.SlippageBps)

	v.SetDefault("log_level", config.LogLevel)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
