package orchestrator_test

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/internal/allocation"
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

type stubMarket struct {
	series types.PriceSeries
	err    error
}

func (s *stubMarket) Fetch(_ context.Context, _ []string, _ types.Timeframe, _ time.Duration) (types.PriceSeries, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.series, nil
}

func trendSeries(start, drift float64, n int) []float64 {
	series := make([]float64, n)
	price := start
	for i := range series {
		series[i] = price
		price *= 1 + drift + 0.004*math.Sin(float64(i))
	}
	return series
}

func marketSeries() types.PriceSeries {
	return types.PriceSeries{
		"BTC-USD": trendSeries(50000, 0.004, 64),
		"ETH-USD": trendSeries(3000, 0.002, 64),
		"SOL-USD": trendSeries(150, -0.003, 64),
	}
}

type harness struct {
	orch    *orchestrator.Orchestrator
	market  *stubMarket
	broker  *broker.PaperBroker
	tracker *performance.Tracker
	bus     *events.Bus
}

func testConfig() *orchestrator.Config {
	return &orchestrator.Config{
		CycleInterval:          4 * time.Hour,
		FailureBackoff:         5 * time.Minute,
		BreakerRetry:           30 * time.Minute,
		ExtendedCooldown:       24 * time.Hour,
		MaxConsecutiveFailures: 3,
	}
}

func testEngineConfig() *rebalance.Config {
	config := rebalance.DefaultConfig()
	config.Cooldown = 0
	config.MaxTradesPerDay = 100
	config.SettleDelay = 0
	return config
}

func newHarness(t *testing.T, config *orchestrator.Config, engineConfig *rebalance.Config) *harness {
	t.Helper()
	logger := zap.NewNop()

	market := &stubMarket{series: marketSeries()}
	service := data.NewService(logger, types.DataConfig{
		Universe:    []string{"BTC-USD", "ETH-USD", "SOL-USD"},
		Timeframe:   "1h",
		Lookback:    64 * time.Hour,
		MinPoints:   5,
		MinAssets:   2,
		CacheMaxAge: time.Hour,
	}, market, data.NewStaticSentiment(nil))

	paper := broker.NewPaperBroker(logger, broker.DefaultPaperConfig())
	tracker := performance.NewTracker(logger)
	executor := execution.NewExecutor(logger, &execution.Config{OrdersPerSecond: 1000, Burst: 10}, paper, tracker)

	if engineConfig == nil {
		engineConfig = testEngineConfig()
	}
	engine := rebalance.NewEngine(logger, engineConfig, paper, executor, tracker)

	bus := events.NewBus(logger, nil)
	t.Cleanup(bus.Stop)

	pool := workers.NewPool(logger, &workers.Config{
		Name:            "cycle-test",
		Workers:         2,
		QueueSize:       8,
		TaskTimeout:     5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	})
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })

	selectorConfig := optimization.DefaultConfig()
	selectorConfig.Restarts = 20
	selectorConfig.Seed = 1

	if config == nil {
		config = testConfig()
	}
	orch, err := orchestrator.NewOrchestrator(logger, config, orchestrator.Components{
		Data:       service,
		Detector:   regime.NewDetector(logger, nil),
		Scorer:     signals.NewScorer(logger, nil),
		Selector:   optimization.NewSelector(logger, selectorConfig),
		Allocator:  allocation.NewAllocator(logger, nil),
		Broker:     paper,
		Engine:     engine,
		Tracker:    tracker,
		Tuner:      performance.NewTuner(logger, nil),
		RiskPolicy: performance.HoldRiskAversion{},
		Bus:        bus,
		Pool:       pool,
		Metrics:    metrics.NewMetrics(),
	})
	if err != nil {
		t.Fatalf("building orchestrator: %v", err)
	}

	return &harness{orch: orch, market: market, broker: paper, tracker: tracker, bus: bus}
}

func TestRunCycleExecutesFirstRebalance(t *testing.T) {
	h := newHarness(t, nil, nil)

	result := h.orch.RunCycle(context.Background())

	if !result.Success {
		t.Fatalf("cycle failed: state=%s error=%q", result.State, result.Error)
	}
	if result.State != types.CycleRecord {
		t.Errorf("state = %s, want %s", result.State, types.CycleRecord)
	}
	if result.Orders == 0 {
		t.Error("expected at least one order on the first rebalance")
	}
	if len(result.Selected) == 0 {
		t.Error("expected selected assets")
	}
	if result.Regime == "" {
		t.Error("expected a regime classification")
	}
	if result.NextInterval != 4*time.Hour {
		t.Errorf("next interval = %s, want 4h", result.NextInterval)
	}

	portfolio, err := h.broker.GetPortfolio(context.Background())
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if len(portfolio.Holdings) == 0 {
		t.Error("paper broker holds nothing after the rebalance")
	}

	rebalances := h.tracker.Rebalances(0)
	if len(rebalances) != 1 {
		t.Fatalf("rebalance records = %d, want 1", len(rebalances))
	}
	if rebalances[0].Skipped {
		t.Error("first rebalance recorded as skipped")
	}
	if len(rebalances[0].Weights) == 0 {
		t.Error("rebalance record carries no weights")
	}

	values := h.tracker.Values(0)
	if len(values) != 1 {
		t.Fatalf("value points = %d, want 1", len(values))
	}
	if !values[0].Value.IsPositive() {
		t.Errorf("recorded value = %s, want positive", values[0].Value)
	}

	status := h.orch.Status()
	if status.Cycles != 1 {
		t.Errorf("status cycles = %d, want 1", status.Cycles)
	}
	if status.LastResult == nil {
		t.Error("status has no last result")
	}
}

func TestRunCyclePublishesEvents(t *testing.T) {
	h := newHarness(t, nil, nil)

	seen := make(chan events.EventType, 64)
	h.bus.SubscribeAll(func(event events.Event) error {
		seen <- event.GetType()
		return nil
	})

	h.orch.RunCycle(context.Background())

	want := map[events.EventType]bool{
		events.EventTypeRegime:    false,
		events.EventTypeRebalance: false,
		events.EventTypeTrade:     false,
		events.EventTypeCycle:     false,
	}
	deadline := time.After(2 * time.Second)
	for {
		done := true
		for _, got := range want {
			if !got {
				done = false
			}
		}
		if done {
			return
		}
		select {
		case eventType := <-seen:
			if _, tracked := want[eventType]; tracked {
				want[eventType] = true
			}
		case <-deadline:
			t.Fatalf("missing events: %v", want)
		}
	}
}

func TestRunCycleFailsWithoutData(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.market.err = fmt.Errorf("venue unreachable")

	result := h.orch.RunCycle(context.Background())

	if result.Success {
		t.Fatal("cycle succeeded with no market data")
	}
	if result.Error == "" {
		t.Fatal("expected an error message")
	}
	if result.NextInterval != 5*time.Minute {
		t.Errorf("next interval = %s, want failure backoff 5m", result.NextInterval)
	}
	if got := h.orch.Status().ConsecutiveFailures; got != 1 {
		t.Errorf("consecutive failures = %d, want 1", got)
	}
}

func TestRepeatedFailuresTriggerExtendedCooldown(t *testing.T) {
	config := testConfig()
	config.MaxConsecutiveFailures = 2
	h := newHarness(t, config, nil)
	h.market.err = fmt.Errorf("venue unreachable")

	first := h.orch.RunCycle(context.Background())
	if first.NextInterval != config.FailureBackoff {
		t.Errorf("first failure interval = %s, want %s", first.NextInterval, config.FailureBackoff)
	}

	second := h.orch.RunCycle(context.Background())
	if second.NextInterval != config.ExtendedCooldown {
		t.Errorf("second failure interval = %s, want %s", second.NextInterval, config.ExtendedCooldown)
	}

	// The counter resets once the cooldown fires.
	third := h.orch.RunCycle(context.Background())
	if third.NextInterval != config.FailureBackoff {
		t.Errorf("third failure interval = %s, want %s", third.NextInterval, config.FailureBackoff)
	}
}

func TestSecondCycleHonorsCooldown(t *testing.T) {
	engineConfig := testEngineConfig()
	engineConfig.Cooldown = time.Hour
	h := newHarness(t, nil, engineConfig)

	first := h.orch.RunCycle(context.Background())
	if !first.Success || first.Orders == 0 {
		t.Fatalf("first cycle did not trade: %+v", first)
	}

	second := h.orch.RunCycle(context.Background())
	if second.State != types.CycleSkipped {
		t.Fatalf("second cycle state = %s, want %s", second.State, types.CycleSkipped)
	}
	if !second.Success {
		t.Error("cooldown skip should not count as failure")
	}
	if second.SkipReason != rebalance.RuleCooldown {
		t.Errorf("skip reason = %s, want %s", second.SkipReason, rebalance.RuleCooldown)
	}
	if second.NextInterval != 4*time.Hour {
		t.Errorf("next interval = %s, want normal 4h", second.NextInterval)
	}

	records := h.tracker.Rebalances(0)
	if len(records) != 2 {
		t.Fatalf("rebalance records = %d, want 2", len(records))
	}
	if !records[1].Skipped {
		t.Error("second record not marked skipped")
	}
}

func TestBreakerSkipUsesRetryInterval(t *testing.T) {
	engineConfig := testEngineConfig()
	engineConfig.MaxTradesPerDay = 0
	h := newHarness(t, nil, engineConfig)

	result := h.orch.RunCycle(context.Background())

	if result.State != types.CycleSkipped {
		t.Fatalf("state = %s, want %s", result.State, types.CycleSkipped)
	}
	if result.Success {
		t.Error("breaker skip should not count as success")
	}
	if result.NextInterval != 30*time.Minute {
		t.Errorf("next interval = %s, want breaker retry 30m", result.NextInterval)
	}

	status := h.orch.Status()
	if !status.BreakerTripped {
		t.Error("status does not show the tripped breaker")
	}
	if status.BreakerRule != rebalance.RuleDailyCap {
		t.Errorf("breaker rule = %s, want %s", status.BreakerRule, rebalance.RuleDailyCap)
	}
}

func TestStartRunsCyclesOnSchedule(t *testing.T) {
	config := testConfig()
	config.CycleInterval = 50 * time.Millisecond
	h := newHarness(t, config, nil)

	if err := h.orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.orch.Stop()

	if err := h.orch.Start(); err == nil {
		t.Error("second start did not error")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.orch.Status().Cycles >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cycles = %d, want at least 2", h.orch.Status().Cycles)
}
