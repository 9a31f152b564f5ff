// Package orchestrator drives the autonomous rebalance loop. Each cycle
// fetches market and sentiment data in parallel, classifies the regime,
// scores and selects assets, allocates weights, and hands the targets to
// the rebalance engine. Results feed the tracker, the event bus, and the
// Prometheus collectors.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/internal/allocation"
	"github.com/meridian-quant/portfolio-backend/internal/broker"
	"github.com/meridian-quant/portfolio-backend/internal/data"
	"github.com/meridian-quant/portfolio-backend/internal/events"
	"github.com/meridian-quant/portfolio-backend/internal/metrics"
	"github.com/meridian-quant/portfolio-backend/internal/optimization"
	"github.com/meridian-quant/portfolio-backend/internal/performance"
	"github.com/meridian-quant/portfolio-backend/internal/rebalance"
	"github.com/meridian-quant/portfolio-backend/internal/regime"
	"github.com/meridian-quant/portfolio-backend/internal/signals"
	"github.com/meridian-quant/portfolio-backend/internal/workers"
	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// Config controls the cycle cadence.
type Config struct {
	CycleInterval          time.Duration `json:"cycleInterval"`          // gap after a normal cycle
	FailureBackoff         time.Duration `json:"failureBackoff"`         // gap after a failed cycle
	BreakerRetry           time.Duration `json:"breakerRetry"`           // gap after a circuit breaker skip
	ExtendedCooldown       time.Duration `json:"extendedCooldown"`       // gap after repeated failures
	MaxConsecutiveFailures int           `json:"maxConsecutiveFailures"` // failures before the extended cooldown
}

// DefaultConfig returns the production cadence.
func DefaultConfig() *Config {
	return &Config{
		CycleInterval:          4 * time.Hour,
		FailureBackoff:         5 * time.Minute,
		BreakerRetry:           30 * time.Minute,
		ExtendedCooldown:       24 * time.Hour,
		MaxConsecutiveFailures: 3,
	}
}

// PriceMarker is implemented by brokers that need marked prices pushed
// before orders are placed. The paper broker fills against these marks.
type PriceMarker interface {
	UpdatePrices(prices map[string]decimal.Decimal)
}

// Components are the collaborators the orchestrator coordinates. All
// fields except Metrics and RiskPolicy are required.
type Components struct {
	Data       *data.Service
	Detector   *regime.Detector
	Scorer     *signals.Scorer
	Selector   *optimization.Selector
	Allocator  *allocation.Allocator
	Broker     broker.Broker
	Engine     *rebalance.Engine
	Tracker    *performance.Tracker
	Tuner      *performance.Tuner
	RiskPolicy performance.RiskAversionPolicy
	Bus        *events.Bus
	Pool       *workers.Pool
	Metrics    *metrics.Metrics
}

// Status is the orchestrator's reportable state.
type Status struct {
	Running             bool               `json:"running"`
	Cycles              int                `json:"cycles"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
	NextCycleAt         time.Time          `json:"nextCycleAt"`
	LastResult          *types.CycleResult `json:"lastResult,omitempty"`
	Regime              types.RegimeState  `json:"regime"`
	RiskLambda          float64            `json:"riskLambda"`
	RiskAversion        float64            `json:"riskAversion"`
	BreakerTripped      bool               `json:"breakerTripped"`
	BreakerRule         string             `json:"breakerRule,omitempty"`
}

// Orchestrator owns the cycle loop. Cycles are serialized: the scheduler
// and manual triggers share one mutex, so at most one cycle runs at a
// time.
type Orchestrator struct {
	logger *zap.Logger
	config *Config

	data       *data.Service
	detector   *regime.Detector
	scorer     *signals.Scorer
	selector   *optimization.Selector
	allocator  *allocation.Allocator
	broker     broker.Broker
	engine     *rebalance.Engine
	tracker    *performance.Tracker
	tuner      *performance.Tuner
	riskPolicy performance.RiskAversionPolicy
	bus        *events.Bus
	pool       *workers.Pool
	metrics    *metrics.Metrics

	cycleMu sync.Mutex

	mu                  sync.RWMutex
	running             bool
	cycles              int
	consecutiveFailures int
	nextCycleAt         time.Time
	lastResult          *types.CycleResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires the components together.
func NewOrchestrator(logger *zap.Logger, config *Config, c Components) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	switch {
	case c.Data == nil:
		return nil, fmt.Errorf("orchestrator requires a data service")
	case c.Detector == nil || c.Scorer == nil || c.Selector == nil || c.Allocator == nil:
		return nil, fmt.Errorf("orchestrator requires the full strategy pipeline")
	case c.Broker == nil || c.Engine == nil:
		return nil, fmt.Errorf("orchestrator requires a broker and rebalance engine")
	case c.Tracker == nil || c.Bus == nil || c.Pool == nil:
		return nil, fmt.Errorf("orchestrator requires tracker, event bus, and worker pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		logger:     logger.Named("orchestrator"),
		config:     config,
		data:       c.Data,
		detector:   c.Detector,
		scorer:     c.Scorer,
		selector:   c.Selector,
		allocator:  c.Allocator,
		broker:     c.Broker,
		engine:     c.Engine,
		tracker:    c.Tracker,
		tuner:      c.Tuner,
		riskPolicy: c.RiskPolicy,
		bus:        c.Bus,
		pool:       c.Pool,
		metrics:    c.Metrics,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the cycle loop. The first cycle runs immediately.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.nextCycleAt = time.Now().UTC()
	o.mu.Unlock()

	o.wg.Add(1)
	go o.loop()

	o.logger.Info("orchestrator started",
		zap.Duration("cycle_interval", o.config.CycleInterval))
	return nil
}

// Stop halts the loop and waits for any in-flight cycle to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) loop() {
	defer o.wg.Done()

	for {
		o.mu.RLock()
		next := o.nextCycleAt
		o.mu.RUnlock()

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-o.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// A manual trigger may have pushed the schedule while we slept.
		o.mu.RLock()
		due := !time.Now().Before(o.nextCycleAt)
		o.mu.RUnlock()
		if !due {
			continue
		}

		o.RunCycle(o.ctx)
	}
}

// RunCycle executes one full cycle and reschedules the loop. Safe to
// call concurrently with the scheduler; callers block until the cycle
// they triggered completes.
func (o *Orchestrator) RunCycle(ctx context.Context) types.CycleResult {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	started := time.Now().UTC()
	result := o.runCycle(ctx)
	result.StartedAt = started
	result.Duration = time.Since(started)

	o.mu.Lock()
	o.cycles++
	cycles := o.cycles
	if result.Error != "" {
		o.consecutiveFailures++
	} else {
		o.consecutiveFailures = 0
	}
	result.NextInterval = o.nextIntervalLocked(&result)
	o.lastResult = &result
	o.nextCycleAt = time.Now().UTC().Add(result.NextInterval)
	o.mu.Unlock()

	o.bus.Publish(events.NewCycleEvent(result))

	o.logger.Info("cycle finished",
		zap.Bool("success", result.Success),
		zap.String("state", string(result.State)),
		zap.Int("orders", result.Orders),
		zap.Duration("duration", result.Duration),
		zap.Duration("next_interval", result.NextInterval),
	)

	if o.tuner != nil && cycles%o.tuner.Interval() == 0 {
		o.tune()
	}

	return result
}

// nextIntervalLocked picks the wait before the next cycle. Callers hold
// o.mu.
func (o *Orchestrator) nextIntervalLocked(result *types.CycleResult) time.Duration {
	if result.Error != "" {
		if o.consecutiveFailures >= o.config.MaxConsecutiveFailures {
			o.consecutiveFailures = 0
			o.logger.Warn("repeated cycle failures, entering extended cooldown",
				zap.Duration("cooldown", o.config.ExtendedCooldown))
			return o.config.ExtendedCooldown
		}
		return o.config.FailureBackoff
	}
	if result.State == types.CycleSkipped && !result.Success {
		return o.config.BreakerRetry
	}
	return o.config.CycleInterval
}

func (o *Orchestrator) runCycle(ctx context.Context) (result types.CycleResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("cycle panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = types.CycleResult{Error: fmt.Sprintf("cycle panic: %v", r)}
		}
	}()

	var (
		batch     *data.MarketBatch
		sentiment map[string]float64
	)
	universe := o.data.Universe()
	fetchErrs := o.pool.RunAll(
		workers.TaskFunc(func(ctx context.Context) error {
			var err error
			batch, err = o.data.MarketData(ctx)
			return err
		}),
		workers.TaskFunc(func(ctx context.Context) error {
			sentiment = o.data.Sentiment(ctx, universe)
			return nil
		}),
	)
	if err := fetchErrs[0]; err != nil {
		return types.CycleResult{Error: fmt.Sprintf("fetching market data: %v", err)}
	}
	if err := fetchErrs[1]; err != nil {
		o.logger.Warn("sentiment fan-out failed, scoring without sentiment", zap.Error(err))
	}

	state := o.detector.Detect(batch.Series)
	o.bus.Publish(events.NewRegimeEvent(state))

	scores := o.scorer.Score(batch.Series, sentiment)
	composites := signals.Composites(scores)

	selection := o.selector.Select(batch.Series, composites, state.TargetAssets)
	if len(selection.Assets) == 0 {
		return types.CycleResult{
			Regime: state.Regime,
			Error:  fmt.Sprintf("selection produced no assets (outcome %s)", selection.Outcome),
		}
	}

	allocated := o.allocator.Allocate(selection.Assets, batch.Series)
	if len(allocated.Weights) == 0 {
		return types.CycleResult{
			Regime: state.Regime,
			Error:  fmt.Sprintf("allocation produced no weights (outcome %s)", allocated.Outcome),
		}
	}

	prices := lastPrices(batch.Series)
	if marker, ok := o.broker.(PriceMarker); ok {
		marker.UpdatePrices(prices)
	}

	engineResult, err := o.engine.Rebalance(ctx, allocated.Weights, prices)
	if err != nil {
		return types.CycleResult{
			Regime: state.Regime,
			Error:  fmt.Sprintf("rebalance failed: %v", err),
		}
	}

	record := types.RebalanceRecord{
		Regime:       state.Regime,
		Selected:     selection.Assets,
		Weights:      allocated.Weights,
		Orders:       len(engineResult.Orders),
		Skipped:      engineResult.State == types.CycleSkipped,
		SkipReason:   engineResult.SkipReason,
		RiskAversion: o.allocator.RiskAversion(),
		Lambda:       o.selector.RiskLambda(),
	}
	o.tracker.RecordRebalance(record)
	o.bus.Publish(events.NewRebalanceEvent(record))

	for _, order := range engineResult.Orders {
		o.bus.Publish(events.NewTradeEvent(order))
	}
	if record.Skipped {
		tripped, _ := o.engine.Safeguards().Tripped()
		o.bus.Publish(events.NewSafeguardEvent(engineResult.SkipReason, engineResult.SkipDetail, tripped))
	}

	o.recordValue(ctx, prices)

	return types.CycleResult{
		Success:    engineResult.Success,
		State:      engineResult.State,
		Regime:     state.Regime,
		Selected:   selection.Assets,
		Orders:     len(engineResult.Orders),
		SkipReason: engineResult.SkipReason,
	}
}

// recordValue snapshots the marked portfolio value. Failures are logged
// and skipped; the value history tolerates gaps.
func (o *Orchestrator) recordValue(ctx context.Context, prices map[string]decimal.Decimal) {
	portfolio, err := o.broker.GetPortfolio(ctx)
	if err != nil {
		o.logger.Warn("portfolio value snapshot failed", zap.Error(err))
		return
	}

	value := portfolio.Cash
	for asset, quantity := range portfolio.Holdings {
		if price, ok := prices[asset]; ok {
			value = value.Add(quantity.Mul(price))
		}
	}

	o.tracker.RecordValue(types.ValuePoint{Value: value})
	if o.metrics != nil {
		o.metrics.SetPortfolioValue(value.InexactFloat64())
	}
}

// tune runs the periodic hyperparameter review against recorded history.
func (o *Orchestrator) tune() {
	report := o.tracker.Report()

	if next, changed := o.tuner.TuneLambda(report, o.selector.RiskLambda()); changed {
		o.selector.SetRiskLambda(next)
	}

	if o.riskPolicy != nil {
		current := o.allocator.RiskAversion()
		if next := o.riskPolicy.Adjust(report, current); next != current {
			o.logger.Info("risk aversion adjusted",
				zap.String("policy", o.riskPolicy.Name()),
				zap.Float64("from", current),
				zap.Float64("to", next),
			)
			o.allocator.SetRiskAversion(next)
		}
	}

	if o.metrics != nil {
		o.metrics.SetRiskParameters(o.selector.RiskLambda(), o.allocator.RiskAversion())
	}
}

// Status reports the loop state for the API.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	status := Status{
		Running:             o.running,
		Cycles:              o.cycles,
		ConsecutiveFailures: o.consecutiveFailures,
		NextCycleAt:         o.nextCycleAt,
		LastResult:          o.lastResult,
	}
	o.mu.RUnlock()

	status.Regime = o.detector.Current()
	status.RiskLambda = o.selector.RiskLambda()
	status.RiskAversion = o.allocator.RiskAversion()
	status.BreakerTripped, status.BreakerRule = o.engine.Safeguards().Tripped()
	return status
}

func lastPrices(series types.PriceSeries) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(series))
	for asset, closes := range series {
		if len(closes) == 0 {
			continue
		}
		prices[asset] = decimal.NewFromFloat(closes[len(closes)-1])
	}
	return prices
}
