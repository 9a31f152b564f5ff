package rebalance

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// Safeguard rule identifiers.
const (
	RuleCooldown    = "cooldown"
	RuleDailyCap    = "daily_cap"
	RuleWashPattern = "wash_pattern"
	RuleStopLoss    = "stop_loss"
)

// History is the recorded state the safeguards consult. Implemented by
// the performance tracker.
type History interface {
	LastTradeTime() (time.Time, bool)
	SuccessfulTradesSince(since time.Time) int
	Trades(limit int) []types.TradeRecord
	Values(limit int) []types.ValuePoint
}

// Verdict is the outcome of a safeguard evaluation.
type Verdict struct {
	Proceed bool   `json:"proceed"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Breaker bool   `json:"breaker"`
}

// Safeguards gates every rebalance. The circuit breaker latches for the
// remainder of an evaluation and is re-evaluated from scratch at the
// start of the next cycle.
type Safeguards struct {
	logger *zap.Logger
	config *Config

	mu          sync.RWMutex
	tripped     bool
	trippedRule string
}

// NewSafeguards creates the safeguard evaluator.
func NewSafeguards(logger *zap.Logger, config *Config) *Safeguards {
	if config == nil {
		config = DefaultConfig()
	}
	return &Safeguards{
		logger: logger.Named("safeguards"),
		config: config,
	}
}

// Tripped reports whether the circuit breaker latched during the most
// recent evaluation, and which rule latched it.
func (s *Safeguards) Tripped() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tripped, s.trippedRule
}

// Evaluate runs every safeguard against recorded history. Checks run in
// a fixed order; the first one that fires decides the verdict.
func (s *Safeguards) Evaluate(now time.Time, history History) Verdict {
	s.mu.Lock()
	s.tripped = false
	s.trippedRule = ""
	s.mu.Unlock()

	if verdict, fired := s.checkCooldown(now, history); fired {
		return s.conclude(verdict)
	}
	if verdict, fired := s.checkDailyCap(now, history); fired {
		return s.conclude(verdict)
	}
	if verdict, fired := s.checkWashPattern(history); fired {
		return s.conclude(verdict)
	}
	if verdict, fired := s.checkStopLoss(history); fired {
		return s.conclude(verdict)
	}

	return Verdict{Proceed: true}
}

func (s *Safeguards) conclude(verdict Verdict) Verdict {
	if verdict.Breaker {
		s.mu.Lock()
		s.tripped = true
		s.trippedRule = verdict.Rule
		s.mu.Unlock()
	}

	s.logger.Warn("safeguard skipping cycle",
		zap.String("rule", verdict.Rule),
		zap.String("reason", verdict.Reason),
		zap.Bool("breaker", verdict.Breaker),
	)
	return verdict
}

func (s *Safeguards) checkCooldown(now time.Time, history History) (Verdict, bool) {
	last, ok := history.LastTradeTime()
	if !ok {
		return Verdict{}, false
	}

	elapsed := now.Sub(last)
	if elapsed >= s.config.Cooldown {
		return Verdict{}, false
	}

	return Verdict{
		Rule:   RuleCooldown,
		Reason: fmt.Sprintf("last trade %s ago, cooldown %s", elapsed.Round(time.Minute), s.config.Cooldown),
	}, true
}

func (s *Safeguards) checkDailyCap(now time.Time, history History) (Verdict, bool) {
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count := history.SuccessfulTradesSince(startOfDay)
	if count < s.config.MaxTradesPerDay {
		return Verdict{}, false
	}

	return Verdict{
		Rule:    RuleDailyCap,
		Reason:  fmt.Sprintf("%d trades today, cap %d", count, s.config.MaxTradesPerDay),
		Breaker: true,
	}, true
}

// checkWashPattern latches when one asset shows at least WashMinRecords
// recent trades mixing buys and sells inside the wash span.
func (s *Safeguards) checkWashPattern(history History) (Verdict, bool) {
	records := history.Trades(s.config.WashWindow)
	if len(records) < s.config.WashMinRecords {
		return Verdict{}, false
	}

	type assetActivity struct {
		count    int
		hasBuy   bool
		hasSell  bool
		earliest time.Time
		latest   time.Time
	}

	activity := make(map[string]*assetActivity)
	for _, record := range records {
		entry, ok := activity[record.Asset]
		if !ok {
			entry = &assetActivity{earliest: record.Timestamp, latest: record.Timestamp}
			activity[record.Asset] = entry
		}
		entry.count++
		if record.Side == types.OrderSideBuy {
			entry.hasBuy = true
		}
		if record.Side == types.OrderSideSell {
			entry.hasSell = true
		}
		if record.Timestamp.Before(entry.earliest) {
			entry.earliest = record.Timestamp
		}
		if record.Timestamp.After(entry.latest) {
			entry.latest = record.Timestamp
		}
	}

	for asset, entry := range activity {
		if entry.count < s.config.WashMinRecords || !entry.hasBuy || !entry.hasSell {
			continue
		}
		if span := entry.latest.Sub(entry.earliest); span < s.config.WashSpan {
			return Verdict{
				Rule:    RuleWashPattern,
				Reason:  fmt.Sprintf("%s traded both sides %d times within %s", asset, entry.count, span.Round(time.Minute)),
				Breaker: true,
			}, true
		}
	}

	return Verdict{}, false
}

// checkStopLoss skips the cycle when portfolio value dropped more than
// the stop-loss threshold over the last three snapshots. It does not
// latch the breaker.
func (s *Safeguards) checkStopLoss(history History) (Verdict, bool) {
	values := history.Values(3)
	if len(values) < 3 {
		return Verdict{}, false
	}

	base := values[0].Value
	if base.LessThanOrEqual(decimal.Zero) {
		return Verdict{}, false
	}

	change := values[2].Value.Sub(base).Div(base).InexactFloat64()
	if change >= s.config.StopLossPct {
		return Verdict{}, false
	}

	return Verdict{
		Rule:   RuleStopLoss,
		Reason: fmt.Sprintf("portfolio down %.2f%% over last three snapshots", change*100),
	}, true
}
