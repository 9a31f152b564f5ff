package rebalance_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/internal/rebalance"
	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

type stubHistory struct {
	lastTrade  time.Time
	hasTrade   bool
	successful int
	trades     []types.TradeRecord
	values     []types.ValuePoint
}

func (s *stubHistory) LastTradeTime() (time.Time, bool)    { return s.lastTrade, s.hasTrade }
func (s *stubHistory) SuccessfulTradesSince(time.Time) int { return s.successful }
func (s *stubHistory) Trades(int) []types.TradeRecord      { return s.trades }
func (s *stubHistory) Values(int) []types.ValuePoint       { return s.values }

func trade(asset string, side types.OrderSide, at time.Time) types.TradeRecord {
	return types.TradeRecord{Asset: asset, Side: side, Timestamp: at, Success: true}
}

func value(v int64) types.ValuePoint {
	return types.ValuePoint{Value: decimal.NewFromInt(v)}
}

func TestEvaluateCleanHistoryProceeds(t *testing.T) {
	guards := rebalance.NewSafeguards(zap.NewNop(), rebalance.DefaultConfig())

	verdict := guards.Evaluate(time.Now().UTC(), &stubHistory{})
	if !verdict.Proceed {
		t.Fatalf("verdict = %+v, want proceed", verdict)
	}
	if tripped, _ := guards.Tripped(); tripped {
		t.Error("breaker tripped with clean history")
	}
}

func TestCooldownSkips(t *testing.T) {
	guards := rebalance.NewSafeguards(zap.NewNop(), rebalance.DefaultConfig())
	now := time.Now().UTC()

	verdict := guards.Evaluate(now, &stubHistory{lastTrade: now.Add(-time.Hour), hasTrade: true})
	if verdict.Proceed {
		t.Fatal("expected cooldown skip one hour after trading")
	}
	if verdict.Rule != rebalance.RuleCooldown {
		t.Errorf("rule = %s, want %s", verdict.Rule, rebalance.RuleCooldown)
	}
	if verdict.Breaker {
		t.Error("cooldown must not latch the breaker")
	}

	verdict = guards.Evaluate(now, &stubHistory{lastTrade: now.Add(-7 * time.Hour), hasTrade: true})
	if !verdict.Proceed {
		t.Errorf("verdict = %+v, want proceed after cooldown expires", verdict)
	}
}

func TestDailyCapLatchesBreaker(t *testing.T) {
	guards := rebalance.NewSafeguards(zap.NewNop(), rebalance.DefaultConfig())

	verdict := guards.Evaluate(time.Now().UTC(), &stubHistory{successful: 10})
	if verdict.Proceed {
		t.Fatal("expected skip at the daily cap")
	}
	if verdict.Rule != rebalance.RuleDailyCap {
		t.Errorf("rule = %s, want %s", verdict.Rule, rebalance.RuleDailyCap)
	}
	if !verdict.Breaker {
		t.Error("daily cap must latch the breaker")
	}
	if tripped, rule := guards.Tripped(); !tripped || rule != rebalance.RuleDailyCap {
		t.Errorf("tripped = (%v, %s), want (true, %s)", tripped, rule, rebalance.RuleDailyCap)
	}
}

func TestWashPatternLatchesBreaker(t *testing.T) {
	guards := rebalance.NewSafeguards(zap.NewNop(), rebalance.DefaultConfig())
	base := time.Now().UTC().Add(-30 * time.Hour)

	history := &stubHistory{
		lastTrade: base.Add(2 * time.Hour),
		hasTrade:  true,
		trades: []types.TradeRecord{
			trade("BTC-USD", types.OrderSideBuy, base),
			trade("BTC-USD", types.OrderSideSell, base.Add(time.Hour)),
			trade("BTC-USD", types.OrderSideBuy, base.Add(2*time.Hour)),
		},
	}

	verdict := guards.Evaluate(time.Now().UTC(), history)
	if verdict.Proceed {
		t.Fatal("expected wash-pattern skip")
	}
	if verdict.Rule != rebalance.RuleWashPattern {
		t.Errorf("rule = %s, want %s", verdict.Rule, rebalance.RuleWashPattern)
	}
	if !verdict.Breaker {
		t.Error("wash pattern must latch the breaker")
	}
}

func TestWashPatternIgnoresSameSide(t *testing.T) {
	guards := rebalance.NewSafeguards(zap.NewNop(), rebalance.DefaultConfig())
	base := time.Now().UTC().Add(-30 * time.Hour)

	history := &stubHistory{
		lastTrade: base.Add(2 * time.Hour),
		hasTrade:  true,
		trades: []types.TradeRecord{
			trade("BTC-USD", types.OrderSideBuy, base),
			trade("BTC-USD", types.OrderSideBuy, base.Add(time.Hour)),
			trade("BTC-USD", types.OrderSideBuy, base.Add(2*time.Hour)),
		},
	}

	if verdict := guards.Evaluate(time.Now().UTC(), history); !verdict.Proceed {
		t.Errorf("verdict = %+v, want proceed for same-side records", verdict)
	}
}

func TestWashPatternIgnoresWideSpan(t *testing.T) {
	guards := rebalance.NewSafeguards(zap.NewNop(), rebalance.DefaultConfig())
	base := time.Now().UTC().Add(-80 * time.Hour)

	history := &stubHistory{
		lastTrade: base.Add(26 * time.Hour),
		hasTrade:  true,
		trades: []types.TradeRecord{
			trade("BTC-USD", types.OrderSideBuy, base),
			trade("BTC-USD", types.OrderSideSell, base.Add(25*time.Hour)),
			trade("BTC-USD", types.OrderSideBuy, base.Add(26*time.Hour)),
		},
	}

	if verdict := guards.Evaluate(time.Now().UTC(), history); !verdict.Proceed {
		t.Errorf("verdict = %+v, want proceed for records spanning past the wash window", verdict)
	}
}

func TestStopLossSkipsWithoutLatching(t *testing.T) {
	guards := rebalance.NewSafeguards(zap.NewNop(), rebalance.DefaultConfig())

	history := &stubHistory{values: []types.ValuePoint{value(1000), value(950), value(880)}}
	verdict := guards.Evaluate(time.Now().UTC(), history)

	if verdict.Proceed {
		t.Fatal("expected stop-loss skip on a 12% drawdown")
	}
	if verdict.Rule != rebalance.RuleStopLoss {
		t.Errorf("rule = %s, want %s", verdict.Rule, rebalance.RuleStopLoss)
	}
	if verdict.Breaker {
		t.Error("stop-loss must not latch the breaker")
	}
	if tripped, _ := guards.Tripped(); tripped {
		t.Error("breaker tripped by stop-loss")
	}
}

func TestStopLossToleratesSmallDrawdown(t *testing.T) {
	guards := rebalance.NewSafeguards(zap.NewNop(), rebalance.DefaultConfig())

	history := &stubHistory{values: []types.ValuePoint{value(1000), value(980), value(950)}}
	if verdict := guards.Evaluate(time.Now().UTC(), history); !verdict.Proceed {
		t.Errorf("verdict = %+v, want proceed on a 5%% drawdown", verdict)
	}
}
