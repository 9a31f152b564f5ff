// Package performance keeps the append-only record of rebalance
// decisions, trade outcomes, and portfolio value history, and derives
// the summary report and risk metrics from them.
package performance

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// Tracker owns the engine's historical state. All methods are safe for
// concurrent use; the API reads while the cycle loop writes.
type Tracker struct {
	logger *zap.Logger

	mu         sync.RWMutex
	rebalances []types.RebalanceRecord
	trades     []types.TradeRecord
	values     []types.ValuePoint
}

// NewTracker creates an empty tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger: logger.Named("performance"),
	}
}

// RecordRebalance appends a rebalance decision. Skipped cycles are
// recorded too, with the skip reason attached.
func (t *Tracker) RecordRebalance(record types.RebalanceRecord) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	t.rebalances = append(t.rebalances, record)
	t.mu.Unlock()

	t.logger.Info("rebalance recorded",
		zap.String("id", record.ID),
		zap.String("regime", string(record.Regime)),
		zap.Int("selected", len(record.Selected)),
		zap.Bool("skipped", record.Skipped),
	)
}

// RecordTrade appends a single trade outcome.
func (t *Tracker) RecordTrade(record types.TradeRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	t.trades = append(t.trades, record)
	t.mu.Unlock()
}

// RecordValue appends a portfolio value observation.
func (t *Tracker) RecordValue(point types.ValuePoint) {
	if point.Timestamp.IsZero() {
		point.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	t.values = append(t.values, point)
	t.mu.Unlock()
}

// Rebalances returns the most recent rebalance records, newest last.
// A non-positive limit returns everything.
func (t *Tracker) Rebalances(limit int) []types.RebalanceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyTail(t.rebalances, limit)
}

// Trades returns the most recent trade records, newest last. A
// non-positive limit returns everything.
func (t *Tracker) Trades(limit int) []types.TradeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyTail(t.trades, limit)
}

// Values returns the most recent portfolio value points, newest last.
// A non-positive limit returns everything.
func (t *Tracker) Values(limit int) []types.ValuePoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyTail(t.values, limit)
}

// LastTradeTime reports when the last executed trade happened.
func (t *Tracker) LastTradeTime() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.trades) == 0 {
		return time.Time{}, false
	}
	return t.trades[len(t.trades)-1].Timestamp, true
}

// TradesSince counts trades recorded at or after the given time.
func (t *Tracker) TradesSince(since time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for i := len(t.trades) - 1; i >= 0; i-- {
		if t.trades[i].Timestamp.Before(since) {
			break
		}
		count++
	}
	return count
}

// SuccessfulTradesSince counts executed trades at or after the given
// time, ignoring failed submissions.
func (t *Tracker) SuccessfulTradesSince(since time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for i := len(t.trades) - 1; i >= 0; i-- {
		if t.trades[i].Timestamp.Before(since) {
			break
		}
		if t.trades[i].Success {
			count++
		}
	}
	return count
}

// Report summarizes everything recorded so far. Risk metrics are
// included once at least two value points exist.
func (t *Tracker) Report() types.Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := types.Report{
		TotalRebalances:    len(t.rebalances),
		RegimeDistribution: make(map[types.Regime]int),
		TotalTrades:        len(t.trades),
		GeneratedAt:        time.Now().UTC(),
	}

	if len(t.rebalances) == 0 {
		return report
	}

	seen := make(map[string]bool)
	sizeSum := 0
	for _, record := range t.rebalances {
		report.RegimeDistribution[record.Regime]++
		sizeSum += len(record.Selected)
		for _, asset := range record.Selected {
			seen[asset] = true
		}
	}
	report.AvgPortfolioSize = float64(sizeSum) / float64(len(t.rebalances))
	report.UniqueAssetsTraded = len(seen)

	last := t.rebalances[len(t.rebalances)-1]
	report.RiskAversion = last.RiskAversion
	report.Lambda = last.Lambda

	if metrics := computeMetrics(t.values); metrics != nil {
		report.Metrics = metrics
	}

	return report
}

func copyTail[T any](records []T, limit int) []T {
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	out := make([]T, limit)
	copy(out, records[len(records)-limit:])
	return out
}
