package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/internal/events"
	"github.com/meridian-quant/portfolio-backend/internal/metrics"
	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

func TestObserveCycleCountsByResult(t *testing.T) {
	m := metrics.NewMetrics()

	m.ObserveCycle(types.CycleResult{Success: true, Duration: 2 * time.Second})
	m.ObserveCycle(types.CycleResult{Success: true, State: types.CycleSkipped})
	m.ObserveCycle(types.CycleResult{Success: false, Error: "venue down"})

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("success cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("skipped")); got != 1 {
		t.Errorf("skipped cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("failure cycles = %v, want 1", got)
	}
}

func TestObserveTradeSplitsSideAndStatus(t *testing.T) {
	m := metrics.NewMetrics()

	m.ObserveTrade(types.TradeRecord{Side: types.OrderSideBuy, Success: true})
	m.ObserveTrade(types.TradeRecord{Side: types.OrderSideBuy, Success: true})
	m.ObserveTrade(types.TradeRecord{Side: types.OrderSideSell, Success: false})

	if got := testutil.ToFloat64(m.OrdersTotal.WithLabelValues("BUY", "filled")); got != 2 {
		t.Errorf("filled buys = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OrdersTotal.WithLabelValues("SELL", "failed")); got != 1 {
		t.Errorf("failed sells = %v, want 1", got)
	}
}

func TestRegimeGaugeTracksClassification(t *testing.T) {
	m := metrics.NewMetrics()

	m.SetRegime(types.RegimeHighVolatility)
	if got := testutil.ToFloat64(m.ActiveRegime); got != 2 {
		t.Errorf("regime gauge = %v, want 2", got)
	}

	m.ObserveCycle(types.CycleResult{Success: true, Regime: types.RegimeLowVolatility})
	if got := testutil.ToFloat64(m.ActiveRegime); got != 0 {
		t.Errorf("regime gauge = %v, want 0", got)
	}
}

func TestAttachCountsPublishedEvents(t *testing.T) {
	m := metrics.NewMetrics()
	bus := events.NewBus(zap.NewNop(), nil)
	defer bus.Stop()
	m.Attach(bus)

	bus.Publish(events.NewTradeEvent(types.TradeRecord{Side: types.OrderSideSell, Success: true}))
	bus.Publish(events.NewSafeguardEvent("max_drawdown", "drawdown limit hit", true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sells := testutil.ToFloat64(m.OrdersTotal.WithLabelValues("SELL", "filled"))
		trips := testutil.ToFloat64(m.SafeguardTrips.WithLabelValues("max_drawdown"))
		if sells == 1 && trips == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("published events never reached the collectors")
}

func TestHandlerServesRegistry(t *testing.T) {
	m := metrics.NewMetrics()
	m.SetPortfolioValue(12345.67)

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "portfolio_value_usd 12345.67") {
		t.Errorf("exposition missing portfolio value gauge:\n%s", body)
	}
}
