package broker_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/internal/broker"
	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

func newPaper(slippageBps int64) *broker.PaperBroker {
	return broker.NewPaperBroker(zap.NewNop(), &broker.PaperConfig{
		StartingCash: decimal.NewFromInt(10000),
		SlippageBps:  slippageBps,
	})
}

func mark(b *broker.PaperBroker, asset string, price int64) {
	b.UpdatePrices(map[string]decimal.Decimal{asset: decimal.NewFromInt(price)})
}

func TestPaperBrokerStartsAllCash(t *testing.T) {
	b := newPaper(0)

	portfolio, err := b.GetPortfolio(context.Background())
	if err != nil {
		t.Fatalf("GetPortfolio: %v", err)
	}
	if !portfolio.Cash.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("cash = %s, want 10000", portfolio.Cash)
	}
	if len(portfolio.Holdings) != 0 {
		t.Errorf("expected empty holdings, got %v", portfolio.Holdings)
	}
}

func TestPaperBrokerBuyMovesCashIntoHolding(t *testing.T) {
	b := newPaper(0)
	mark(b, "BTC-USD", 100)

	result := b.PlaceOrder(context.Background(), "BTC-USD", types.OrderSideBuy, decimal.NewFromInt(10))
	if !result.Success {
		t.Fatalf("buy rejected: %s", result.Error)
	}
	if result.OrderID == "" {
		t.Error("expected an order id")
	}

	portfolio, _ := b.GetPortfolio(context.Background())
	if !portfolio.Cash.Equal(decimal.NewFromInt(9000)) {
		t.Errorf("cash = %s, want 9000", portfolio.Cash)
	}
	if !portfolio.Holdings["BTC-USD"].Equal(decimal.NewFromInt(10)) {
		t.Errorf("holding = %s, want 10", portfolio.Holdings["BTC-USD"])
	}
}

func TestPaperBrokerSlippageShadesFills(t *testing.T) {
	b := newPaper(5)
	mark(b, "BTC-USD", 10000)

	b.PlaceOrder(context.Background(), "BTC-USD", types.OrderSideBuy, decimal.NewFromFloat(0.5))

	// 5 bps on a 10000 mark fills the buy at 10005.
	cash, _ := b.GetCash(context.Background())
	want := decimal.NewFromInt(10000).Sub(decimal.NewFromFloat(0.5).Mul(decimal.NewFromInt(10005)))
	if !cash.Equal(want) {
		t.Errorf("cash = %s, want %s", cash, want)
	}

	b.PlaceOrder(context.Background(), "BTC-USD", types.OrderSideSell, decimal.NewFromFloat(0.5))

	// The round trip loses both halves of the spread.
	cash, _ = b.GetCash(context.Background())
	if !cash.LessThan(decimal.NewFromInt(10000)) {
		t.Errorf("round trip should cost slippage, cash = %s", cash)
	}
	portfolio, _ := b.GetPortfolio(context.Background())
	if _, ok := portfolio.Holdings["BTC-USD"]; ok {
		t.Error("fully sold position should be removed")
	}
}

func TestPaperBrokerBuyCapsAtAvailableCash(t *testing.T) {
	b := newPaper(0)
	mark(b, "ETH-USD", 100)

	result := b.PlaceOrder(context.Background(), "ETH-USD", types.OrderSideBuy, decimal.NewFromInt(200))
	if !result.Success {
		t.Fatalf("buy rejected: %s", result.Error)
	}

	portfolio, _ := b.GetPortfolio(context.Background())
	if !portfolio.Cash.IsZero() {
		t.Errorf("cash = %s, want 0", portfolio.Cash)
	}
	if !portfolio.Holdings["ETH-USD"].Equal(decimal.NewFromInt(100)) {
		t.Errorf("holding = %s, want the 100 units cash covered", portfolio.Holdings["ETH-USD"])
	}
}

func TestPaperBrokerSellCapsAtHolding(t *testing.T) {
	b := newPaper(0)
	mark(b, "ETH-USD", 100)
	b.PlaceOrder(context.Background(), "ETH-USD", types.OrderSideBuy, decimal.NewFromInt(5))

	result := b.PlaceOrder(context.Background(), "ETH-USD", types.OrderSideSell, decimal.NewFromInt(10))
	if !result.Success {
		t.Fatalf("sell rejected: %s", result.Error)
	}

	portfolio, _ := b.GetPortfolio(context.Background())
	if !portfolio.Cash.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("cash = %s, want 10000 after round trip", portfolio.Cash)
	}
	if len(portfolio.Holdings) != 0 {
		t.Errorf("expected empty holdings, got %v", portfolio.Holdings)
	}
}

func TestPaperBrokerRejectsUnmarkedAsset(t *testing.T) {
	b := newPaper(0)

	result := b.PlaceOrder(context.Background(), "DOGE-USD", types.OrderSideBuy, decimal.NewFromInt(1))
	if result.Success {
		t.Fatal("expected rejection for unmarked asset")
	}
	if result.Error == "" {
		t.Error("expected a rejection reason")
	}

	if _, err := b.GetPrice(context.Background(), "DOGE-USD"); err == nil {
		t.Error("expected GetPrice error for unmarked asset")
	}
}

func TestPaperBrokerRejectsSellWithNoPosition(t *testing.T) {
	b := newPaper(0)
	mark(b, "BTC-USD", 100)

	result := b.PlaceOrder(context.Background(), "BTC-USD", types.OrderSideSell, decimal.NewFromInt(1))
	if result.Success {
		t.Fatal("expected rejection when nothing is held")
	}
}

func TestPaperBrokerRejectsNonPositiveQuantity(t *testing.T) {
	b := newPaper(0)
	mark(b, "BTC-USD", 100)

	result := b.PlaceOrder(context.Background(), "BTC-USD", types.OrderSideBuy, decimal.Zero)
	if result.Success {
		t.Fatal("expected rejection for zero quantity")
	}
}

func TestPaperBrokerSnapshotIsIsolated(t *testing.T) {
	b := newPaper(0)
	mark(b, "BTC-USD", 100)
	b.PlaceOrder(context.Background(), "BTC-USD", types.OrderSideBuy, decimal.NewFromInt(1))

	portfolio, _ := b.GetPortfolio(context.Background())
	portfolio.Holdings["BTC-USD"] = decimal.NewFromInt(999)

	fresh, _ := b.GetPortfolio(context.Background())
	if !fresh.Holdings["BTC-USD"].Equal(decimal.NewFromInt(1)) {
		t.Errorf("snapshot mutation leaked into broker state: %s", fresh.Holdings["BTC-USD"])
	}
}
