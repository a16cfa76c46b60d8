package monitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinbase-trader/internal/config"
	"coinbase-trader/internal/market"
	"coinbase-trader/internal/risk"
	"coinbase-trader/internal/store"
	"coinbase-trader/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExiter struct {
	sold      []types.ExitReason
	raised    []decimal.Decimal
	soldIDs   []int64
	failSells bool
}

func (f *fakeExiter) Sell(ctx context.Context, pos types.Position, reason types.ExitReason) (types.TradeRecord, error) {
	f.sold = append(f.sold, reason)
	f.soldIDs = append(f.soldIDs, pos.ID)
	return types.TradeRecord{ProductID: pos.ProductID, ExitReason: reason}, nil
}

func (f *fakeExiter) RaiseStop(ctx context.Context, pos types.Position, newStop decimal.Decimal) (types.Position, error) {
	f.raised = append(f.raised, newStop)
	pos.StopLoss = newStop
	return pos, nil
}

type fakePrices struct {
	bid, ask decimal.Decimal
	calls    int
}

func (f *fakePrices) GetBestBidAsk(ctx context.Context, productIDs []string) ([]types.BestBidAsk, error) {
	f.calls++
	out := make([]types.BestBidAsk, 0, len(productIDs))
	for _, id := range productIDs {
		out = append(out, types.BestBidAsk{ProductID: id, Bid: f.bid, Ask: f.ask, Time: time.Now()})
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "monitor_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type fixture struct {
	st     *store.Store
	book   *market.Book
	prices *fakePrices
	exiter *fakeExiter
	mon    *Monitor
}

func newFixture(t *testing.T, riskCfg config.RiskConfig) *fixture {
	t.Helper()
	st := newTestStore(t)
	rm, err := risk.NewManager(context.Background(), riskCfg, st, testLogger())
	if err != nil {
		t.Fatalf("risk manager: %v", err)
	}
	f := &fixture{
		st:     st,
		book:   market.NewBook(),
		prices: &fakePrices{},
		exiter: &fakeExiter{},
	}
	f.mon = NewMonitor(st, f.book, f.prices, f.exiter, rm, config.ExitConfig{
		ProfitExitPct:      0.05,
		LossExitPct:        -0.02,
		LossExitConfidence: 0.60,
		MaxPriceStaleness:  30 * time.Second,
	}, testLogger())
	return f
}

func defaultRiskCfg() config.RiskConfig {
	return config.RiskConfig{
		MaxDrawdown:     0.15,
		DrawdownRelease: 0.95,
	}
}

// openPosition seeds an open position with entry fills so the monitor sees
// a fee-inclusive cost basis of 100.40 on a 100.00 fill.
func (f *fixture) openPosition(t *testing.T, productID string, unprotected bool) types.Position {
	t.Helper()
	ctx := context.Background()

	entry := types.Order{
		ClientID:      "entry-" + productID,
		ExchangeID:    "ex-" + productID,
		ProductID:     productID,
		Side:          types.BUY,
		Kind:          types.KindLimitGTCPostOnly,
		RequestedSize: dec("1"),
		Status:        types.StatusSubmitted,
		SubmittedAt:   time.Now(),
	}
	if err := f.st.UpsertOrder(ctx, entry); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}
	fill := types.Fill{
		FillID:    "fill-" + productID,
		OrderID:   entry.ClientID,
		ProductID: productID,
		Side:      types.BUY,
		Price:     dec("100.00"),
		Size:      dec("1"),
		Fee:       dec("0.40"),
		Liquidity: types.Maker,
		Time:      time.Now(),
	}
	if err := f.st.RecordFill(ctx, fill); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	pos := types.Position{
		ProductID:   productID,
		Status:      types.PositionOpen,
		Size:        dec("1"),
		EntryPrice:  dec("100.40"),
		StopLoss:    dec("98.50"),
		TakeProfit:  dec("103.40"),
		Unprotected: unprotected,
		Strategy:    "momentum",
		OpenedAt:    time.Now(),
	}
	id, err := f.st.OpenPosition(ctx, pos, []types.Fill{fill})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	pos.ID = id
	return pos
}

func (f *fixture) setPrice(productID, price string) {
	f.book.Update(types.TickerUpdate{
		ProductID: productID,
		Price:     dec(price),
		Time:      time.Now(),
	})
}

func signal(action types.Action, confidence float64) map[string]types.Signal {
	return map[string]types.Signal{
		"BTC-USDC": {Action: action, Confidence: confidence, Strategy: "momentum", Reasons: []string{"test"}},
	}
}

func TestProfitTargetHeldWhileSignalBullish(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultRiskCfg())
	f.openPosition(t, "BTC-USDC", false)
	f.setPrice("BTC-USDC", "106.00") // +5.6% over the 100.40 basis

	f.mon.Sweep(context.Background(), signal(types.ActionBuy, 0.80))

	if len(f.exiter.sold) != 0 {
		t.Errorf("position sold despite bullish signal: %v", f.exiter.sold)
	}
}

func TestProfitTargetExitsWithoutBullishSignal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultRiskCfg())
	f.openPosition(t, "BTC-USDC", false)
	f.setPrice("BTC-USDC", "106.00")

	f.mon.Sweep(context.Background(), signal(types.ActionHold, 0.50))

	if len(f.exiter.sold) != 1 || f.exiter.sold[0] != types.ExitSignalProfit {
		t.Errorf("sold = %v, want one signal_profit_exit", f.exiter.sold)
	}
}

func TestLossExitNeedsConfidentSellSignal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultRiskCfg())
	f.openPosition(t, "BTC-USDC", false)
	f.setPrice("BTC-USDC", "98.00") // −2.4% against the basis

	f.mon.Sweep(context.Background(), signal(types.ActionSell, 0.70))

	if len(f.exiter.sold) != 1 || f.exiter.sold[0] != types.ExitSignalLoss {
		t.Errorf("sold = %v, want one signal_loss_exit", f.exiter.sold)
	}
}

func TestLossHeldWithoutConfidentSignal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultRiskCfg())
	f.openPosition(t, "BTC-USDC", false)
	f.setPrice("BTC-USDC", "98.00")

	// SELL but under the confidence bar, then a plain HOLD: neither exits.
	f.mon.Sweep(context.Background(), signal(types.ActionSell, 0.40))
	f.mon.Sweep(context.Background(), signal(types.ActionHold, 0.50))

	if len(f.exiter.sold) != 0 {
		t.Errorf("position sold without confident sell signal: %v", f.exiter.sold)
	}
}

func TestSmallLossIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultRiskCfg())
	f.openPosition(t, "BTC-USDC", false)
	f.setPrice("BTC-USDC", "99.50") // −0.9%, above the −2% floor

	f.mon.Sweep(context.Background(), signal(types.ActionSell, 0.90))

	if len(f.exiter.sold) != 0 {
		t.Errorf("small loss should not exit: %v", f.exiter.sold)
	}
}

func TestUnprotectedPositionExitsWithoutConfirmation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultRiskCfg())
	f.openPosition(t, "BTC-USDC", true)
	f.setPrice("BTC-USDC", "98.00")

	// No sell signal at all, but the position has no bracket.
	f.mon.Sweep(context.Background(), signal(types.ActionHold, 0.50))

	if len(f.exiter.sold) != 1 || f.exiter.sold[0] != types.ExitSignalLoss {
		t.Errorf("sold = %v, want one signal_loss_exit", f.exiter.sold)
	}
}

func TestStalePriceFallsBackToREST(t *testing.T) {
	t.Parallel()
	f := newFixture(t, defaultRiskCfg())
	f.openPosition(t, "BTC-USDC", false)

	// Cached ticker is a minute old; REST reports a profitable mid.
	f.book.Update(types.TickerUpdate{
		ProductID: "BTC-USDC",
		Price:     dec("90.00"),
		Time:      time.Now().Add(-time.Minute),
	})
	f.prices.bid = dec("105.90")
	f.prices.ask = dec("106.10")

	f.mon.Sweep(context.Background(), signal(types.ActionHold, 0.50))

	if f.prices.calls == 0 {
		t.Fatal("REST fallback not used for stale ticker")
	}
	if len(f.exiter.sold) != 1 || f.exiter.sold[0] != types.ExitSignalProfit {
		t.Errorf("sold = %v, want one signal_profit_exit from REST mid", f.exiter.sold)
	}
}

func TestTrailingStopRaised(t *testing.T) {
	t.Parallel()
	cfg := defaultRiskCfg()
	cfg.UseTrailingStop = true
	cfg.TrailingStopPct = 0.02
	f := newFixture(t, cfg)
	f.openPosition(t, "BTC-USDC", false)
	f.setPrice("BTC-USDC", "104.00") // +3.6%: inside bounds, stop should trail

	f.mon.Sweep(context.Background(), signal(types.ActionBuy, 0.70))

	if len(f.exiter.raised) != 1 {
		t.Fatalf("raise calls = %d, want 1", len(f.exiter.raised))
	}
	want := dec("104.00").Mul(dec("0.98"))
	if !f.exiter.raised[0].Equal(want) {
		t.Errorf("new stop = %s, want %s", f.exiter.raised[0], want)
	}
}
