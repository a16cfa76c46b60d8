package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinbase-trader/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "store_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testOrder(clientID string, status types.OrderStatus) types.Order {
	return types.Order{
		ClientID:       clientID,
		ProductID:      "BTC-USDC",
		Side:           types.BUY,
		Kind:           types.KindLimitGTCPostOnly,
		RequestedPrice: dec("50000"),
		RequestedSize:  dec("0.01"),
		Status:         status,
		SubmittedAt:    time.Now(),
	}
}

func TestUpsertOrderRefusesTerminalTransition(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	o := testOrder("ord-1", types.StatusFilled)
	if err := st.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	o.Status = types.StatusOpen
	err := st.UpsertOrder(ctx, o)
	if !errors.Is(err, ErrTerminalOrder) {
		t.Fatalf("reopening a filled order: err = %v, want ErrTerminalOrder", err)
	}

	got, err := st.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != types.StatusFilled {
		t.Errorf("status = %s, want filled", got.Status)
	}
	if got.TerminalAt.IsZero() {
		t.Error("terminal_at not stamped on a filled order")
	}
}

func TestUpsertOrderSameTerminalStatusIsIdempotent(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	o := testOrder("ord-term", types.StatusCancelled)
	if err := st.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}
	if err := st.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("re-upsert with same terminal status: %v", err)
	}
}

func TestRecordFillIdempotent(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertOrder(ctx, testOrder("ord-2", types.StatusOpen)); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	fill := types.Fill{
		FillID:    "fill-1",
		OrderID:   "ord-2",
		ProductID: "BTC-USDC",
		Side:      types.BUY,
		Price:     dec("50000"),
		Size:      dec("0.004"),
		Fee:       dec("0.80"),
		Liquidity: types.Maker,
		Time:      time.Now(),
	}
	for i := 0; i < 3; i++ {
		if err := st.RecordFill(ctx, fill); err != nil {
			t.Fatalf("RecordFill attempt %d: %v", i, err)
		}
	}

	got, err := st.GetOrder(ctx, "ord-2")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if !got.FilledSize.Equal(dec("0.004")) {
		t.Errorf("filled size = %s, want 0.004 (duplicate fill must not double-count)", got.FilledSize)
	}
	if got.Status != types.StatusPartiallyFilled {
		t.Errorf("status = %s, want partially_filled", got.Status)
	}

	fills, err := st.FillsForOrder(ctx, "ord-2")
	if err != nil {
		t.Fatalf("FillsForOrder: %v", err)
	}
	if len(fills) != 1 {
		t.Errorf("fill count = %d, want 1", len(fills))
	}
}

func TestRecordFillPromotesToFilled(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.UpsertOrder(ctx, testOrder("ord-3", types.StatusOpen)); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	base := time.Now()
	for i, part := range []struct{ price, size string }{
		{"50000", "0.006"},
		{"50010", "0.004"},
	} {
		err := st.RecordFill(ctx, types.Fill{
			FillID:    "part-" + string(rune('a'+i)),
			OrderID:   "ord-3",
			ProductID: "BTC-USDC",
			Side:      types.BUY,
			Price:     dec(part.price),
			Size:      dec(part.size),
			Fee:       dec("0.50"),
			Liquidity: types.Maker,
			Time:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordFill %d: %v", i, err)
		}
	}

	got, err := st.GetOrder(ctx, "ord-3")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != types.StatusFilled {
		t.Errorf("status = %s, want filled", got.Status)
	}
	if !got.FilledSize.Equal(dec("0.01")) {
		t.Errorf("filled size = %s, want 0.01", got.FilledSize)
	}
	// (50000·0.006 + 50010·0.004) / 0.01 = 50004
	if !got.AvgFillPrice.Equal(dec("50004")) {
		t.Errorf("avg fill price = %s, want 50004", got.AvgFillPrice)
	}
}

func TestOnePositionPerProduct(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	pos := types.Position{
		ProductID:  "ETH-USDC",
		Status:     types.PositionOpen,
		Size:       dec("1"),
		EntryPrice: dec("3000"),
		OpenedAt:   time.Now(),
	}
	if _, err := st.OpenPosition(ctx, pos, nil); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	_, err := st.OpenPosition(ctx, pos, nil)
	if !errors.Is(err, ErrPositionExists) {
		t.Fatalf("second open position: err = %v, want ErrPositionExists", err)
	}

	// Closing releases the slot for a new position.
	if _, err := st.ClosePosition(ctx, "ETH-USDC", nil, types.ExitManual); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if _, err := st.OpenPosition(ctx, pos, nil); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}

func TestClosePositionDerivesPnL(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	entryOrder := testOrder("entry-1", types.StatusOpen)
	if err := st.UpsertOrder(ctx, entryOrder); err != nil {
		t.Fatalf("UpsertOrder entry: %v", err)
	}
	entryFill := types.Fill{
		FillID:    "ef-1",
		OrderID:   "entry-1",
		ProductID: "BTC-USDC",
		Side:      types.BUY,
		Price:     dec("100"),
		Size:      dec("1"),
		Fee:       dec("0.40"),
		Liquidity: types.Maker,
		Time:      time.Now(),
	}
	if err := st.RecordFill(ctx, entryFill); err != nil {
		t.Fatalf("RecordFill entry: %v", err)
	}

	// Fee-inclusive basis: (100·1 + 0.40) / 1 = 100.40
	basis := types.CostBasis([]types.Fill{entryFill})
	id, err := st.OpenPosition(ctx, types.Position{
		ProductID:  "BTC-USDC",
		Status:     types.PositionOpen,
		Size:       dec("1"),
		EntryPrice: basis,
		Strategy:   "momentum",
		OpenedAt:   time.Now(),
	}, []types.Fill{entryFill})
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	exitOrder := testOrder("exit-1", types.StatusOpen)
	exitOrder.Side = types.SELL
	exitOrder.Kind = types.KindMarket
	if err := st.UpsertOrder(ctx, exitOrder); err != nil {
		t.Fatalf("UpsertOrder exit: %v", err)
	}
	exitFill := types.Fill{
		FillID:    "xf-1",
		OrderID:   "exit-1",
		ProductID: "BTC-USDC",
		Side:      types.SELL,
		Price:     dec("110"),
		Size:      dec("1"),
		Fee:       dec("0.10"),
		Liquidity: types.Taker,
		Time:      time.Now(),
	}
	if err := st.RecordFill(ctx, exitFill); err != nil {
		t.Fatalf("RecordFill exit: %v", err)
	}

	rec, err := st.ClosePosition(ctx, "BTC-USDC", []types.Fill{exitFill}, types.ExitSignalProfit)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	// gross = (110 − 100.40) × 1; net subtracts the exit fee only, entry
	// fees are inside the basis.
	if !rec.GrossPnL.Equal(dec("9.6")) {
		t.Errorf("gross pnl = %s, want 9.6", rec.GrossPnL)
	}
	if !rec.NetPnL.Equal(dec("9.5")) {
		t.Errorf("net pnl = %s, want 9.5", rec.NetPnL)
	}
	if !rec.Fees.Equal(dec("0.50")) {
		t.Errorf("fees = %s, want 0.50 (both legs)", rec.Fees)
	}
	wantPct := dec("9.6").Div(dec("100.40"))
	if !rec.PnLPct.Sub(wantPct).Abs().LessThan(dec("0.000001")) {
		t.Errorf("pnl pct = %s, want ~%s", rec.PnLPct, wantPct)
	}
	if rec.ExitReason != types.ExitSignalProfit {
		t.Errorf("exit reason = %s, want signal_profit_exit", rec.ExitReason)
	}

	entryFills, err := st.EntryFills(ctx, id)
	if err != nil {
		t.Fatalf("EntryFills: %v", err)
	}
	if len(entryFills) != 1 || entryFills[0].FillID != "ef-1" {
		t.Errorf("entry fills = %+v, want the tagged entry fill", entryFills)
	}
}

func TestListOrdersOlderThanSkipsTerminal(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	stale := testOrder("stale-open", types.StatusOpen)
	stale.SubmittedAt = time.Now().Add(-time.Hour)
	if err := st.UpsertOrder(ctx, stale); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	done := testOrder("stale-filled", types.StatusFilled)
	done.SubmittedAt = time.Now().Add(-time.Hour)
	if err := st.UpsertOrder(ctx, done); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	fresh := testOrder("fresh-open", types.StatusOpen)
	if err := st.UpsertOrder(ctx, fresh); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	old, err := st.ListOrdersOlderThan(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("ListOrdersOlderThan: %v", err)
	}
	if len(old) != 1 || old[0].ClientID != "stale-open" {
		t.Errorf("stale orders = %+v, want only stale-open", old)
	}
}

func TestEquityCurveKeepsRecentOldestFirst(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, total := range []string{"100", "200", "300", "400"} {
		err := st.SnapshotEquity(ctx, types.EquitySnapshot{
			Time:       base.Add(time.Duration(i) * time.Minute),
			TotalQuote: dec(total),
		})
		if err != nil {
			t.Fatalf("SnapshotEquity: %v", err)
		}
	}

	curve, err := st.EquityCurve(ctx, 2)
	if err != nil {
		t.Fatalf("EquityCurve: %v", err)
	}
	if len(curve) != 2 {
		t.Fatalf("len = %d, want 2", len(curve))
	}
	if !curve[0].TotalQuote.Equal(dec("300")) || !curve[1].TotalQuote.Equal(dec("400")) {
		t.Errorf("curve = [%s %s], want [300 400]", curve[0].TotalQuote, curve[1].TotalQuote)
	}
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	got, err := st.GetState(ctx, "missing")
	if err != nil || got != "" {
		t.Fatalf("absent key: (%q, %v), want (\"\", nil)", got, err)
	}

	if err := st.PutState(ctx, "risk.peak_equity", "10500.25"); err != nil {
		t.Fatalf("PutState: %v", err)
	}
	if err := st.PutState(ctx, "risk.peak_equity", "11000"); err != nil {
		t.Fatalf("PutState overwrite: %v", err)
	}
	got, err = st.GetState(ctx, "risk.peak_equity")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got != "11000" {
		t.Errorf("state = %q, want 11000", got)
	}
}
