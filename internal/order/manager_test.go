package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinbase-trader/internal/config"
	"coinbase-trader/internal/risk"
	"coinbase-trader/internal/store"
	"coinbase-trader/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeGateway is a scripted exchange. Orders placed through it are tracked
// so tests can assert on call ordering and drive fill outcomes.
type fakeGateway struct {
	mu sync.Mutex

	bid, ask     decimal.Decimal
	buyPressure  decimal.Decimal
	preview      types.OrderPreview
	fillLimit    bool            // limit placements report an instant full fill
	fillMarket   bool            // market placements report an instant full fill
	partialLimit decimal.Decimal // limit placements fill this much and stay open

	placeLimitErr   error
	placeMarketErr  error
	bracketFailures int // first N bracket placements fail
	cancelErr       error
	orderState      map[string]types.OrderUpdate // by exchange ID
	fills           map[string][]types.Fill      // by exchange ID

	placed    []string // client IDs of accepted placements
	attempted []string // client IDs of every placement attempt
	cancelled []string // exchange IDs
	seq       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		bid:         dec("99.95"),
		ask:         dec("100.00"),
		buyPressure: dec("0.60"),
		preview: types.OrderPreview{
			EstimatedFee: dec("0.40"),
			Slippage:     dec("0.0001"),
		},
		orderState: make(map[string]types.OrderUpdate),
		fills:      make(map[string][]types.Fill),
	}
}

func (g *fakeGateway) nextID() string {
	g.seq++
	return fmt.Sprintf("ex-%d", g.seq)
}

// fillOnPlacement arms the gateway so the next placed order reports filled
// with one fill of the given size/price.
func (g *fakeGateway) place(clientID, productID string, size, price decimal.Decimal, filled bool) (string, error) {
	exID := g.nextID()
	g.placed = append(g.placed, clientID)
	status := types.StatusOpen
	if filled {
		status = types.StatusFilled
		g.fills[exID] = []types.Fill{{
			FillID:    exID + "-f1",
			OrderID:   exID,
			ProductID: productID,
			Price:     price,
			Size:      size,
			Fee:       price.Mul(size).Mul(dec("0.004")),
			Liquidity: types.Maker,
			Time:      time.Now(),
		}}
	}
	g.orderState[exID] = types.OrderUpdate{
		ExchangeID: exID,
		ClientID:   clientID,
		ProductID:  productID,
		Status:     status,
		CumFilled:  g.orderState[exID].CumFilled,
		AvgPrice:   price,
	}
	if filled {
		u := g.orderState[exID]
		u.CumFilled = size
		g.orderState[exID] = u
	}
	return exID, nil
}

func (g *fakeGateway) PlaceLimitOrder(ctx context.Context, clientID, productID string, side types.Side, size, price decimal.Decimal, postOnly bool) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempted = append(g.attempted, clientID)
	if g.placeLimitErr != nil {
		return "", g.placeLimitErr
	}
	exID, err := g.place(clientID, productID, size, price, g.fillLimit)
	if err == nil && !g.fillLimit && g.partialLimit.IsPositive() {
		g.fills[exID] = []types.Fill{{
			FillID:    exID + "-p1",
			OrderID:   exID,
			ProductID: productID,
			Side:      side,
			Price:     price,
			Size:      g.partialLimit,
			Fee:       price.Mul(g.partialLimit).Mul(dec("0.004")),
			Liquidity: types.Maker,
			Time:      time.Now(),
		}}
		u := g.orderState[exID]
		u.CumFilled = g.partialLimit
		g.orderState[exID] = u
	}
	return exID, err
}

func (g *fakeGateway) PlaceMarketOrder(ctx context.Context, clientID, productID string, side types.Side, size decimal.Decimal) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeMarketErr != nil {
		return "", g.placeMarketErr
	}
	return g.place(clientID, productID, size, g.bid, g.fillMarket)
}

func (g *fakeGateway) PlaceBracketOrder(ctx context.Context, clientID, productID string, size, limitPrice, stopTrigger decimal.Decimal) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bracketFailures > 0 {
		g.bracketFailures--
		return "", errors.New("bracket rejected")
	}
	return g.place(clientID, productID, size, limitPrice, false)
}

func (g *fakeGateway) CancelOrder(ctx context.Context, exchangeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, exchangeID)
	if g.cancelErr != nil {
		return g.cancelErr
	}
	if u, ok := g.orderState[exchangeID]; ok && !u.Status.Terminal() {
		u.Status = types.StatusCancelled
		g.orderState[exchangeID] = u
	}
	return nil
}

func (g *fakeGateway) GetOrder(ctx context.Context, exchangeID string) (types.OrderUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.orderState[exchangeID]
	if !ok {
		return types.OrderUpdate{}, errors.New("order not found")
	}
	return u, nil
}

func (g *fakeGateway) GetFills(ctx context.Context, exchangeID string) ([]types.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fills[exchangeID], nil
}

func (g *fakeGateway) GetBestBidAsk(ctx context.Context, productIDs []string) ([]types.BestBidAsk, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.BestBidAsk, 0, len(productIDs))
	for _, id := range productIDs {
		out = append(out, types.BestBidAsk{ProductID: id, Bid: g.bid, Ask: g.ask, Time: time.Now()})
	}
	return out, nil
}

func (g *fakeGateway) PreviewOrder(ctx context.Context, productID string, side types.Side, size, price decimal.Decimal) (types.OrderPreview, error) {
	return g.preview, nil
}

func (g *fakeGateway) AnalyzeVolumeFlow(ctx context.Context, productID string, lookback int) (types.VolumeFlow, error) {
	return types.VolumeFlow{ProductID: productID, BuyPressure: g.buyPressure}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "order_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		FillTimeout:         0, // first poll decides
		SellFillTimeout:     0,
		CancelVerifyTimeout: 0,
		OrderMaxAge:         5 * time.Minute,
		MinFillFraction:     1.0,
	}
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPerTrade:      0.01,
		MaxPositionSize:   0.10,
		MaxTotalExposure:  0.50,
		DefaultStopLoss:   0.015,
		DefaultTakeProfit: 0.03,
		MaxDrawdown:       0.15,
		DrawdownRelease:   0.95,
		MaxConcurrent:     5,
		MaxSpreadPct:      0.005,
		MinBuyPressure:    0.45,
		MaxFeePct:         0.01,
		MaxSlippagePct:    0.005,
		MinQuoteTrade:     10,
	}
}

func newTestManager(t *testing.T, gw Gateway, st *store.Store) *Manager {
	t.Helper()
	rm, err := risk.NewManager(context.Background(), testRiskConfig(), st, testLogger())
	if err != nil {
		t.Fatalf("risk manager: %v", err)
	}
	return NewManager(gw, st, rm, testTradingConfig(), testRiskConfig(), testLogger())
}

func testProduct() types.Product {
	return types.Product{
		ID:             "BTC-USDC",
		Base:           "BTC",
		Quote:          "USDC",
		BaseIncrement:  dec("0.0001"),
		QuoteIncrement: dec("0.01"),
		MinBase:        dec("0.0001"),
		MinQuote:       dec("1"),
	}
}

func buySignal() types.Signal {
	return types.Signal{Action: types.ActionBuy, Confidence: 0.75, Strategy: "momentum", Reasons: []string{"test"}}
}

func TestBuyOpensPositionWithBracket(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.fillLimit = true
	st := newTestStore(t)
	m := newTestManager(t, gw, st)
	ctx := context.Background()

	pos, err := m.Buy(ctx, testProduct(), buySignal(), dec("10000"))
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if pos.ID == 0 {
		t.Fatal("position not persisted")
	}
	if pos.Unprotected {
		t.Error("position should be protected after bracket install")
	}
	if pos.StopOrderID == "" || pos.TPOrderID == "" {
		t.Error("bracket order references missing")
	}

	// Entry cost basis is fee-inclusive: fills at 99.99 with 0.4% fee.
	if !pos.EntryPrice.GreaterThan(dec("99.99")) {
		t.Errorf("entry price %s should exceed raw fill price (fees)", pos.EntryPrice)
	}

	stored, err := st.GetOpenPosition(ctx, "BTC-USDC")
	if err != nil {
		t.Fatalf("GetOpenPosition: %v", err)
	}
	if !stored.Size.Equal(pos.Size) {
		t.Errorf("stored size = %s, want %s", stored.Size, pos.Size)
	}
}

func TestBuyPersistsOrderBeforeSend(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.placeLimitErr = errors.New("exchange down")
	st := newTestStore(t)
	m := newTestManager(t, gw, st)
	ctx := context.Background()

	_, err := m.Buy(ctx, testProduct(), buySignal(), dec("10000"))
	if err == nil {
		t.Fatal("Buy should fail when placement fails")
	}

	// The order must exist locally even though the send failed, finalized
	// as rejected rather than lingering.
	if len(gw.attempted) != 1 {
		t.Fatalf("placement attempts = %d, want 1", len(gw.attempted))
	}
	got, err := st.GetOrder(ctx, gw.attempted[0])
	if err != nil {
		t.Fatalf("GetOrder: order was not persisted before send: %v", err)
	}
	if got.Status != types.StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
}

func TestBuyRejectsWideSpread(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.bid = dec("99.00")
	gw.ask = dec("100.00") // ~1% spread vs 0.5% max
	m := newTestManager(t, gw, newTestStore(t))

	_, err := m.Buy(context.Background(), testProduct(), buySignal(), dec("10000"))
	if !errors.Is(err, ErrSpreadTooWide) {
		t.Errorf("err = %v, want ErrSpreadTooWide", err)
	}
	if len(gw.placed) != 0 {
		t.Error("no order should be placed when the spread gate rejects")
	}
}

func TestBuyRejectsWeakBuyPressure(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.buyPressure = dec("0.30")
	m := newTestManager(t, gw, newTestStore(t))

	_, err := m.Buy(context.Background(), testProduct(), buySignal(), dec("10000"))
	if !errors.Is(err, ErrWeakBuyPressure) {
		t.Errorf("err = %v, want ErrWeakBuyPressure", err)
	}
}

func TestBuyRejectsHighFee(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.preview.EstimatedFee = dec("50") // 5% of a ~1000 notional
	m := newTestManager(t, gw, newTestStore(t))

	_, err := m.Buy(context.Background(), testProduct(), buySignal(), dec("10000"))
	if !errors.Is(err, ErrFeeTooHigh) {
		t.Errorf("err = %v, want ErrFeeTooHigh", err)
	}
}

func TestBuyTimeoutCancelsEntry(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway() // fillLimit false: order rests open
	st := newTestStore(t)
	m := newTestManager(t, gw, st)
	ctx := context.Background()

	_, err := m.Buy(ctx, testProduct(), buySignal(), dec("10000"))
	if !errors.Is(err, ErrEntryUnfilled) {
		t.Fatalf("err = %v, want ErrEntryUnfilled", err)
	}
	if len(gw.cancelled) != 1 {
		t.Fatalf("cancel calls = %d, want 1", len(gw.cancelled))
	}

	// No position, and the entry order landed in a terminal cancelled state.
	if _, err := st.GetOpenPosition(ctx, "BTC-USDC"); !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("unexpected position: %v", err)
	}
	open, _ := st.ListOpenOrders(ctx)
	if len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
}

func TestBuyPartialBelowMinimumIsFlattened(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.partialLimit = dec("0.00005") // below the 0.0001 product minimum
	st := newTestStore(t)
	m := newTestManager(t, gw, st)
	ctx := context.Background()

	_, err := m.Buy(ctx, testProduct(), buySignal(), dec("10000"))
	if !errors.Is(err, ErrEntryUnderfilled) {
		t.Fatalf("err = %v, want ErrEntryUnderfilled", err)
	}

	// No position from a dust remainder.
	if _, err := st.GetOpenPosition(ctx, "BTC-USDC"); !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("unexpected position: %v", err)
	}
	if len(gw.cancelled) != 1 {
		t.Errorf("cancel calls = %d, want 1", len(gw.cancelled))
	}

	// The remainder was market-sold rather than left on the book.
	open, err := st.ListOpenOrders(ctx)
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if len(open) != 1 || open[0].Side != types.SELL || open[0].Kind != types.KindMarket {
		t.Fatalf("open orders = %+v, want one market sell for the remainder", open)
	}
	if !open[0].RequestedSize.Equal(dec("0.00005")) {
		t.Errorf("remainder sell size = %s, want 0.00005", open[0].RequestedSize)
	}
}

func TestBuyPartialBelowFillFractionIsFlattened(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.partialLimit = dec("0.5") // well above the product minimum, far below requested
	st := newTestStore(t)
	m := newTestManager(t, gw, st)
	ctx := context.Background()

	_, err := m.Buy(ctx, testProduct(), buySignal(), dec("10000"))
	if !errors.Is(err, ErrEntryUnderfilled) {
		t.Fatalf("err = %v, want ErrEntryUnderfilled", err)
	}
	if _, err := st.GetOpenPosition(ctx, "BTC-USDC"); !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("unexpected position: %v", err)
	}

	open, err := st.ListOpenOrders(ctx)
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if len(open) != 1 || !open[0].RequestedSize.Equal(dec("0.5")) {
		t.Fatalf("open orders = %+v, want a 0.5 remainder sell", open)
	}
}

func TestCancelObservationCadence(t *testing.T) {
	t.Parallel()
	if pollInterval > time.Second {
		t.Fatalf("poll interval = %v, want order state observed at least once per second", pollInterval)
	}
}

func TestUnverifiedCancelBlocksProduct(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.cancelErr = errors.New("cancel endpoint down")
	st := newTestStore(t)
	m := newTestManager(t, gw, st)
	ctx := context.Background()

	_, err := m.Buy(ctx, testProduct(), buySignal(), dec("10000"))
	if !errors.Is(err, ErrCancelUnverified) {
		t.Fatalf("err = %v, want ErrCancelUnverified", err)
	}

	// Order parks in cancelling and the product refuses new entries.
	open, _ := st.ListOpenOrders(ctx)
	if len(open) != 1 || open[0].Status != types.StatusCancelling {
		t.Fatalf("open orders = %+v, want one cancelling", open)
	}
	_, err = m.Buy(ctx, testProduct(), buySignal(), dec("10000"))
	if !errors.Is(err, ErrProductBlocked) {
		t.Errorf("err = %v, want ErrProductBlocked", err)
	}
}

func TestBracketExhaustionMarksUnprotected(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.fillLimit = true
	gw.bracketFailures = 10 // more than the retry budget
	st := newTestStore(t)
	m := newTestManager(t, gw, st)
	ctx := context.Background()

	pos, err := m.Buy(ctx, testProduct(), buySignal(), dec("10000"))
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if !pos.Unprotected {
		t.Error("position should be flagged unprotected after bracket exhaustion")
	}

	stored, err := st.GetOpenPosition(ctx, "BTC-USDC")
	if err != nil {
		t.Fatalf("GetOpenPosition: %v", err)
	}
	if !stored.Unprotected {
		t.Error("unprotected flag not persisted")
	}
}

func TestSellClosesPosition(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.fillLimit = true
	gw.fillMarket = true
	st := newTestStore(t)
	m := newTestManager(t, gw, st)
	ctx := context.Background()

	pos, err := m.Buy(ctx, testProduct(), buySignal(), dec("10000"))
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	gw.bid = dec("105.00") // exit above entry
	rec, err := m.Sell(ctx, pos, types.ExitSignalProfit)
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if rec.ExitReason != types.ExitSignalProfit {
		t.Errorf("exit reason = %s, want signal_profit_exit", rec.ExitReason)
	}
	if !rec.NetPnL.IsPositive() {
		t.Errorf("net pnl = %s, want positive", rec.NetPnL)
	}

	// The bracket was cancelled before the market sell went out.
	if len(gw.cancelled) == 0 {
		t.Error("bracket was not cancelled before exit")
	}
	if _, err := st.GetOpenPosition(ctx, "BTC-USDC"); !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("position still open after sell: %v", err)
	}
}

func TestReconcileWritesOffUnackedOrder(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	st := newTestStore(t)
	m := newTestManager(t, gw, st)
	ctx := context.Background()

	// Simulate a crash between persist and send: submitted, no exchange ID,
	// older than the ack grace window.
	o := types.Order{
		ClientID:    "ghost-1",
		ProductID:   "BTC-USDC",
		Side:        types.BUY,
		Kind:        types.KindLimitGTCPostOnly,
		Status:      types.StatusSubmitted,
		SubmittedAt: time.Now().Add(-2 * time.Minute),
	}
	if err := st.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	m.Reconcile(ctx)

	got, err := st.GetOrder(ctx, "ghost-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != types.StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
}

func TestReconcileClosesPositionFromBracketFill(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	gw.fillLimit = true
	st := newTestStore(t)
	m := newTestManager(t, gw, st)
	ctx := context.Background()

	pos, err := m.Buy(ctx, testProduct(), buySignal(), dec("10000"))
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	// The take-profit leg fills on the exchange behind our back.
	bracket, err := st.GetOrder(ctx, pos.TPOrderID)
	if err != nil {
		t.Fatalf("GetOrder bracket: %v", err)
	}
	gw.mu.Lock()
	u := gw.orderState[bracket.ExchangeID]
	u.Status = types.StatusFilled
	u.CumFilled = pos.Size
	u.AvgPrice = pos.TakeProfit
	gw.orderState[bracket.ExchangeID] = u
	gw.fills[bracket.ExchangeID] = []types.Fill{{
		FillID:    "tp-fill-1",
		OrderID:   bracket.ExchangeID,
		ProductID: "BTC-USDC",
		Side:      types.SELL,
		Price:     pos.TakeProfit,
		Size:      pos.Size,
		Fee:       dec("0.10"),
		Liquidity: types.Maker,
		Time:      time.Now(),
	}}
	gw.mu.Unlock()

	m.Reconcile(ctx)

	if _, err := st.GetOpenPosition(ctx, "BTC-USDC"); !errors.Is(err, store.ErrPositionNotFound) {
		t.Fatalf("position should be closed by reconciler: %v", err)
	}
	trades, err := st.ListTrades(ctx, 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("trades = %d (%v), want 1", len(trades), err)
	}
	if trades[0].ExitReason != types.ExitTPTriggered {
		t.Errorf("exit reason = %s, want tp_triggered", trades[0].ExitReason)
	}
}

func TestHandleOrderUpdateFastPath(t *testing.T) {
	t.Parallel()
	gw := newFakeGateway()
	st := newTestStore(t)
	m := newTestManager(t, gw, st)
	ctx := context.Background()

	o := types.Order{
		ClientID:    "ws-1",
		ExchangeID:  "ex-ws-1",
		ProductID:   "ETH-USDC",
		Side:        types.BUY,
		Kind:        types.KindLimitGTCPostOnly,
		Status:      types.StatusOpen,
		SubmittedAt: time.Now(),
	}
	if err := st.UpsertOrder(ctx, o); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	m.HandleOrderUpdate(ctx, types.OrderUpdate{
		ExchangeID: "ex-ws-1",
		ClientID:   "ws-1",
		ProductID:  "ETH-USDC",
		Status:     types.StatusCancelled,
		Time:       time.Now(),
	})

	got, err := st.GetOrder(ctx, "ws-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != types.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}
