// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. Scanner ranks spot products by 24h quote volume each cycle.
//  2. A bounded worker pool pulls candles, computes indicators, and runs
//     the active strategy per candidate.
//  3. The position monitor applies signal-confirmed exit rules to every
//     open position before any new entry is considered.
//  4. The order manager executes entries and exits with write-before-send
//     persistence and verified cancellation.
//  5. The risk manager gates entries and runs the drawdown halt.
//  6. The WebSocket feed streams tickers into the shared price book and
//     order events into the reconciler fast path.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinbase-trader/internal/analytics"
	"coinbase-trader/internal/api"
	"coinbase-trader/internal/config"
	"coinbase-trader/internal/exchange"
	"coinbase-trader/internal/indicator"
	"coinbase-trader/internal/market"
	"coinbase-trader/internal/monitor"
	"coinbase-trader/internal/order"
	"coinbase-trader/internal/risk"
	"coinbase-trader/internal/store"
	"coinbase-trader/internal/strategy"
	"coinbase-trader/pkg/types"
)

// haltGrace is how long a drawdown halt may persist before the engine
// gives up and terminates the process. Equity recovering above the
// release threshold within the grace resumes trading instead.
const haltGrace = 6 * time.Hour

// performanceEvery logs an analytics snapshot every N main-loop cycles.
const performanceEvery = 10

const stateHaltedSince = "engine.halted_since"

// Engine orchestrates all components. It owns the lifecycle of all
// goroutines and the main evaluation loop.
type Engine struct {
	cfg      config.Config
	client   *exchange.Client
	feed     *exchange.WSFeed
	scanner  *market.Scanner
	book     *market.Book
	riskMgr  *risk.Manager
	orders   *order.Manager
	monitor  *monitor.Monitor
	tracker  *analytics.Tracker
	strategy strategy.Strategy
	store    *store.Store
	status   *api.Server
	logger   *slog.Logger

	// fatal is closed when the engine decides the process must exit
	// (drawdown halt past grace). main maps it to exit code 2.
	fatal     chan struct{}
	fatalOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Live mode requires working
// credentials: the preflight in Start verifies trade permission.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth := exchange.NewAuth(cfg.API.Key, cfg.API.Secret)

	client, err := exchange.NewClient(&cfg, auth, logger)
	if err != nil {
		return nil, fmt.Errorf("create exchange client: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	riskMgr, err := risk.NewManager(ctx, cfg.Risk, st, logger)
	if err != nil {
		cancel()
		st.Close()
		return nil, fmt.Errorf("create risk manager: %w", err)
	}

	strat, err := strategy.New(cfg.Strategies)
	if err != nil {
		cancel()
		st.Close()
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		client:   client,
		feed:     exchange.NewWSFeed(cfg.API.WSURL, auth, logger),
		scanner:  market.NewScanner(client, cfg.Trading, cfg.Risk, logger),
		book:     market.NewBook(),
		riskMgr:  riskMgr,
		store:    st,
		strategy: strat,
		tracker:  analytics.NewTracker(st, logger),
		logger:   logger.With("component", "engine"),
		fatal:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	e.orders = order.NewManager(client, st, riskMgr, cfg.Trading, cfg.Risk, logger)
	e.monitor = monitor.NewMonitor(st, e.book, client, &publishingExiter{engine: e}, riskMgr, cfg.Exit, logger)

	if cfg.Status.Enabled {
		e.status = api.NewServer(cfg.Status, e, logger)
	}

	return e, nil
}

// Start runs the preflight, launches the feed, dispatchers, status server,
// and the main loop. Returns an error only on preflight failure.
func (e *Engine) Start() error {
	if err := e.preflight(); err != nil {
		return err
	}

	// Reconcile before the first cycle so a crash mid-order is resolved
	// before any new decisions are made.
	e.orders.Reconcile(e.ctx)

	e.feed.OnReconnect(func() {
		e.logger.Warn("websocket reconnected, reconciling orders")
		e.orders.Reconcile(e.ctx)
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("websocket feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchTickers()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchOrderUpdates()
	}()

	if e.status != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.status.Start(); err != nil {
				e.logger.Error("status server failed", "error", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()

	return nil
}

// Stop gracefully shuts down: cancels the context, cancels open entry
// orders on the exchange as a safety net, waits for goroutines, and
// closes resources. Open positions and their brackets are left standing;
// the reconciler picks them up on the next start.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 15*time.Second)
	e.cancelOpenEntries(cancelCtx)
	cancelCancel()

	if e.status != nil {
		if err := e.status.Stop(); err != nil {
			e.logger.Error("failed to stop status server", "error", err)
		}
	}

	e.wg.Wait()

	e.feed.Close()
	e.store.Close()

	e.logger.Info("shutdown complete")
}

// Fatal is closed when the engine wants the process to exit with the
// runtime-halt code.
func (e *Engine) Fatal() <-chan struct{} { return e.fatal }

// preflight verifies credentials and fee tier before live trading.
func (e *Engine) preflight() error {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	if e.cfg.Trading.PaperTrading {
		e.logger.Warn("PAPER TRADING MODE — orders are simulated, no real funds at risk")
		return nil
	}

	perms, err := e.client.CheckPermissions(ctx)
	if err != nil {
		return fmt.Errorf("permission check failed: %w", err)
	}
	if !perms.CanTrade {
		return fmt.Errorf("api key lacks trade permission (portfolio %s)", perms.PortfolioUUID)
	}

	summary, err := e.client.GetTransactionSummary(ctx)
	if err != nil {
		return fmt.Errorf("fee tier check failed: %w", err)
	}
	e.logger.Info("preflight ok",
		"can_trade", perms.CanTrade,
		"maker_fee", summary.MakerFeeRate.String(),
		"taker_fee", summary.TakerFeeRate.String())
	return nil
}

// run is the main loop: one full evaluation cycle, then sleep.
func (e *Engine) run() {
	e.logger.Info("main loop started",
		"interval", e.cfg.Trading.LoopSleep,
		"strategy", e.strategy.Name(),
		"quote", e.cfg.Trading.QuoteCurrency)

	cycle := 0
	for {
		start := time.Now()
		e.runCycle(e.ctx, cycle)
		cycle++

		elapsed := time.Since(start)
		e.logger.Debug("cycle complete", "cycle", cycle, "took", elapsed)

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.cfg.Trading.LoopSleep):
		}
	}
}

// runCycle executes one pass: reconcile, mark equity, drawdown check,
// scan, analyze, manage exits, then consider entries.
func (e *Engine) runCycle(ctx context.Context, cycle int) {
	e.orders.Reconcile(ctx)

	positions, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		e.logger.Error("failed to list positions", "error", err)
		return
	}

	equity, err := e.markEquity(ctx, positions)
	if err != nil {
		e.logger.Error("equity computation failed", "error", err)
		return
	}

	if !e.checkDrawdown(ctx, equity) {
		// Halted: keep managing exits, skip scanning for entries.
		signals := e.analyze(ctx, e.heldProducts(positions))
		e.monitor.Sweep(ctx, signals)
		return
	}

	held := make([]string, 0, len(positions))
	for _, pos := range positions {
		held = append(held, pos.ProductID)
	}
	candidates, err := e.scanner.Candidates(ctx, held)
	if err != nil {
		e.logger.Error("scan failed", "error", err)
		return
	}

	ids := make([]string, 0, len(candidates))
	for _, p := range candidates {
		ids = append(ids, p.ID)
	}
	if err := e.feed.Subscribe(ids); err != nil {
		e.logger.Warn("ticker subscribe failed", "error", err)
	}

	signals := e.analyze(ctx, candidates)

	e.monitor.Sweep(ctx, signals)

	e.enterPositions(ctx, candidates, signals, positions, equity)

	if cycle%performanceEvery == 0 && cycle > 0 {
		e.tracker.LogSnapshot(ctx)
	}
}

// markEquity values cash plus open positions at current marks and
// persists an equity snapshot.
func (e *Engine) markEquity(ctx context.Context, positions []types.Position) (decimal.Decimal, error) {
	accounts, err := e.client.GetAccounts(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get accounts: %w", err)
	}

	var cash decimal.Decimal
	for _, acct := range accounts {
		if strings.EqualFold(acct.Currency, e.cfg.Trading.QuoteCurrency) {
			cash = cash.Add(acct.Available).Add(acct.Hold)
		}
	}

	var posValue decimal.Decimal
	for _, pos := range positions {
		mark := e.markPrice(ctx, pos)
		posValue = posValue.Add(pos.Size.Mul(mark))
	}

	total := cash.Add(posValue)
	snap := types.EquitySnapshot{
		Time:           time.Now(),
		CashQuote:      cash,
		PositionsValue: posValue,
		TotalQuote:     total,
		OpenPositions:  len(positions),
	}
	if err := e.store.SnapshotEquity(ctx, snap); err != nil {
		e.logger.Error("failed to snapshot equity", "error", err)
	}
	return total, nil
}

// markPrice returns the best available mark for a position: fresh ticker,
// then REST mid, then entry price as a last resort.
func (e *Engine) markPrice(ctx context.Context, pos types.Position) decimal.Decimal {
	if tick, ok := e.book.Fresh(pos.ProductID, e.cfg.Exit.MaxPriceStaleness); ok {
		return tick.Price
	}
	books, err := e.client.GetBestBidAsk(ctx, []string{pos.ProductID})
	if err == nil && len(books) > 0 {
		return books[0].Mid()
	}
	e.logger.Warn("no mark available, valuing at entry", "product", pos.ProductID)
	return pos.EntryPrice
}

// checkDrawdown updates the drawdown state and enforces the halt grace.
// Returns false while entries must stay blocked.
func (e *Engine) checkDrawdown(ctx context.Context, equity decimal.Decimal) bool {
	wasHalted := e.riskMgr.Halted()
	drawdown, halted, err := e.riskMgr.UpdateDrawdown(ctx, equity)
	if err != nil {
		e.logger.Error("drawdown update failed", "error", err)
		return false
	}

	if halted != wasHalted && e.status != nil {
		e.status.Publish(api.NewHaltEvent(halted, drawdown))
	}

	if !halted {
		if wasHalted {
			e.logger.Info("drawdown halt released", "equity", equity.StringFixed(2))
			if err := e.store.PutState(ctx, stateHaltedSince, ""); err != nil {
				e.logger.Error("failed to clear halt timestamp", "error", err)
			}
		}
		return true
	}

	since, err := e.haltedSince(ctx)
	if err != nil {
		e.logger.Error("failed to read halt timestamp", "error", err)
		return false
	}
	if since.IsZero() {
		since = time.Now()
		if err := e.store.PutState(ctx, stateHaltedSince, since.Format(time.RFC3339)); err != nil {
			e.logger.Error("failed to persist halt timestamp", "error", err)
		}
	}

	if time.Since(since) > haltGrace {
		e.logger.Error("drawdown halt exceeded grace period, terminating",
			"halted_since", since.Format(time.RFC3339),
			"grace", haltGrace,
			"equity", equity.StringFixed(2))
		e.fatalOnce.Do(func() { close(e.fatal) })
	}
	return false
}

func (e *Engine) haltedSince(ctx context.Context) (time.Time, error) {
	raw, err := e.store.GetState(ctx, stateHaltedSince)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, raw)
}

// heldProducts resolves open positions back to scanner products so exits
// keep getting signals while entries are halted.
func (e *Engine) heldProducts(positions []types.Position) []types.Product {
	if len(positions) == 0 {
		return nil
	}
	held := make([]string, 0, len(positions))
	for _, pos := range positions {
		held = append(held, pos.ProductID)
	}
	all, err := e.scanner.ScanAll(e.ctx)
	if err != nil {
		e.logger.Error("failed to resolve held products", "error", err)
		out := make([]types.Product, 0, len(held))
		for _, id := range held {
			out = append(out, types.Product{ID: id})
		}
		return out
	}
	byID := make(map[string]types.Product, len(all))
	for _, p := range all {
		byID[p.ID] = p
	}
	out := make([]types.Product, 0, len(held))
	for _, id := range held {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		} else {
			out = append(out, types.Product{ID: id})
		}
	}
	return out
}

// analyze runs the strategy over all candidates with a bounded worker
// pool and returns signals keyed by product ID.
func (e *Engine) analyze(ctx context.Context, candidates []types.Product) map[string]types.Signal {
	if len(candidates) == 0 {
		return nil
	}

	jobs := make(chan types.Product)
	var mu sync.Mutex
	signals := make(map[string]types.Signal, len(candidates))

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Trading.AnalysisWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				sig, err := e.analyzeOne(ctx, p)
				if err != nil {
					e.logger.Warn("analysis failed", "product", p.ID, "error", err)
					continue
				}
				mu.Lock()
				signals[p.ID] = sig
				mu.Unlock()
			}
		}()
	}

	for _, p := range candidates {
		select {
		case jobs <- p:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	return signals
}

func (e *Engine) analyzeOne(ctx context.Context, p types.Product) (types.Signal, error) {
	candles, err := e.client.GetCandles(ctx, p.ID, e.cfg.Trading.Granularity, e.cfg.Trading.CandleHistory)
	if err != nil {
		return types.Signal{}, fmt.Errorf("get candles: %w", err)
	}
	series := indicator.Enrich(candles)
	if series.Len() < indicator.WarmUp {
		return types.Signal{}, fmt.Errorf("insufficient history: %d candles", series.Len())
	}
	return e.strategy.Analyze(series, p.ID), nil
}

// enterPositions opens new positions for confident BUY signals, best
// candidates first.
func (e *Engine) enterPositions(ctx context.Context, candidates []types.Product, signals map[string]types.Signal, positions []types.Position, equity decimal.Decimal) {
	if e.riskMgr.Halted() {
		return
	}

	open := make(map[string]bool, len(positions))
	for _, pos := range positions {
		open[pos.ProductID] = true
	}

	// Strongest signals first.
	ordered := make([]types.Product, 0, len(candidates))
	for _, p := range candidates {
		if sig, ok := signals[p.ID]; ok && sig.Action == types.ActionBuy && !open[p.ID] {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return signals[ordered[i].ID].Confidence > signals[ordered[j].ID].Confidence
	})

	for _, p := range ordered {
		sig := signals[p.ID]
		if sig.Confidence < e.cfg.Trading.MinSignalConfidence {
			continue
		}

		pos, err := e.orders.Buy(ctx, p, sig, equity)
		if err != nil {
			e.logger.Info("entry skipped", "product", p.ID, "reason", err)
			continue
		}

		e.logger.Info("position opened",
			"product", pos.ProductID,
			"size", pos.Size.String(),
			"entry", pos.EntryPrice.StringFixed(4),
			"stop", pos.StopLoss.StringFixed(4),
			"take_profit", pos.TakeProfit.StringFixed(4),
			"strategy", pos.Strategy,
			"confidence", fmt.Sprintf("%.2f", sig.Confidence))
		if e.status != nil {
			e.status.Publish(api.NewPositionEvent(pos))
		}
	}
}

// cancelOpenEntries cancels non-bracket open orders on shutdown. Brackets
// stay working so positions remain protected while the bot is down.
func (e *Engine) cancelOpenEntries(ctx context.Context) {
	orders, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		e.logger.Error("failed to list open orders on shutdown", "error", err)
		return
	}
	for _, o := range orders {
		if o.ParentPosition != 0 || o.ExchangeID == "" {
			continue
		}
		if err := e.client.CancelOrder(ctx, o.ExchangeID); err != nil {
			e.logger.Error("failed to cancel order on shutdown",
				"client_id", o.ClientID, "error", err)
		}
	}
}

// dispatchTickers drains the ticker channel into the shared price book.
func (e *Engine) dispatchTickers() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick := <-e.feed.Tickers():
			e.book.Update(tick)
		}
	}
}

// dispatchOrderUpdates drains user-channel order events into the
// reconciler fast path.
func (e *Engine) dispatchOrderUpdates() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case update := <-e.feed.OrderUpdates():
			e.orders.HandleOrderUpdate(e.ctx, update)
		}
	}
}

// publishingExiter wraps the order manager so closed trades and raised
// stops reach the status stream.
type publishingExiter struct {
	engine *Engine
}

func (p *publishingExiter) Sell(ctx context.Context, pos types.Position, reason types.ExitReason) (types.TradeRecord, error) {
	rec, err := p.engine.orders.Sell(ctx, pos, reason)
	if err != nil {
		return rec, err
	}
	if p.engine.status != nil {
		p.engine.status.Publish(api.NewTradeEvent(rec))
	}
	return rec, nil
}

func (p *publishingExiter) RaiseStop(ctx context.Context, pos types.Position, newStop decimal.Decimal) (types.Position, error) {
	return p.engine.orders.RaiseStop(ctx, pos, newStop)
}
