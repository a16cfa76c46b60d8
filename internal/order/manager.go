// Package order owns the full order lifecycle: entry placement, fill
// tracking, bracket protection, exits, and reconciliation against the
// exchange.
//
// The cardinal rule is write-before-send: every order is persisted as
// submitted BEFORE the gateway call goes out, so a crash between send and
// ack leaves a local record to reconcile instead of a ghost order on the
// exchange. The second rule is that an unverified cancellation is never
// assumed dead — the order parks in the cancelling status, the product is
// blocked for new entries, and the reconciler keeps polling until the
// exchange confirms a terminal state.
//
// All transitions for a product happen under that product's lock, shared
// between the buy/sell paths and the reconciler, so concurrent sweeps
// cannot interleave half-finished lifecycles.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"coinbase-trader/internal/config"
	"coinbase-trader/internal/risk"
	"coinbase-trader/internal/store"
	"coinbase-trader/pkg/types"
)

// Entry rejection reasons. All mean "skip this product this cycle".
var (
	ErrSpreadTooWide    = errors.New("spread exceeds maximum")
	ErrWeakBuyPressure  = errors.New("buy pressure below minimum")
	ErrFeeTooHigh       = errors.New("estimated fee exceeds maximum")
	ErrSlippageTooHigh  = errors.New("estimated slippage exceeds maximum")
	ErrProductBlocked   = errors.New("product has an order in cancelling state")
	ErrCancelUnverified = errors.New("cancellation could not be verified")
	ErrEntryUnfilled    = errors.New("entry order not filled within timeout")
	ErrEntryUnderfilled = errors.New("partial entry fill below acceptance threshold")
	ErrExitUnfilled     = errors.New("exit order not filled within timeout")
)

// flowLookback is how many recent public trades feed the buy-pressure check.
const flowLookback = 100

// pollInterval is how often fill-wait and cancel-verify loops query order
// state. An order parked in cancelling must be observed at least once per
// second.
const pollInterval = time.Second

// bracketAttempts is how many times bracket installation is retried before
// the position is marked unprotected.
const bracketAttempts = 3

// Gateway is the slice of the exchange client the order manager uses.
type Gateway interface {
	PlaceLimitOrder(ctx context.Context, clientID, productID string, side types.Side, size, price decimal.Decimal, postOnly bool) (string, error)
	PlaceMarketOrder(ctx context.Context, clientID, productID string, side types.Side, size decimal.Decimal) (string, error)
	PlaceBracketOrder(ctx context.Context, clientID, productID string, size, limitPrice, stopTrigger decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, exchangeID string) error
	GetOrder(ctx context.Context, exchangeID string) (types.OrderUpdate, error)
	GetFills(ctx context.Context, exchangeID string) ([]types.Fill, error)
	GetBestBidAsk(ctx context.Context, productIDs []string) ([]types.BestBidAsk, error)
	PreviewOrder(ctx context.Context, productID string, side types.Side, size, price decimal.Decimal) (types.OrderPreview, error)
	AnalyzeVolumeFlow(ctx context.Context, productID string, lookback int) (types.VolumeFlow, error)
}

// Manager drives order lifecycles against the gateway and the store.
type Manager struct {
	gateway Gateway
	store   *store.Store
	risk    *risk.Manager
	cfg     config.TradingConfig
	riskCfg config.RiskConfig
	logger  *slog.Logger

	lockMu   sync.Mutex
	products map[string]*sync.Mutex
}

// NewManager creates an order manager.
func NewManager(gw Gateway, st *store.Store, rm *risk.Manager, cfg config.TradingConfig, riskCfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		gateway:  gw,
		store:    st,
		risk:     rm,
		cfg:      cfg,
		riskCfg:  riskCfg,
		logger:   logger.With("component", "orders"),
		products: make(map[string]*sync.Mutex),
	}
}

// productLock returns the mutex serializing all lifecycle work for one
// product.
func (m *Manager) productLock(productID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	mu, ok := m.products[productID]
	if !ok {
		mu = &sync.Mutex{}
		m.products[productID] = mu
	}
	return mu
}

// ————————————————————————————————————————————————————————————————————————
// Buy path
// ————————————————————————————————————————————————————————————————————————

// Buy executes a full entry for a BUY signal: pre-trade gates, maker-priced
// limit order, fill wait, position creation, bracket installation. Returns
// the opened position, or a rejection error explaining why no entry was
// made.
func (m *Manager) Buy(ctx context.Context, product types.Product, sig types.Signal, equity decimal.Decimal) (types.Position, error) {
	mu := m.productLock(product.ID)
	mu.Lock()
	defer mu.Unlock()

	if blocked, err := m.productBlocked(ctx, product.ID); err != nil {
		return types.Position{}, err
	} else if blocked {
		return types.Position{}, fmt.Errorf("%w: %s", ErrProductBlocked, product.ID)
	}

	book, err := m.topOfBook(ctx, product.ID)
	if err != nil {
		return types.Position{}, err
	}

	maxSpread := decimal.NewFromFloat(m.riskCfg.MaxSpreadPct)
	if book.SpreadPct().GreaterThan(maxSpread) {
		return types.Position{}, fmt.Errorf("%w: %s > %s",
			ErrSpreadTooWide, book.SpreadPct().StringFixed(4), maxSpread.StringFixed(4))
	}

	flow, err := m.gateway.AnalyzeVolumeFlow(ctx, product.ID, flowLookback)
	if err != nil {
		return types.Position{}, fmt.Errorf("volume flow: %w", err)
	}
	minPressure := decimal.NewFromFloat(m.riskCfg.MinBuyPressure)
	if flow.BuyPressure.LessThan(minPressure) {
		return types.Position{}, fmt.Errorf("%w: %s < %s (%s)",
			ErrWeakBuyPressure, flow.BuyPressure.StringFixed(2), minPressure.StringFixed(2), flow.NetPressure)
	}

	// Maker pricing: one tick inside the ask, quantized down to the quote
	// increment so the exchange never rejects on precision.
	tick := product.OneTick()
	entryPrice := book.Ask.Sub(tick).Div(tick).Floor().Mul(tick)
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return types.Position{}, fmt.Errorf("degenerate entry price from book ask %s", book.Ask)
	}

	stopLoss, _ := m.risk.Brackets(entryPrice, product)
	size, err := m.risk.PositionSize(equity, entryPrice, stopLoss, product)
	if err != nil {
		return types.Position{}, err
	}
	notional := size.Mul(entryPrice)

	if err := m.risk.CanOpen(ctx, product.ID, notional, equity); err != nil {
		return types.Position{}, err
	}

	preview, err := m.gateway.PreviewOrder(ctx, product.ID, types.BUY, size, entryPrice)
	if err != nil {
		return types.Position{}, fmt.Errorf("preview order: %w", err)
	}
	if notional.IsPositive() {
		feePct := preview.EstimatedFee.Div(notional)
		if feePct.GreaterThan(decimal.NewFromFloat(m.riskCfg.MaxFeePct)) {
			return types.Position{}, fmt.Errorf("%w: %s", ErrFeeTooHigh, feePct.StringFixed(4))
		}
	}
	if preview.Slippage.GreaterThan(decimal.NewFromFloat(m.riskCfg.MaxSlippagePct)) {
		return types.Position{}, fmt.Errorf("%w: %s", ErrSlippageTooHigh, preview.Slippage.StringFixed(4))
	}

	order := types.Order{
		ClientID:       uuid.NewString(),
		ProductID:      product.ID,
		Side:           types.BUY,
		Kind:           types.KindLimitGTCPostOnly,
		RequestedPrice: entryPrice,
		RequestedSize:  size,
		Status:         types.StatusSubmitted,
		SubmittedAt:    time.Now(),
	}
	if err := m.store.UpsertOrder(ctx, order); err != nil {
		return types.Position{}, fmt.Errorf("persist entry order: %w", err)
	}

	m.logger.Info("placing entry order",
		"product", product.ID,
		"client_id", order.ClientID,
		"price", entryPrice,
		"size", size,
		"strategy", sig.Strategy,
		"confidence", fmt.Sprintf("%.2f", sig.Confidence))

	exchangeID, err := m.gateway.PlaceLimitOrder(ctx, order.ClientID, product.ID, types.BUY, size, entryPrice, true)
	if err != nil {
		order.Status = types.StatusRejected
		order.TerminalAt = time.Now()
		if uerr := m.store.UpsertOrder(ctx, order); uerr != nil {
			m.logger.Error("failed to mark rejected order", "client_id", order.ClientID, "error", uerr)
		}
		return types.Position{}, fmt.Errorf("place entry order: %w", err)
	}
	order.ExchangeID = exchangeID
	order.Status = types.StatusOpen
	if err := m.store.UpsertOrder(ctx, order); err != nil {
		return types.Position{}, fmt.Errorf("persist exchange id: %w", err)
	}

	filled, err := m.awaitFill(ctx, &order, m.cfg.FillTimeout)
	if err != nil {
		return types.Position{}, err
	}
	if !filled {
		// Not filled in time: cancel, verify, and keep whatever partial
		// fills the cancel race left us.
		if err := m.cancelVerified(ctx, &order); err != nil {
			return types.Position{}, err
		}
	}

	entryFills, err := m.harvestFills(ctx, order)
	if err != nil {
		return types.Position{}, err
	}
	if len(entryFills) == 0 {
		return types.Position{}, fmt.Errorf("%w: %s", ErrEntryUnfilled, order.ClientID)
	}

	// A partial fill only becomes a position when it clears both the
	// acceptance fraction and the exchange's minimum order size; anything
	// smaller is flattened so no unmanaged inventory is left on the book.
	var filledSize decimal.Decimal
	for _, f := range entryFills {
		filledSize = filledSize.Add(f.Size)
	}
	minAccept := order.RequestedSize.Mul(decimal.NewFromFloat(m.cfg.MinFillFraction))
	if filledSize.LessThan(minAccept) || filledSize.LessThan(product.MinBase) {
		m.flattenRemainder(ctx, product.ID, filledSize)
		return types.Position{}, fmt.Errorf("%w: filled %s of %s (minimum %s)",
			ErrEntryUnderfilled, filledSize, order.RequestedSize, product.MinBase)
	}

	return m.openPosition(ctx, product, sig, entryFills)
}

// flattenRemainder market-sells a partial entry fill that is too small to
// carry as a managed position. Best effort: a rejected dust sell is logged
// at CRITICAL and left for the operator.
func (m *Manager) flattenRemainder(ctx context.Context, productID string, size decimal.Decimal) {
	if !size.IsPositive() {
		return
	}

	order := types.Order{
		ClientID:      uuid.NewString(),
		ProductID:     productID,
		Side:          types.SELL,
		Kind:          types.KindMarket,
		RequestedSize: size,
		Status:        types.StatusSubmitted,
		SubmittedAt:   time.Now(),
	}
	if err := m.store.UpsertOrder(ctx, order); err != nil {
		m.logger.Error("failed to persist remainder sell", "product", productID, "error", err)
		return
	}

	exchangeID, err := m.gateway.PlaceMarketOrder(ctx, order.ClientID, productID, types.SELL, size)
	if err != nil {
		order.Status = types.StatusRejected
		order.TerminalAt = time.Now()
		if uerr := m.store.UpsertOrder(ctx, order); uerr != nil {
			m.logger.Error("failed to mark rejected remainder sell", "client_id", order.ClientID, "error", uerr)
		}
		m.logger.Error("CRITICAL: could not flatten partial entry remainder",
			"product", productID, "size", size, "error", err)
		return
	}
	order.ExchangeID = exchangeID
	order.Status = types.StatusOpen
	if err := m.store.UpsertOrder(ctx, order); err != nil {
		m.logger.Error("failed to persist remainder sell exchange id", "client_id", order.ClientID, "error", err)
		return
	}

	if _, err := m.awaitFill(ctx, &order, m.cfg.SellFillTimeout); err != nil {
		m.logger.Warn("remainder sell confirmation interrupted", "client_id", order.ClientID, "error", err)
		return
	}
	if _, err := m.harvestFills(ctx, order); err != nil {
		m.logger.Warn("failed to record remainder sell fills", "client_id", order.ClientID, "error", err)
	}
	m.logger.Info("flattened partial entry remainder", "product", productID, "size", size)
}

// openPosition materializes a position from entry fills and installs the
// protective bracket.
func (m *Manager) openPosition(ctx context.Context, product types.Product, sig types.Signal, entryFills []types.Fill) (types.Position, error) {
	var filledSize decimal.Decimal
	for _, f := range entryFills {
		filledSize = filledSize.Add(f.Size)
	}
	entryPrice := types.CostBasis(entryFills)
	stopLoss, takeProfit := m.risk.Brackets(entryPrice, product)

	pos := types.Position{
		ProductID:  product.ID,
		Status:     types.PositionOpen,
		Size:       filledSize,
		EntryPrice: entryPrice,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Strategy:   sig.Strategy,
		OpenedAt:   time.Now(),
	}
	id, err := m.store.OpenPosition(ctx, pos, entryFills)
	if err != nil {
		return types.Position{}, fmt.Errorf("open position: %w", err)
	}
	pos.ID = id

	m.logger.Info("position opened",
		"product", product.ID,
		"size", pos.Size,
		"entry_price", pos.EntryPrice,
		"stop_loss", pos.StopLoss,
		"take_profit", pos.TakeProfit)

	if err := m.installBracket(ctx, &pos, product); err != nil {
		m.logger.Error("CRITICAL: position is unprotected, bracket installation failed",
			"product", product.ID,
			"position", pos.ID,
			"error", err)
	}
	return pos, nil
}

// installBracket places the take-profit/stop-loss bracket for a position,
// retrying with backoff. On exhaustion the position is flagged unprotected
// so the monitor treats it as an urgent exit candidate.
func (m *Manager) installBracket(ctx context.Context, pos *types.Position, product types.Product) error {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 1; attempt <= bracketAttempts; attempt++ {
		order := types.Order{
			ClientID:       uuid.NewString(),
			ProductID:      product.ID,
			Side:           types.SELL,
			Kind:           types.KindBracket,
			RequestedSize:  pos.Size,
			LimitPrice:     pos.TakeProfit,
			StopPrice:      pos.StopLoss,
			Status:         types.StatusSubmitted,
			ParentPosition: pos.ID,
			SubmittedAt:    time.Now(),
		}
		if err := m.store.UpsertOrder(ctx, order); err != nil {
			return fmt.Errorf("persist bracket order: %w", err)
		}

		exchangeID, err := m.gateway.PlaceBracketOrder(ctx, order.ClientID, product.ID, pos.Size, pos.TakeProfit, pos.StopLoss)
		if err != nil {
			order.Status = types.StatusRejected
			order.TerminalAt = time.Now()
			if uerr := m.store.UpsertOrder(ctx, order); uerr != nil {
				m.logger.Error("failed to mark rejected bracket", "client_id", order.ClientID, "error", uerr)
			}
			lastErr = err
			m.logger.Warn("bracket placement failed",
				"product", product.ID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
			continue
		}

		order.ExchangeID = exchangeID
		order.Status = types.StatusOpen
		if err := m.store.UpsertOrder(ctx, order); err != nil {
			return fmt.Errorf("persist bracket exchange id: %w", err)
		}

		pos.StopOrderID = order.ClientID
		pos.TPOrderID = order.ClientID
		pos.Unprotected = false
		if err := m.store.UpdatePosition(ctx, *pos); err != nil {
			return fmt.Errorf("persist bracket reference: %w", err)
		}
		m.logger.Info("bracket installed",
			"product", product.ID,
			"take_profit", pos.TakeProfit,
			"stop_loss", pos.StopLoss)
		return nil
	}

	pos.Unprotected = true
	if err := m.store.UpdatePosition(ctx, *pos); err != nil {
		return fmt.Errorf("persist unprotected flag: %w", err)
	}
	return fmt.Errorf("bracket placement failed after %d attempts: %w", bracketAttempts, lastErr)
}

// ————————————————————————————————————————————————————————————————————————
// Sell path
// ————————————————————————————————————————————————————————————————————————

// Sell closes an open position: cancels its bracket, market-sells the full
// size, waits for the fill, and materializes the trade record. The position
// row stays open until exit fills are confirmed.
func (m *Manager) Sell(ctx context.Context, pos types.Position, reason types.ExitReason) (types.TradeRecord, error) {
	mu := m.productLock(pos.ProductID)
	mu.Lock()
	defer mu.Unlock()

	if err := m.cancelBracket(ctx, pos); err != nil {
		// Selling while the bracket may still be live risks a double exit.
		return types.TradeRecord{}, fmt.Errorf("cancel bracket before exit: %w", err)
	}

	order := types.Order{
		ClientID:       uuid.NewString(),
		ProductID:      pos.ProductID,
		Side:           types.SELL,
		Kind:           types.KindMarket,
		RequestedSize:  pos.Size,
		Status:         types.StatusSubmitted,
		ParentPosition: pos.ID,
		SubmittedAt:    time.Now(),
	}
	if err := m.store.UpsertOrder(ctx, order); err != nil {
		return types.TradeRecord{}, fmt.Errorf("persist exit order: %w", err)
	}

	m.logger.Info("placing exit order",
		"product", pos.ProductID,
		"size", pos.Size,
		"reason", reason)

	exchangeID, err := m.gateway.PlaceMarketOrder(ctx, order.ClientID, pos.ProductID, types.SELL, pos.Size)
	if err != nil {
		order.Status = types.StatusRejected
		order.TerminalAt = time.Now()
		if uerr := m.store.UpsertOrder(ctx, order); uerr != nil {
			m.logger.Error("failed to mark rejected exit", "client_id", order.ClientID, "error", uerr)
		}
		return types.TradeRecord{}, fmt.Errorf("place exit order: %w", err)
	}
	order.ExchangeID = exchangeID
	order.Status = types.StatusOpen
	if err := m.store.UpsertOrder(ctx, order); err != nil {
		return types.TradeRecord{}, fmt.Errorf("persist exit exchange id: %w", err)
	}

	filled, err := m.awaitFill(ctx, &order, m.cfg.SellFillTimeout)
	if err != nil {
		return types.TradeRecord{}, err
	}
	if !filled {
		// A market sell that has not confirmed within the window is left
		// for the reconciler; the position stays open until fills land.
		m.logger.Error("exit order not confirmed within timeout, deferring to reconciler",
			"product", pos.ProductID,
			"client_id", order.ClientID)
		return types.TradeRecord{}, fmt.Errorf("%w: %s", ErrExitUnfilled, order.ClientID)
	}

	exitFills, err := m.harvestFills(ctx, order)
	if err != nil {
		return types.TradeRecord{}, err
	}
	if len(exitFills) == 0 {
		return types.TradeRecord{}, fmt.Errorf("exit order %s reported filled but has no fills", order.ClientID)
	}

	rec, err := m.store.ClosePosition(ctx, pos.ProductID, exitFills, reason)
	if err != nil {
		return types.TradeRecord{}, fmt.Errorf("close position: %w", err)
	}

	m.logger.Info("position closed",
		"product", pos.ProductID,
		"reason", reason,
		"net_pnl", rec.NetPnL,
		"pnl_pct", rec.PnLPct.Mul(decimal.NewFromInt(100)).StringFixed(2))
	return rec, nil
}

// RaiseStop replaces the position's bracket with one whose stop sits at
// newStop. Used by the trailing-stop logic; the take-profit leg carries
// over unchanged.
func (m *Manager) RaiseStop(ctx context.Context, pos types.Position, newStop decimal.Decimal) (types.Position, error) {
	mu := m.productLock(pos.ProductID)
	mu.Lock()
	defer mu.Unlock()

	if err := m.cancelBracket(ctx, pos); err != nil {
		return pos, fmt.Errorf("cancel bracket for stop raise: %w", err)
	}

	pos.StopLoss = newStop
	if err := m.installBracket(ctx, &pos, types.Product{ID: pos.ProductID}); err != nil {
		m.logger.Error("CRITICAL: stop raise left position unprotected",
			"product", pos.ProductID,
			"position", pos.ID,
			"error", err)
		return pos, err
	}

	m.logger.Info("trailing stop raised",
		"product", pos.ProductID,
		"stop_loss", pos.StopLoss)
	return pos, nil
}

// cancelBracket cancels the position's protective order and verifies the
// cancellation. Already-terminal brackets (e.g. the stop just triggered)
// are fine — the reconciler will fold their fills into the exit.
func (m *Manager) cancelBracket(ctx context.Context, pos types.Position) error {
	seen := make(map[string]bool)
	for _, clientID := range []string{pos.StopOrderID, pos.TPOrderID} {
		if clientID == "" || seen[clientID] {
			continue
		}
		seen[clientID] = true

		order, err := m.store.GetOrder(ctx, clientID)
		if errors.Is(err, store.ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load bracket %s: %w", clientID, err)
		}
		if order.Status.Terminal() {
			continue
		}
		if err := m.cancelVerified(ctx, &order); err != nil {
			return err
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Shared lifecycle helpers
// ————————————————————————————————————————————————————————————————————————

// awaitFill polls the order until it reaches a terminal status or the
// timeout lapses. Returns true when the order fully filled. The store is
// kept current on each observation.
func (m *Manager) awaitFill(ctx context.Context, order *types.Order, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		update, err := m.gateway.GetOrder(ctx, order.ExchangeID)
		if err != nil {
			m.logger.Warn("order status poll failed",
				"client_id", order.ClientID, "error", err)
		} else {
			m.applyUpdate(ctx, order, update)
			if order.Status == types.StatusFilled {
				return true, nil
			}
			if order.Status.Terminal() {
				return false, nil
			}
		}

		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// applyUpdate folds an exchange-side observation into the local order and
// persists it. Terminal refusals from the store mean another path already
// finalized the order; that is not an error.
func (m *Manager) applyUpdate(ctx context.Context, order *types.Order, update types.OrderUpdate) {
	order.Status = update.Status
	order.FilledSize = update.CumFilled
	order.AvgFillPrice = update.AvgPrice
	if update.Status.Terminal() && order.TerminalAt.IsZero() {
		order.TerminalAt = time.Now()
	}
	if err := m.store.UpsertOrder(ctx, *order); err != nil && !errors.Is(err, store.ErrTerminalOrder) {
		m.logger.Error("failed to persist order update",
			"client_id", order.ClientID, "error", err)
	}
}

// cancelVerified cancels an order and polls until the exchange confirms a
// terminal state. If confirmation never comes the order is parked in the
// cancelling status — a CRITICAL condition that blocks the product until
// the reconciler resolves it.
func (m *Manager) cancelVerified(ctx context.Context, order *types.Order) error {
	if err := m.gateway.CancelOrder(ctx, order.ExchangeID); err != nil {
		m.logger.Warn("cancel request failed",
			"client_id", order.ClientID, "error", err)
	}

	deadline := time.Now().Add(m.cfg.CancelVerifyTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		update, err := m.gateway.GetOrder(ctx, order.ExchangeID)
		if err == nil {
			m.applyUpdate(ctx, order, update)
			if order.Status.Terminal() {
				return nil
			}
		}

		if time.Now().After(deadline) {
			order.Status = types.StatusCancelling
			if uerr := m.store.UpsertOrder(ctx, *order); uerr != nil {
				m.logger.Error("failed to persist cancelling state",
					"client_id", order.ClientID, "error", uerr)
			}
			m.logger.Error("CRITICAL: cancellation unverified, order may still be live",
				"client_id", order.ClientID,
				"exchange_id", order.ExchangeID,
				"product", order.ProductID)
			return fmt.Errorf("%w: %s", ErrCancelUnverified, order.ClientID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// harvestFills pulls the order's fills from the exchange, rewrites their
// parent reference to our client ID, and records them idempotently.
// Returns the full local fill set for the order.
func (m *Manager) harvestFills(ctx context.Context, order types.Order) ([]types.Fill, error) {
	fills, err := m.gateway.GetFills(ctx, order.ExchangeID)
	if err != nil {
		return nil, fmt.Errorf("fetch fills for %s: %w", order.ClientID, err)
	}
	for _, f := range fills {
		f.OrderID = order.ClientID
		if err := m.store.RecordFill(ctx, f); err != nil {
			return nil, fmt.Errorf("record fill %s: %w", f.FillID, err)
		}
	}
	return m.store.FillsForOrder(ctx, order.ClientID)
}

// productBlocked reports whether the product has an order stuck in the
// cancelling status. No new entries are allowed until it resolves.
func (m *Manager) productBlocked(ctx context.Context, productID string) (bool, error) {
	open, err := m.store.ListOpenOrders(ctx)
	if err != nil {
		return false, fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range open {
		if o.ProductID == productID && o.Status == types.StatusCancelling {
			return true, nil
		}
	}
	return false, nil
}

// topOfBook fetches current best bid/ask for one product.
func (m *Manager) topOfBook(ctx context.Context, productID string) (types.BestBidAsk, error) {
	books, err := m.gateway.GetBestBidAsk(ctx, []string{productID})
	if err != nil {
		return types.BestBidAsk{}, fmt.Errorf("best bid/ask: %w", err)
	}
	for _, b := range books {
		if b.ProductID == productID {
			if b.Bid.IsZero() || b.Ask.IsZero() {
				return types.BestBidAsk{}, fmt.Errorf("one-sided book for %s", productID)
			}
			return b, nil
		}
	}
	return types.BestBidAsk{}, fmt.Errorf("no book returned for %s", productID)
}
