package order

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"coinbase-trader/internal/store"
	"coinbase-trader/pkg/types"
)

// ackGrace is how long a submitted order may sit without an exchange ID
// before the reconciler writes it off as never sent.
const ackGrace = time.Minute

// Reconcile converges every non-terminal local order against the exchange:
// statuses are refreshed, fills are recorded, positions whose exit orders
// filled are closed, and orders past the age ceiling are cancelled. Runs
// once per engine cycle; every step is idempotent, so a crash mid-sweep
// just means the next sweep finishes the job.
func (m *Manager) Reconcile(ctx context.Context) {
	open, err := m.store.ListOpenOrders(ctx)
	if err != nil {
		m.logger.Error("reconcile: list open orders failed", "error", err)
		return
	}
	for _, o := range open {
		m.reconcileOrder(ctx, o)
	}
}

// HandleOrderUpdate is the fast path fed by the user WebSocket channel. It
// applies the pushed state and runs the same convergence logic as the
// polling sweep. Dropped or duplicated events are harmless — the sweep
// reaches the same fixed point.
func (m *Manager) HandleOrderUpdate(ctx context.Context, update types.OrderUpdate) {
	order, err := m.lookupOrder(ctx, update)
	if err != nil {
		if !errors.Is(err, store.ErrOrderNotFound) {
			m.logger.Error("order update lookup failed",
				"exchange_id", update.ExchangeID, "error", err)
		}
		return
	}
	if order.Status.Terminal() {
		return
	}

	mu := m.productLock(order.ProductID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: a concurrent path may have advanced it.
	order, err = m.store.GetOrder(ctx, order.ClientID)
	if err != nil || order.Status.Terminal() {
		return
	}
	m.applyUpdate(ctx, &order, update)
	m.converge(ctx, order)
}

func (m *Manager) lookupOrder(ctx context.Context, update types.OrderUpdate) (types.Order, error) {
	if update.ClientID != "" {
		if o, err := m.store.GetOrder(ctx, update.ClientID); err == nil {
			return o, nil
		}
	}
	return m.store.GetOrderByExchangeID(ctx, update.ExchangeID)
}

// reconcileOrder refreshes one order from the exchange under its product
// lock and converges any downstream state.
func (m *Manager) reconcileOrder(ctx context.Context, order types.Order) {
	mu := m.productLock(order.ProductID)
	mu.Lock()
	defer mu.Unlock()

	current, err := m.store.GetOrder(ctx, order.ClientID)
	if err != nil || current.Status.Terminal() {
		return
	}
	order = current

	// Never acked: the send failed before the exchange assigned an ID.
	// After the grace window the local record is finalized as rejected.
	if order.ExchangeID == "" {
		if time.Since(order.SubmittedAt) > ackGrace {
			order.Status = types.StatusRejected
			order.TerminalAt = time.Now()
			if err := m.store.UpsertOrder(ctx, order); err != nil {
				m.logger.Error("reconcile: failed to finalize unacked order",
					"client_id", order.ClientID, "error", err)
				return
			}
			m.logger.Warn("reconcile: unacked order written off",
				"client_id", order.ClientID, "product", order.ProductID)
		}
		return
	}

	update, err := m.gateway.GetOrder(ctx, order.ExchangeID)
	if err != nil {
		m.logger.Warn("reconcile: order lookup failed",
			"client_id", order.ClientID, "error", err)
		return
	}
	m.applyUpdate(ctx, &order, update)
	m.converge(ctx, order)
}

// converge runs the downstream effects of an order's current state: fill
// harvesting, position closure for filled exits, position recovery for
// filled entries, and the age ceiling.
func (m *Manager) converge(ctx context.Context, order types.Order) {
	if order.FilledSize.IsPositive() {
		if _, err := m.harvestFills(ctx, order); err != nil {
			m.logger.Error("reconcile: fill harvest failed",
				"client_id", order.ClientID, "error", err)
			return
		}
	}

	switch {
	case order.Status == types.StatusFilled && order.Side == types.SELL && order.ParentPosition != 0:
		m.closeFromExit(ctx, order)
	case order.Status == types.StatusFilled && order.Side == types.BUY && order.ParentPosition == 0:
		m.recoverPosition(ctx, order)
	case !order.Status.Terminal() && order.Status != types.StatusCancelling &&
		time.Since(order.SubmittedAt) > m.cfg.OrderMaxAge:
		m.logger.Warn("reconcile: order past age ceiling, cancelling",
			"client_id", order.ClientID,
			"product", order.ProductID,
			"age", time.Since(order.SubmittedAt).Round(time.Second))
		if err := m.cancelVerified(ctx, &order); err != nil {
			m.logger.Error("reconcile: age-ceiling cancel failed",
				"client_id", order.ClientID, "error", err)
		}
	}
}

// closeFromExit finalizes a position whose exit order (bracket or deferred
// market sell) filled outside the synchronous sell path.
func (m *Manager) closeFromExit(ctx context.Context, order types.Order) {
	pos, err := m.store.GetOpenPosition(ctx, order.ProductID)
	if errors.Is(err, store.ErrPositionNotFound) {
		return // already closed
	}
	if err != nil {
		m.logger.Error("reconcile: position lookup failed",
			"product", order.ProductID, "error", err)
		return
	}
	if pos.ID != order.ParentPosition {
		return
	}

	exitFills, err := m.store.FillsForOrder(ctx, order.ClientID)
	if err != nil || len(exitFills) == 0 {
		m.logger.Error("reconcile: no fills for filled exit order",
			"client_id", order.ClientID, "error", err)
		return
	}

	reason := exitReason(order, pos)
	rec, err := m.store.ClosePosition(ctx, order.ProductID, exitFills, reason)
	if err != nil {
		m.logger.Error("reconcile: close position failed",
			"product", order.ProductID, "error", err)
		return
	}
	m.logger.Info("position closed by reconciler",
		"product", order.ProductID,
		"reason", reason,
		"net_pnl", rec.NetPnL)

	// The other leg of a cancelled/triggered bracket pair may still rest.
	if err := m.cancelBracket(ctx, pos); err != nil {
		m.logger.Error("reconcile: residual bracket cancel failed",
			"product", order.ProductID, "error", err)
	}
}

// exitReason classifies how a position exit happened. A bracket fill at or
// above the midpoint between stop and target was the take-profit leg.
func exitReason(order types.Order, pos types.Position) types.ExitReason {
	if order.Kind != types.KindBracket {
		return types.ExitManual
	}
	mid := pos.StopLoss.Add(pos.TakeProfit).Div(decimal.NewFromInt(2))
	if order.AvgFillPrice.GreaterThanOrEqual(mid) {
		return types.ExitTPTriggered
	}
	return types.ExitStopTriggered
}

// recoverPosition rebuilds the position for an entry order that filled but
// never produced one — the crash-between-fill-and-open case. Product
// metadata is unavailable here, so bracket prices fall back to the default
// tick; the position is flagged unprotected until a bracket lands.
func (m *Manager) recoverPosition(ctx context.Context, order types.Order) {
	if _, err := m.store.GetOpenPosition(ctx, order.ProductID); err == nil {
		return // position exists; nothing to recover
	} else if !errors.Is(err, store.ErrPositionNotFound) {
		m.logger.Error("reconcile: position lookup failed",
			"product", order.ProductID, "error", err)
		return
	}

	entryFills, err := m.store.FillsForOrder(ctx, order.ClientID)
	if err != nil || len(entryFills) == 0 {
		m.logger.Error("reconcile: no fills for filled entry order",
			"client_id", order.ClientID, "error", err)
		return
	}

	m.logger.Warn("reconcile: recovering position from orphaned entry fills",
		"client_id", order.ClientID,
		"product", order.ProductID)

	product := types.Product{ID: order.ProductID}
	pos, err := m.openPosition(ctx, product, types.Signal{Strategy: "recovered"}, entryFills)
	if err != nil {
		m.logger.Error("reconcile: position recovery failed",
			"product", order.ProductID, "error", err)
		return
	}
	m.logger.Info("position recovered",
		"product", order.ProductID,
		"position", pos.ID,
		"size", pos.Size)
}
