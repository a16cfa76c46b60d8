// Package monitor watches open positions and decides when they exit.
//
// Exits are signal-confirmed, not mechanical: a position past the profit
// target is held while the strategy still says BUY, and a losing position
// is only dumped early when the strategy actively says SELL with conviction.
// Mechanical protection stays with the exchange-side bracket; the monitor's
// job is the judgment layer above it.
//
// Cost basis is recomputed from the recorded entry fills on every check, so
// the PnL the decisions run on always includes fees.
package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"coinbase-trader/internal/config"
	"coinbase-trader/internal/market"
	"coinbase-trader/internal/risk"
	"coinbase-trader/internal/store"
	"coinbase-trader/pkg/types"
)

// PriceSource is the REST fallback for products whose cached ticker went
// stale.
type PriceSource interface {
	GetBestBidAsk(ctx context.Context, productIDs []string) ([]types.BestBidAsk, error)
}

// Exiter is the slice of the order manager the monitor drives.
type Exiter interface {
	Sell(ctx context.Context, pos types.Position, reason types.ExitReason) (types.TradeRecord, error)
	RaiseStop(ctx context.Context, pos types.Position, newStop decimal.Decimal) (types.Position, error)
}

// Monitor evaluates open positions once per engine cycle.
type Monitor struct {
	store  *store.Store
	book   *market.Book
	prices PriceSource
	exiter Exiter
	risk   *risk.Manager
	cfg    config.ExitConfig
	logger *slog.Logger
}

// NewMonitor creates a position monitor.
func NewMonitor(st *store.Store, book *market.Book, prices PriceSource, exiter Exiter, rm *risk.Manager, cfg config.ExitConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:  st,
		book:   book,
		prices: prices,
		exiter: exiter,
		risk:   rm,
		cfg:    cfg,
		logger: logger.With("component", "monitor"),
	}
}

// Sweep checks every open position against the latest signals. Signals are
// keyed by product ID; a product with no signal this cycle is treated as
// HOLD with zero confidence.
func (m *Monitor) Sweep(ctx context.Context, signals map[string]types.Signal) {
	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		m.logger.Error("sweep: list open positions failed", "error", err)
		return
	}

	for _, pos := range positions {
		sig, ok := signals[pos.ProductID]
		if !ok {
			sig = types.Signal{Action: types.ActionHold, Strategy: pos.Strategy}
		}
		if err := m.check(ctx, pos, sig); err != nil {
			m.logger.Error("position check failed",
				"product", pos.ProductID, "error", err)
		}
	}
}

// check runs the exit decision table for one position.
func (m *Monitor) check(ctx context.Context, pos types.Position, sig types.Signal) error {
	price, err := m.currentPrice(ctx, pos.ProductID)
	if err != nil {
		return fmt.Errorf("current price: %w", err)
	}

	basis, err := m.costBasis(ctx, pos)
	if err != nil {
		return err
	}
	if basis.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("degenerate cost basis %s for position %d", basis, pos.ID)
	}

	pnlPct := price.Sub(basis).Div(basis)
	profitTarget := decimal.NewFromFloat(m.cfg.ProfitExitPct)
	lossFloor := decimal.NewFromFloat(m.cfg.LossExitPct)

	if pos.Unprotected {
		// No exchange-side protection: exit at either boundary without
		// waiting for signal confirmation.
		m.logger.Error("CRITICAL: unprotected position",
			"product", pos.ProductID,
			"position", pos.ID,
			"pnl_pct", pct(pnlPct))
		if pnlPct.GreaterThanOrEqual(profitTarget) {
			return m.exit(ctx, pos, types.ExitSignalProfit, pnlPct)
		}
		if pnlPct.LessThanOrEqual(lossFloor) {
			return m.exit(ctx, pos, types.ExitSignalLoss, pnlPct)
		}
		return nil
	}

	if newStop, moved := m.risk.TrailStop(pos.StopLoss, price); moved {
		updated, err := m.exiter.RaiseStop(ctx, pos, newStop)
		if err != nil {
			m.logger.Error("trailing stop raise failed",
				"product", pos.ProductID, "error", err)
		} else {
			pos = updated
		}
	}

	switch {
	case pnlPct.GreaterThanOrEqual(profitTarget):
		if sig.Action == types.ActionBuy {
			m.logger.Info("[PROFIT HOLD] target reached but signal still bullish",
				"product", pos.ProductID,
				"pnl_pct", pct(pnlPct),
				"confidence", fmt.Sprintf("%.2f", sig.Confidence))
			return nil
		}
		return m.exit(ctx, pos, types.ExitSignalProfit, pnlPct)

	case pnlPct.LessThanOrEqual(lossFloor):
		confirmed := sig.Action == types.ActionSell && sig.Confidence >= m.cfg.LossExitConfidence
		if confirmed {
			return m.exit(ctx, pos, types.ExitSignalLoss, pnlPct)
		}
		m.logger.Warn("[LOSS WARNING] position under water, holding for bracket or sell signal",
			"product", pos.ProductID,
			"pnl_pct", pct(pnlPct),
			"signal", sig.Action,
			"confidence", fmt.Sprintf("%.2f", sig.Confidence),
			"stop_loss", pos.StopLoss)
		return nil
	}

	m.logger.Debug("position within bounds",
		"product", pos.ProductID,
		"pnl_pct", pct(pnlPct))
	return nil
}

func (m *Monitor) exit(ctx context.Context, pos types.Position, reason types.ExitReason, pnlPct decimal.Decimal) error {
	m.logger.Info("exiting position",
		"product", pos.ProductID,
		"reason", reason,
		"pnl_pct", pct(pnlPct))
	if _, err := m.exiter.Sell(ctx, pos, reason); err != nil {
		return fmt.Errorf("exit %s: %w", pos.ProductID, err)
	}
	return nil
}

// currentPrice prefers the cached WebSocket ticker and falls back to a REST
// top-of-book read when the cache is stale or empty.
func (m *Monitor) currentPrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	if t, ok := m.book.Fresh(productID, m.cfg.MaxPriceStaleness); ok && t.Price.IsPositive() {
		return t.Price, nil
	}

	books, err := m.prices.GetBestBidAsk(ctx, []string{productID})
	if err != nil {
		return decimal.Zero, fmt.Errorf("best bid/ask: %w", err)
	}
	for _, b := range books {
		if b.ProductID == productID {
			if mid := b.Mid(); mid.IsPositive() {
				return mid, nil
			}
		}
	}
	return decimal.Zero, fmt.Errorf("no usable price for %s", productID)
}

// costBasis recomputes the fee-inclusive basis from the position's entry
// fills, falling back to the recorded entry price when fills are missing
// (e.g. a recovered position whose fills predate the schema).
func (m *Monitor) costBasis(ctx context.Context, pos types.Position) (decimal.Decimal, error) {
	fills, err := m.store.EntryFills(ctx, pos.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("entry fills: %w", err)
	}
	if len(fills) == 0 {
		return pos.EntryPrice, nil
	}
	return types.CostBasis(fills), nil
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}
