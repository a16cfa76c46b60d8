// Package risk sizes entries and enforces portfolio-level limits before any
// order reaches the gateway.
//
// The manager answers three questions for the rest of the bot:
//
//   - PositionSize:   how much base currency a new entry may buy, derived
//     from the fixed-fractional risk budget and the stop distance
//   - CanOpen:        whether a new position is admissible at all (halt
//     state, concurrency cap, total exposure cap, duplicate product)
//   - UpdateDrawdown: tracks peak equity and flips the bot into a halted
//     state when drawdown from peak reaches the configured maximum; the
//     halt releases only once equity recovers to the release fraction of
//     the peak
//
// Peak equity and the halt flag are persisted in the store's state table so
// a restart cannot reset the drawdown clock.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"coinbase-trader/internal/config"
	"coinbase-trader/internal/store"
	"coinbase-trader/pkg/types"
)

// Rejection reasons returned by CanOpen and PositionSize. Callers treat all
// of these as "skip this entry", not as faults.
var (
	ErrHalted        = errors.New("trading halted: drawdown limit reached")
	ErrMaxConcurrent = errors.New("max concurrent positions reached")
	ErrExposureCap   = errors.New("total exposure cap reached")
	ErrPositionOpen  = errors.New("position already open for product")
	ErrSizeTooSmall  = errors.New("computed size below product minimum")
	ErrValueTooSmall = errors.New("computed order value below minimum")
)

// State table keys for persisted risk state.
const (
	statePeakEquity = "risk.peak_equity"
	stateHalted     = "risk.halted"
)

// Manager enforces risk limits. Safe for concurrent use.
type Manager struct {
	cfg    config.RiskConfig
	store  *store.Store
	logger *slog.Logger

	mu         sync.Mutex
	peakEquity decimal.Decimal
	halted     bool
}

// NewManager creates a risk manager, restoring persisted peak equity and
// halt state from the store.
func NewManager(ctx context.Context, cfg config.RiskConfig, st *store.Store, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		store:  st,
		logger: logger.With("component", "risk"),
	}

	if raw, err := st.GetState(ctx, statePeakEquity); err != nil {
		return nil, fmt.Errorf("load peak equity: %w", err)
	} else if raw != "" {
		peak, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse peak equity %q: %w", raw, err)
		}
		m.peakEquity = peak
	}

	if raw, err := st.GetState(ctx, stateHalted); err != nil {
		return nil, fmt.Errorf("load halt state: %w", err)
	} else if raw == "true" {
		m.halted = true
		m.logger.Warn("restored halted state from previous run",
			"peak_equity", m.peakEquity)
	}

	return m, nil
}

// Halted reports whether the drawdown halt is engaged.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// PeakEquity returns the highest equity observed so far.
func (m *Manager) PeakEquity() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakEquity
}

// UpdateDrawdown records a new equity observation, updates the persisted
// peak, and engages or releases the halt. Returns the current drawdown as a
// fraction of peak and whether trading is halted after this observation.
//
// The halt engages when drawdown >= MaxDrawdown and releases only once
// equity recovers to DrawdownRelease × peak. The peak is never lowered.
func (m *Manager) UpdateDrawdown(ctx context.Context, equity decimal.Decimal) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if equity.GreaterThan(m.peakEquity) {
		m.peakEquity = equity
		if err := m.store.PutState(ctx, statePeakEquity, m.peakEquity.String()); err != nil {
			return decimal.Zero, m.halted, fmt.Errorf("persist peak equity: %w", err)
		}
	}

	if m.peakEquity.IsZero() {
		return decimal.Zero, m.halted, nil
	}
	drawdown := m.peakEquity.Sub(equity).Div(m.peakEquity)

	maxDD := decimal.NewFromFloat(m.cfg.MaxDrawdown)
	release := decimal.NewFromFloat(m.cfg.DrawdownRelease)

	switch {
	case !m.halted && drawdown.GreaterThanOrEqual(maxDD):
		m.halted = true
		m.logger.Error("TRADING HALTED: max drawdown reached",
			"drawdown_pct", drawdown.Mul(decimal.NewFromInt(100)).StringFixed(2),
			"equity", equity,
			"peak_equity", m.peakEquity)
		if err := m.store.PutState(ctx, stateHalted, "true"); err != nil {
			return drawdown, m.halted, fmt.Errorf("persist halt state: %w", err)
		}

	case m.halted && equity.GreaterThanOrEqual(m.peakEquity.Mul(release)):
		m.halted = false
		m.logger.Info("drawdown halt released: equity recovered",
			"equity", equity,
			"peak_equity", m.peakEquity)
		if err := m.store.PutState(ctx, stateHalted, "false"); err != nil {
			return drawdown, m.halted, fmt.Errorf("persist halt state: %w", err)
		}
	}

	return drawdown, m.halted, nil
}

// PositionSize computes how much base currency to buy for a new entry.
//
// The risk budget is equity × RiskPerTrade; dividing by the per-unit risk
// (entry − stop) gives the raw size. The size is then capped so the entry
// notional never exceeds equity × MaxPositionSize, and quantized DOWN to the
// product's base increment. Returns ErrSizeTooSmall / ErrValueTooSmall when
// the quantized order would violate the product's minimums.
func (m *Manager) PositionSize(equity, entry, stopLoss decimal.Decimal, product types.Product) (decimal.Decimal, error) {
	if entry.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("entry price must be positive, got %s", entry)
	}

	riskPerUnit := entry.Sub(stopLoss)
	if riskPerUnit.LessThanOrEqual(decimal.Zero) {
		// Degenerate stop at or above entry: fall back to the default stop
		// distance so sizing stays bounded.
		riskPerUnit = entry.Mul(decimal.NewFromFloat(m.cfg.DefaultStopLoss))
	}

	riskAmount := equity.Mul(decimal.NewFromFloat(m.cfg.RiskPerTrade))
	size := riskAmount.Div(riskPerUnit)

	maxNotional := equity.Mul(decimal.NewFromFloat(m.cfg.MaxPositionSize))
	if size.Mul(entry).GreaterThan(maxNotional) {
		size = maxNotional.Div(entry)
	}

	if product.BaseIncrement.IsPositive() {
		size = size.Div(product.BaseIncrement).Floor().Mul(product.BaseIncrement)
	}

	if size.LessThanOrEqual(decimal.Zero) || size.LessThan(product.MinBase) {
		return decimal.Zero, fmt.Errorf("%w: size %s, min %s", ErrSizeTooSmall, size, product.MinBase)
	}

	minValue := decimal.NewFromFloat(m.cfg.MinQuoteTrade)
	if product.MinQuote.GreaterThan(minValue) {
		minValue = product.MinQuote
	}
	if size.Mul(entry).LessThan(minValue) {
		return decimal.Zero, fmt.Errorf("%w: value %s, min %s", ErrValueTooSmall, size.Mul(entry), minValue)
	}

	return size, nil
}

// CanOpen checks whether a new entry of the given notional is admissible.
// Open positions and their entry notionals are read from the store so the
// check survives restarts.
func (m *Manager) CanOpen(ctx context.Context, productID string, notional, equity decimal.Decimal) error {
	if m.Halted() {
		return ErrHalted
	}

	open, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	if len(open) >= m.cfg.MaxConcurrent {
		return fmt.Errorf("%w: %d open", ErrMaxConcurrent, len(open))
	}

	exposure := decimal.Zero
	for _, pos := range open {
		if pos.ProductID == productID {
			return fmt.Errorf("%w: %s", ErrPositionOpen, productID)
		}
		exposure = exposure.Add(pos.Size.Mul(pos.EntryPrice))
	}

	limit := equity.Mul(decimal.NewFromFloat(m.cfg.MaxTotalExposure))
	if exposure.Add(notional).GreaterThan(limit) {
		return fmt.Errorf("%w: current %s + new %s > limit %s",
			ErrExposureCap, exposure.StringFixed(2), notional.StringFixed(2), limit.StringFixed(2))
	}

	return nil
}

// Brackets derives the default stop-loss and take-profit prices for an
// entry at the given price, quantized to the product's tick.
func (m *Manager) Brackets(entry decimal.Decimal, product types.Product) (stopLoss, takeProfit decimal.Decimal) {
	one := decimal.NewFromInt(1)
	stopLoss = entry.Mul(one.Sub(decimal.NewFromFloat(m.cfg.DefaultStopLoss)))
	takeProfit = entry.Mul(one.Add(decimal.NewFromFloat(m.cfg.DefaultTakeProfit)))

	tick := product.OneTick()
	stopLoss = stopLoss.Div(tick).Floor().Mul(tick)
	takeProfit = takeProfit.Div(tick).Floor().Mul(tick)
	return stopLoss, takeProfit
}

// TrailStop returns the raised stop price for an open position given the
// latest price, and whether the stop should move. Stops only ever ratchet
// upward.
func (m *Manager) TrailStop(currentStop, price decimal.Decimal) (decimal.Decimal, bool) {
	if !m.cfg.UseTrailingStop || price.LessThanOrEqual(decimal.Zero) {
		return currentStop, false
	}
	candidate := price.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(m.cfg.TrailingStopPct)))
	if candidate.GreaterThan(currentStop) {
		return candidate, true
	}
	return currentStop, false
}
