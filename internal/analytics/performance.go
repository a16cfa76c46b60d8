// Package analytics derives performance statistics from the trade history
// and the equity curve. Pure reads; nothing here mutates state.
package analytics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"coinbase-trader/internal/store"
	"coinbase-trader/pkg/types"
)

// reportWindow caps how much history feeds one report.
const (
	reportTrades    = 500
	reportSnapshots = 2000
)

// Report summarizes realized performance.
type Report struct {
	Trades       int
	Wins         int
	Losses       int
	WinRate      decimal.Decimal // wins / trades
	NetPnL       decimal.Decimal
	TotalFees    decimal.Decimal
	ProfitFactor decimal.Decimal // gross wins / gross losses; zero when no losses
	AvgWin       decimal.Decimal
	AvgLoss      decimal.Decimal
	BestTrade    decimal.Decimal
	WorstTrade   decimal.Decimal
	MaxDrawdown  decimal.Decimal // worst peak-to-trough fraction on the equity curve
}

// Tracker computes reports and logs a performance snapshot on demand.
type Tracker struct {
	store  *store.Store
	logger *slog.Logger
}

// NewTracker creates a performance tracker.
func NewTracker(st *store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  st,
		logger: logger.With("component", "analytics"),
	}
}

// Compute builds a report over recent history.
func (t *Tracker) Compute(ctx context.Context) (Report, error) {
	trades, err := t.store.ListTrades(ctx, reportTrades)
	if err != nil {
		return Report{}, fmt.Errorf("list trades: %w", err)
	}
	curve, err := t.store.EquityCurve(ctx, reportSnapshots)
	if err != nil {
		return Report{}, fmt.Errorf("equity curve: %w", err)
	}

	r := Report{Trades: len(trades)}
	var grossWins, grossLosses decimal.Decimal
	for i, tr := range trades {
		r.NetPnL = r.NetPnL.Add(tr.NetPnL)
		r.TotalFees = r.TotalFees.Add(tr.Fees)
		if tr.NetPnL.IsPositive() {
			r.Wins++
			grossWins = grossWins.Add(tr.NetPnL)
		} else {
			r.Losses++
			grossLosses = grossLosses.Add(tr.NetPnL.Abs())
		}
		if i == 0 || tr.NetPnL.GreaterThan(r.BestTrade) {
			r.BestTrade = tr.NetPnL
		}
		if i == 0 || tr.NetPnL.LessThan(r.WorstTrade) {
			r.WorstTrade = tr.NetPnL
		}
	}

	if r.Trades > 0 {
		r.WinRate = decimal.NewFromInt(int64(r.Wins)).Div(decimal.NewFromInt(int64(r.Trades)))
	}
	if r.Wins > 0 {
		r.AvgWin = grossWins.Div(decimal.NewFromInt(int64(r.Wins)))
	}
	if r.Losses > 0 {
		r.AvgLoss = grossLosses.Div(decimal.NewFromInt(int64(r.Losses)))
	}
	if grossLosses.IsPositive() {
		r.ProfitFactor = grossWins.Div(grossLosses)
	}
	r.MaxDrawdown = maxDrawdown(curve)
	return r, nil
}

// LogSnapshot computes and logs the current report at INFO. Called by the
// engine every few cycles; a failed read is logged and swallowed.
func (t *Tracker) LogSnapshot(ctx context.Context) {
	r, err := t.Compute(ctx)
	if err != nil {
		t.logger.Error("performance snapshot failed", "error", err)
		return
	}
	if r.Trades == 0 {
		t.logger.Info("performance: no closed trades yet")
		return
	}
	t.logger.Info("performance",
		"trades", r.Trades,
		"win_rate", r.WinRate.Mul(decimal.NewFromInt(100)).StringFixed(1)+"%",
		"net_pnl", r.NetPnL.StringFixed(2),
		"profit_factor", r.ProfitFactor.StringFixed(2),
		"avg_win", r.AvgWin.StringFixed(2),
		"avg_loss", r.AvgLoss.StringFixed(2),
		"max_drawdown", r.MaxDrawdown.Mul(decimal.NewFromInt(100)).StringFixed(1)+"%",
		"fees", r.TotalFees.StringFixed(2))
}

// maxDrawdown returns the worst peak-to-trough decline as a fraction of the
// peak, over an equity curve ordered oldest first.
func maxDrawdown(curve []types.EquitySnapshot) decimal.Decimal {
	var peak, worst decimal.Decimal
	for _, snap := range curve {
		if snap.TotalQuote.GreaterThan(peak) {
			peak = snap.TotalQuote
		}
		if peak.IsPositive() {
			dd := peak.Sub(snap.TotalQuote).Div(peak)
			if dd.GreaterThan(worst) {
				worst = dd
			}
		}
	}
	return worst
}
