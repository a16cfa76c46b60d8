package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"coinbase-trader/internal/api"
	"coinbase-trader/pkg/types"
)

const statusRecentTrades = 20

// StatusSnapshot assembles the read-only state served by the status
// endpoint: equity, drawdown, open positions with live marks, and recent
// performance.
func (e *Engine) StatusSnapshot(ctx context.Context) (api.Snapshot, error) {
	positions, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		return api.Snapshot{}, err
	}

	var posValue decimal.Decimal
	statuses := make([]api.PositionStatus, 0, len(positions))
	for _, pos := range positions {
		mark := e.markPrice(ctx, pos)
		posValue = posValue.Add(pos.Size.Mul(mark))

		var unrealized decimal.Decimal
		if pos.EntryPrice.IsPositive() {
			unrealized = mark.Sub(pos.EntryPrice).Div(pos.EntryPrice)
		}
		statuses = append(statuses, api.PositionStatus{
			ProductID:     pos.ProductID,
			Size:          pos.Size,
			EntryPrice:    pos.EntryPrice,
			CurrentPrice:  mark,
			UnrealizedPct: unrealized,
			StopLoss:      pos.StopLoss,
			TakeProfit:    pos.TakeProfit,
			Unprotected:   pos.Unprotected,
			Strategy:      pos.Strategy,
			OpenedAt:      pos.OpenedAt,
		})
	}

	report, err := e.tracker.Compute(ctx)
	if err != nil {
		return api.Snapshot{}, err
	}

	trades, err := e.store.ListTrades(ctx, statusRecentTrades)
	if err != nil {
		return api.Snapshot{}, err
	}
	recent := make([]api.TradeSummary, 0, len(trades))
	for _, tr := range trades {
		recent = append(recent, api.TradeSummary{
			ProductID:  tr.ProductID,
			ExitTime:   tr.ExitTime,
			NetPnL:     tr.NetPnL,
			PnLPct:     tr.PnLPct,
			Strategy:   tr.Strategy,
			ExitReason: string(tr.ExitReason),
		})
	}

	equity, drawdown := e.equityAndDrawdown(ctx, positions, posValue)

	return api.Snapshot{
		Timestamp:    time.Now(),
		PaperTrading: e.cfg.Trading.PaperTrading,
		Equity:       equity,
		PeakEquity:   e.riskMgr.PeakEquity(),
		DrawdownPct:  drawdown,
		Halted:       e.riskMgr.Halted(),
		Positions:    statuses,
		Performance: api.PerformanceSummary{
			Trades:       report.Trades,
			WinRate:      report.WinRate,
			NetPnL:       report.NetPnL,
			ProfitFactor: report.ProfitFactor,
			MaxDrawdown:  report.MaxDrawdown,
			TotalFees:    report.TotalFees,
		},
		RecentTrades: recent,
	}, nil
}

// equityAndDrawdown values the account without mutating risk state. The
// latest persisted snapshot supplies cash; positions are re-marked live.
func (e *Engine) equityAndDrawdown(ctx context.Context, positions []types.Position, posValue decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	var cash decimal.Decimal
	if curve, err := e.store.EquityCurve(ctx, 1); err == nil && len(curve) > 0 {
		cash = curve[len(curve)-1].CashQuote
	}
	equity := cash.Add(posValue)

	peak := e.riskMgr.PeakEquity()
	var drawdown decimal.Decimal
	if peak.IsPositive() && equity.LessThan(peak) {
		drawdown = peak.Sub(equity).Div(peak)
	}
	return equity, drawdown
}
