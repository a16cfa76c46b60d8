package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the complete read-only status of the bot at a point in time.
type Snapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	PaperTrading bool      `json:"paper_trading"`

	// Equity & drawdown
	Equity      decimal.Decimal `json:"equity"`
	PeakEquity  decimal.Decimal `json:"peak_equity"`
	DrawdownPct decimal.Decimal `json:"drawdown_pct"`
	Halted      bool            `json:"halted"`

	// Open positions
	Positions []PositionStatus `json:"positions"`

	// Realized performance
	Performance PerformanceSummary `json:"performance"`

	// Recent closed trades, newest first
	RecentTrades []TradeSummary `json:"recent_trades"`
}

// PositionStatus is one open position with live mark.
type PositionStatus struct {
	ProductID     string          `json:"product_id"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPct decimal.Decimal `json:"unrealized_pct"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	Unprotected   bool            `json:"unprotected"`
	Strategy      string          `json:"strategy"`
	OpenedAt      time.Time       `json:"opened_at"`
}

// PerformanceSummary is the realized-performance slice of a snapshot.
type PerformanceSummary struct {
	Trades       int             `json:"trades"`
	WinRate      decimal.Decimal `json:"win_rate"`
	NetPnL       decimal.Decimal `json:"net_pnl"`
	ProfitFactor decimal.Decimal `json:"profit_factor"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`
	TotalFees    decimal.Decimal `json:"total_fees"`
}

// TradeSummary is one closed trade.
type TradeSummary struct {
	ProductID  string          `json:"product_id"`
	ExitTime   time.Time       `json:"exit_time"`
	NetPnL     decimal.Decimal `json:"net_pnl"`
	PnLPct     decimal.Decimal `json:"pnl_pct"`
	Strategy   string          `json:"strategy"`
	ExitReason string          `json:"exit_reason"`
}
