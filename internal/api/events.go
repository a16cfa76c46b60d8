package api

import (
	"time"

	"github.com/shopspring/decimal"

	"coinbase-trader/pkg/types"
)

// Event is the wrapper for everything pushed to status stream clients.
type Event struct {
	Type      string    `json:"type"` // "snapshot", "trade", "position", "halt"
	Timestamp time.Time `json:"timestamp"`
	ProductID string    `json:"product_id,omitempty"`
	Data      any       `json:"data"`
}

// TradeEvent is pushed when a position closes.
type TradeEvent struct {
	ProductID  string          `json:"product_id"`
	NetPnL     decimal.Decimal `json:"net_pnl"`
	PnLPct     decimal.Decimal `json:"pnl_pct"`
	ExitReason string          `json:"exit_reason"`
	Strategy   string          `json:"strategy"`
}

// PositionEvent is pushed when a position opens.
type PositionEvent struct {
	ProductID  string          `json:"product_id"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Strategy   string          `json:"strategy"`
}

// HaltEvent is pushed when the drawdown halt engages or releases.
type HaltEvent struct {
	Halted      bool            `json:"halted"`
	DrawdownPct decimal.Decimal `json:"drawdown_pct"`
}

// NewTradeEvent wraps a closed trade for the stream.
func NewTradeEvent(rec types.TradeRecord) Event {
	return Event{
		Type:      "trade",
		Timestamp: time.Now(),
		ProductID: rec.ProductID,
		Data: TradeEvent{
			ProductID:  rec.ProductID,
			NetPnL:     rec.NetPnL,
			PnLPct:     rec.PnLPct,
			ExitReason: string(rec.ExitReason),
			Strategy:   rec.Strategy,
		},
	}
}

// NewPositionEvent wraps a freshly opened position for the stream.
func NewPositionEvent(pos types.Position) Event {
	return Event{
		Type:      "position",
		Timestamp: time.Now(),
		ProductID: pos.ProductID,
		Data: PositionEvent{
			ProductID:  pos.ProductID,
			Size:       pos.Size,
			EntryPrice: pos.EntryPrice,
			StopLoss:   pos.StopLoss,
			TakeProfit: pos.TakeProfit,
			Strategy:   pos.Strategy,
		},
	}
}

// NewHaltEvent wraps a halt transition for the stream.
func NewHaltEvent(halted bool, drawdown decimal.Decimal) Event {
	return Event{
		Type:      "halt",
		Timestamp: time.Now(),
		Data:      HaltEvent{Halted: halted, DrawdownPct: drawdown},
	}
}
