// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — products, candles,
// orders, fills, positions, signals, and WebSocket event payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderKind enumerates the supported order shapes.
type OrderKind string

const (
	// KindLimitGTCPostOnly rests on the book until filled or cancelled and
	// is rejected by the exchange rather than executing as taker.
	KindLimitGTCPostOnly OrderKind = "limit_gtc_post_only"
	KindMarket           OrderKind = "market"
	KindStopLimit        OrderKind = "stop_limit"
	KindBracket          OrderKind = "trigger_bracket_gtc"
)

// OrderStatus is the local lifecycle state of an order.
//
// An order becomes visible as Submitted the instant the store writes it,
// before the exchange has acked — this write-before-send ordering is what
// prevents ghost orders. Cancelling is a non-terminal holding state for
// orders whose cancellation could not yet be verified.
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "submitted"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusCancelling      OrderStatus = "cancelling"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusExpired         OrderStatus = "expired"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status is final. Transitions out of a
// terminal status are refused by the store.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Liquidity classifies a fill as resting (MAKER) or crossing (TAKER).
type Liquidity string

const (
	Maker Liquidity = "MAKER"
	Taker Liquidity = "TAKER"
)

// Action is a strategy verdict.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ExitReason labels why a position was (or is being) closed.
type ExitReason string

const (
	ExitSignalProfit  ExitReason = "signal_profit_exit"
	ExitSignalLoss    ExitReason = "signal_loss_exit"
	ExitStopTriggered ExitReason = "stop_triggered"
	ExitTPTriggered   ExitReason = "tp_triggered"
	ExitManual        ExitReason = "manual"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Product is the exchange's metadata for one tradable pair, e.g. BTC-USDC.
// Immutable within a session; refreshed at start.
type Product struct {
	ID              string // e.g. "BTC-USDC"
	Base            string // e.g. "BTC"
	Quote           string // e.g. "USDC"
	BaseIncrement   decimal.Decimal
	QuoteIncrement  decimal.Decimal
	MinBase         decimal.Decimal // minimum order size in base units
	MinQuote        decimal.Decimal // minimum order value in quote units
	Price           decimal.Decimal // last price at fetch time
	Volume24h       decimal.Decimal // trailing 24h volume in quote units
	ViewOnly        bool
	TradingDisabled bool
}

// Tradable reports whether orders may be placed on the product given the
// configured minimum-quote floor.
func (p Product) Tradable(minQuoteFloor decimal.Decimal) bool {
	return !p.ViewOnly && !p.TradingDisabled && p.MinQuote.LessThanOrEqual(minQuoteFloor)
}

// OneTick returns the smallest representable price step for the product.
func (p Product) OneTick() decimal.Decimal {
	if p.QuoteIncrement.IsPositive() {
		return p.QuoteIncrement
	}
	return decimal.New(1, -2) // 0.01 fallback for products missing metadata
}

// Candle is one OHLCV bar. Candles are ordered ascending by Start.
type Candle struct {
	Start  time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// BestBidAsk is top-of-book for one product.
type BestBidAsk struct {
	ProductID string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	Time      time.Time
}

// Mid returns the midpoint price, or zero when either side is empty.
func (b BestBidAsk) Mid() decimal.Decimal {
	if b.Bid.IsZero() || b.Ask.IsZero() {
		return decimal.Zero
	}
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

// SpreadPct returns (ask−bid)/mid, or zero when the book is one-sided.
func (b BestBidAsk) SpreadPct() decimal.Decimal {
	mid := b.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return b.Ask.Sub(b.Bid).Div(mid)
}

// MarketTrade is one public trade print, used for volume-flow analysis.
type MarketTrade struct {
	TradeID string
	Price   decimal.Decimal
	Size    decimal.Decimal
	Side    Side // aggressor side
	Time    time.Time
}

// Pressure buckets the buy share of recent traded volume.
type Pressure string

const (
	PressureStrongBuy    Pressure = "strong_buy"
	PressureModerateBuy  Pressure = "moderate_buy"
	PressureNeutral      Pressure = "neutral"
	PressureModerateSell Pressure = "moderate_sell"
	PressureStrongSell   Pressure = "strong_sell"
)

// VolumeFlow summarizes aggressor-side volume over a recent trade window.
type VolumeFlow struct {
	ProductID   string
	BuyVolume   decimal.Decimal
	SellVolume  decimal.Decimal
	BuyPressure decimal.Decimal // buy / (buy+sell), in [0,1]
	NetPressure Pressure
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is a strategy verdict for one product. Pure value; never persisted.
// Reasons is always non-empty for BUY/SELL — the position monitor and the
// logs depend on these being human-readable.
type Signal struct {
	Action     Action
	Confidence float64 // in [0,1]
	Reasons    []string
	Strategy   string
	ProducedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Orders & fills
// ————————————————————————————————————————————————————————————————————————

// Order is the locally persisted view of one exchange order. ClientID is a
// locally generated UUID and the idempotency key: no two orders ever share
// one. ExchangeID is empty until the exchange acks.
type Order struct {
	ClientID       string
	ExchangeID     string
	ProductID      string
	Side           Side
	Kind           OrderKind
	RequestedPrice decimal.Decimal // zero for market orders
	RequestedSize  decimal.Decimal
	StopPrice      decimal.Decimal // stop-limit only
	LimitPrice     decimal.Decimal // stop-limit only
	Status         OrderStatus
	FilledSize     decimal.Decimal
	AvgFillPrice   decimal.Decimal
	ParentPosition int64 // position row this order protects, 0 if none
	SubmittedAt    time.Time
	TerminalAt     time.Time // zero until the order reaches a terminal status
	Metadata       string    // free-form JSON
}

// Fill is one execution against an order. Append-only.
type Fill struct {
	FillID    string
	OrderID   string // client_id of the parent order
	ProductID string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	Fee       decimal.Decimal
	Liquidity Liquidity
	Time      time.Time
}

// CostBasis returns the fee-inclusive average price of a set of fills:
// (Σ price·size + Σ fee) / Σ size. Zero if the set is empty.
func CostBasis(fills []Fill) decimal.Decimal {
	var notional, fees, size decimal.Decimal
	for _, f := range fills {
		notional = notional.Add(f.Price.Mul(f.Size))
		fees = fees.Add(f.Fee)
		size = size.Add(f.Size)
	}
	if size.IsZero() {
		return decimal.Zero
	}
	return notional.Add(fees).Div(size)
}

// ————————————————————————————————————————————————————————————————————————
// Positions & trade history
// ————————————————————————————————————————————————————————————————————————

// PositionStatus is open or closed. At most one open position per product.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position tracks a held inventory in one product from entry fill to exit.
// Bracket orders are referenced by client_id, never by pointer — resolution
// happens in the store.
type Position struct {
	ID          int64
	ProductID   string
	Status      PositionStatus
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal // fee-inclusive cost basis at open time
	StopLoss    decimal.Decimal
	TakeProfit  decimal.Decimal
	StopOrderID string // client_id of the protective stop-limit sell
	TPOrderID   string // client_id of the take-profit limit sell
	Unprotected bool   // bracket installation failed; urgent exit candidate
	Strategy    string
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// TradeRecord is materialized when a position closes.
type TradeRecord struct {
	ID         int64
	ProductID  string
	EntryTime  time.Time
	ExitTime   time.Time
	AvgEntry   decimal.Decimal
	AvgExit    decimal.Decimal
	Size       decimal.Decimal
	GrossPnL   decimal.Decimal
	Fees       decimal.Decimal
	NetPnL     decimal.Decimal
	PnLPct     decimal.Decimal
	Strategy   string
	ExitReason ExitReason
}

// EquitySnapshot is one point on the equity curve.
type EquitySnapshot struct {
	Time           time.Time
	CashQuote      decimal.Decimal
	PositionsValue decimal.Decimal
	TotalQuote     decimal.Decimal
	OpenPositions  int
}

// ————————————————————————————————————————————————————————————————————————
// Accounts, previews, conversions
// ————————————————————————————————————————————————————————————————————————

// Account is one currency balance.
type Account struct {
	Currency  string
	Available decimal.Decimal
	Hold      decimal.Decimal
}

// OrderPreview is the exchange's pre-trade estimate for an order.
type OrderPreview struct {
	EstimatedFee decimal.Decimal
	Slippage     decimal.Decimal // fractional, e.g. 0.002 = 0.2%
	QuoteSize    decimal.Decimal
	BaseSize     decimal.Decimal
	BestBid      decimal.Decimal
	BestAsk      decimal.Decimal
	Warnings     []string
}

// TransactionSummary reports the account's current fee tier.
type TransactionSummary struct {
	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal
	Volume30d    decimal.Decimal
}

// Permissions reports what the API key is allowed to do.
type Permissions struct {
	CanView  bool
	CanTrade bool
	// PortfolioUUID identifies which portfolio the key is scoped to.
	PortfolioUUID string
}

// ConvertQuote is a priced offer to convert between two currencies.
type ConvertQuote struct {
	TradeID    string
	FromAmount decimal.Decimal
	ToAmount   decimal.Decimal
	Fee        decimal.Decimal
	ExpiresAt  time.Time
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————

// TickerUpdate is one price tick from the ticker_batch channel.
type TickerUpdate struct {
	ProductID string
	Price     decimal.Decimal
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Time      time.Time
}

// OrderUpdate is an order lifecycle notification from the user channel.
// ClientID is preferred for lookup; ExchangeID is the fallback.
type OrderUpdate struct {
	ExchangeID string
	ClientID   string
	ProductID  string
	Status     OrderStatus
	CumFilled  decimal.Decimal
	AvgPrice   decimal.Decimal
	Time       time.Time
}
