// paper.go simulates order placement for paper-trading mode.
//
// The simulation lives entirely inside the gateway: limit orders fill at
// their requested price after a short delay, market orders fill at the live
// top of book (pulled from the public API), and a synthetic account tracks
// cash and holdings so equity math works without credentials. Stop-limit
// and bracket orders rest indefinitely — the position monitor's price
// checks provide the protective exits in this mode, matching how the rest
// of the system already treats resting brackets as a backstop.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinbase-trader/pkg/types"
)

// Simulated fee tier and fill latency.
var (
	paperMakerFee  = decimal.NewFromFloat(0.004)
	paperTakerFee  = decimal.NewFromFloat(0.006)
	paperStartCash = decimal.NewFromInt(10000)
	paperFillDelay = 2 * time.Second
)

type paperOrder struct {
	exchangeID string
	clientID   string
	productID  string
	side       types.Side
	size       decimal.Decimal
	limitPrice decimal.Decimal
	stopPrice  decimal.Decimal
	status     types.OrderStatus
	resting    bool // stop-limit / bracket: never auto-fills
	placedAt   time.Time
	fills      []types.Fill
}

type paperBook struct {
	mu       sync.Mutex
	client   *Client
	quote    string
	cash     decimal.Decimal
	holdings map[string]decimal.Decimal // base currency -> size
	orders   map[string]*paperOrder     // by exchange ID
	seq      int
	logger   *slog.Logger
}

func newPaperBook(c *Client, quote string, logger *slog.Logger) *paperBook {
	return &paperBook{
		client:   c,
		quote:    quote,
		cash:     paperStartCash,
		holdings: make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
		logger:   logger.With("component", "paper"),
	}
}

func (pb *paperBook) nextID() string {
	pb.seq++
	return fmt.Sprintf("paper-%06d", pb.seq)
}

func (pb *paperBook) placeLimit(ctx context.Context, clientID, productID string, side types.Side, size, price decimal.Decimal) (string, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	id := pb.nextID()
	pb.orders[id] = &paperOrder{
		exchangeID: id, clientID: clientID, productID: productID,
		side: side, size: size, limitPrice: price,
		status: types.StatusOpen, placedAt: time.Now(),
	}
	pb.logger.Info("simulated limit order", "client_id", clientID, "product", productID,
		"side", side, "size", size.String(), "price", price.String())
	return id, nil
}

func (pb *paperBook) placeResting(ctx context.Context, clientID, productID string, side types.Side, size, limitPrice, stopPrice decimal.Decimal) (string, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	id := pb.nextID()
	pb.orders[id] = &paperOrder{
		exchangeID: id, clientID: clientID, productID: productID,
		side: side, size: size, limitPrice: limitPrice, stopPrice: stopPrice,
		status: types.StatusOpen, resting: true, placedAt: time.Now(),
	}
	return id, nil
}

func (pb *paperBook) placeMarket(ctx context.Context, clientID, productID string, side types.Side, size decimal.Decimal) (string, error) {
	// Price the fill off the live public book so paper results track reality.
	books, err := pb.client.GetBestBidAsk(ctx, []string{productID})
	if err != nil || len(books) == 0 {
		return "", fmt.Errorf("paper market order: no reference price: %w", err)
	}
	price := books[0].Bid
	if side == types.BUY {
		price = books[0].Ask
	}
	if price.IsZero() {
		return "", fmt.Errorf("paper market order: empty book for %s", productID)
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	id := pb.nextID()
	o := &paperOrder{
		exchangeID: id, clientID: clientID, productID: productID,
		side: side, size: size, status: types.StatusOpen, placedAt: time.Now(),
	}
	pb.orders[id] = o
	pb.fill(o, price, paperTakerFee, types.Taker)
	return id, nil
}

// fill synthesizes a full fill and settles the synthetic account.
// Caller holds pb.mu.
func (pb *paperBook) fill(o *paperOrder, price, feeRate decimal.Decimal, liq types.Liquidity) {
	notional := price.Mul(o.size)
	fee := notional.Mul(feeRate)
	f := types.Fill{
		FillID:    o.exchangeID + "-f1",
		OrderID:   o.exchangeID,
		ProductID: o.productID,
		Side:      o.side,
		Price:     price,
		Size:      o.size,
		Fee:       fee,
		Liquidity: liq,
		Time:      time.Now().UTC(),
	}
	o.fills = append(o.fills, f)
	o.status = types.StatusFilled

	base := baseCurrency(o.productID)
	if o.side == types.BUY {
		pb.cash = pb.cash.Sub(notional).Sub(fee)
		pb.holdings[base] = pb.holdings[base].Add(o.size)
	} else {
		pb.cash = pb.cash.Add(notional).Sub(fee)
		pb.holdings[base] = pb.holdings[base].Sub(o.size)
	}
	pb.logger.Info("simulated fill", "client_id", o.clientID, "product", o.productID,
		"side", o.side, "price", price.String(), "size", o.size.String(), "fee", fee.String())
}

// settle promotes pending limit orders whose fill delay elapsed.
// Caller holds pb.mu.
func (pb *paperBook) settle(o *paperOrder) {
	if o.status != types.StatusOpen || o.resting {
		return
	}
	if o.limitPrice.IsPositive() && time.Since(o.placedAt) >= paperFillDelay {
		pb.fill(o, o.limitPrice, paperMakerFee, types.Maker)
	}
}

func (pb *paperBook) cancel(exchangeID string) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	o, ok := pb.orders[exchangeID]
	if !ok {
		return &APIError{Class: ClassNotFound, Op: "cancel order", Message: exchangeID}
	}
	pb.settle(o)
	if o.status.Terminal() {
		return &APIError{Class: ClassInvalidRequest, Op: "cancel order",
			Message: "order already " + string(o.status)}
	}
	o.status = types.StatusCancelled
	return nil
}

func (pb *paperBook) getOrder(exchangeID string) (types.OrderUpdate, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	o, ok := pb.orders[exchangeID]
	if !ok {
		return types.OrderUpdate{}, &APIError{Class: ClassNotFound, Op: "get order", Message: exchangeID}
	}
	pb.settle(o)
	upd := types.OrderUpdate{
		ExchangeID: o.exchangeID,
		ClientID:   o.clientID,
		ProductID:  o.productID,
		Status:     o.status,
		Time:       time.Now().UTC(),
	}
	var notional decimal.Decimal
	for _, f := range o.fills {
		upd.CumFilled = upd.CumFilled.Add(f.Size)
		notional = notional.Add(f.Price.Mul(f.Size))
	}
	if upd.CumFilled.IsPositive() {
		upd.AvgPrice = notional.Div(upd.CumFilled)
	}
	return upd, nil
}

func (pb *paperBook) fills(exchangeID string) ([]types.Fill, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	o, ok := pb.orders[exchangeID]
	if !ok {
		return nil, &APIError{Class: ClassNotFound, Op: "get fills", Message: exchangeID}
	}
	pb.settle(o)
	out := make([]types.Fill, len(o.fills))
	copy(out, o.fills)
	return out, nil
}

func (pb *paperBook) accounts() []types.Account {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	out := []types.Account{{Currency: pb.quote, Available: pb.cash}}
	for currency, size := range pb.holdings {
		if size.IsPositive() {
			out = append(out, types.Account{Currency: currency, Available: size})
		}
	}
	return out
}

func (pb *paperBook) preview(size, price decimal.Decimal) types.OrderPreview {
	notional := price.Mul(size)
	return types.OrderPreview{
		EstimatedFee: notional.Mul(paperMakerFee),
		Slippage:     decimal.Zero,
		QuoteSize:    notional,
		BaseSize:     size,
	}
}

func (pb *paperBook) feeSummary() types.TransactionSummary {
	return types.TransactionSummary{MakerFeeRate: paperMakerFee, TakerFeeRate: paperTakerFee}
}

func baseCurrency(productID string) string {
	if i := strings.Index(productID, "-"); i > 0 {
		return productID[:i]
	}
	return productID
}
