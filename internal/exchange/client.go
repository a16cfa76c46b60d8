// Package exchange implements the gateway to the exchange's REST and
// WebSocket APIs.
//
// The REST client (Client) covers every endpoint the bot needs:
//   - accounts, products, candles, best bid/ask, recent trades
//   - order preview, placement (limit GTC post-only, market, stop-limit,
//     bracket), cancel, status, fills
//   - transaction summary (fee tier), key permissions, currency conversion
//
// Every request is rate-limited via per-category buckets, automatically
// retried on 5xx/429, signed with HMAC access headers, and classified into
// the error taxonomy in errors.go.
//
// In paper-trading mode, mutating methods are simulated by paperBook
// (paper.go): no real order ever leaves the process, while market-data
// reads still hit the public API. The switch lives here and only here —
// no strategy, monitor, or order-manager code branches on it.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"coinbase-trader/internal/config"
	"coinbase-trader/pkg/types"
)

// Client is the exchange REST API client.
type Client struct {
	http       *resty.Client // HTTP client with retry + base URL
	auth       *Auth         // HMAC request signing
	rl         *RateLimiter  // per-endpoint-category rate limiting
	pathPrefix string        // path component of the base URL, part of the signed payload
	paper      *paperBook    // non-nil in paper-trading mode
	logger     *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg *config.Config, auth *Auth, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	c := &Client{
		http:       httpClient,
		auth:       auth,
		rl:         NewRateLimiter(),
		pathPrefix: base.Path,
		logger:     logger,
	}
	if cfg.Trading.PaperTrading {
		c.paper = newPaperBook(c, cfg.Trading.QuoteCurrency, logger)
		logger.Warn("paper trading mode: order placement is simulated")
	}
	return c, nil
}

// PaperTrading reports whether the client simulates order placement.
func (c *Client) PaperTrading() bool {
	return c.paper != nil
}

// get performs a signed GET, decoding into result.
func (c *Client) get(ctx context.Context, op, path string, query map[string]string, result any) error {
	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodGet, c.pathPrefix+path, "")).
		SetResult(result)
	for k, v := range query {
		req.SetQueryParam(k, v)
	}
	resp, err := req.Get(path)
	if err != nil {
		return netErr(op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apiErr(op, resp.StatusCode(), resp.String())
	}
	return nil
}

// post performs a signed POST with a JSON body, decoding into result.
func (c *Client) post(ctx context.Context, op, path string, body []byte, result any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodPost, c.pathPrefix+path, string(body))).
		SetBody(body).
		SetResult(result).
		Post(path)
	if err != nil {
		return netErr(op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return apiErr(op, resp.StatusCode(), resp.String())
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Accounts & products
// ————————————————————————————————————————————————————————————————————————

type accountsResponse struct {
	Accounts []struct {
		Currency         string       `json:"currency"`
		AvailableBalance balanceValue `json:"available_balance"`
		Hold             balanceValue `json:"hold"`
	} `json:"accounts"`
	HasNext bool   `json:"has_next"`
	Cursor  string `json:"cursor"`
}

type balanceValue struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// GetAccounts returns all currency balances, following pagination.
func (c *Client) GetAccounts(ctx context.Context) ([]types.Account, error) {
	if c.paper != nil {
		return c.paper.accounts(), nil
	}
	var out []types.Account
	cursor := ""
	for {
		if err := c.rl.Private.Wait(ctx); err != nil {
			return nil, err
		}
		query := map[string]string{"limit": "250"}
		if cursor != "" {
			query["cursor"] = cursor
		}
		var result accountsResponse
		if err := c.get(ctx, "get accounts", "/accounts", query, &result); err != nil {
			return nil, err
		}
		for _, a := range result.Accounts {
			out = append(out, types.Account{
				Currency:  a.Currency,
				Available: parseDec(a.AvailableBalance.Value),
				Hold:      parseDec(a.Hold.Value),
			})
		}
		if !result.HasNext || result.Cursor == "" {
			return out, nil
		}
		cursor = result.Cursor
	}
}

type productsResponse struct {
	Products []productDTO `json:"products"`
}

type productDTO struct {
	ProductID       string `json:"product_id"`
	BaseCurrency    string `json:"base_currency_id"`
	QuoteCurrency   string `json:"quote_currency_id"`
	BaseIncrement   string `json:"base_increment"`
	QuoteIncrement  string `json:"quote_increment"`
	BaseMinSize     string `json:"base_min_size"`
	QuoteMinSize    string `json:"quote_min_size"`
	Price           string `json:"price"`
	Volume24h       string `json:"volume_24h"`
	ViewOnly        bool   `json:"view_only"`
	TradingDisabled bool   `json:"trading_disabled"`
	IsDisabled      bool   `json:"is_disabled"`
}

// ListProducts returns all spot products on the exchange.
func (c *Client) ListProducts(ctx context.Context) ([]types.Product, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}
	var result productsResponse
	if err := c.get(ctx, "list products", "/products",
		map[string]string{"product_type": "SPOT"}, &result); err != nil {
		return nil, err
	}
	out := make([]types.Product, 0, len(result.Products))
	for _, p := range result.Products {
		out = append(out, types.Product{
			ID:              p.ProductID,
			Base:            p.BaseCurrency,
			Quote:           p.QuoteCurrency,
			BaseIncrement:   parseDec(p.BaseIncrement),
			QuoteIncrement:  parseDec(p.QuoteIncrement),
			MinBase:         parseDec(p.BaseMinSize),
			MinQuote:        parseDec(p.QuoteMinSize),
			Price:           parseDec(p.Price),
			Volume24h:       parseDec(p.Volume24h),
			ViewOnly:        p.ViewOnly,
			TradingDisabled: p.TradingDisabled || p.IsDisabled,
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

type candlesResponse struct {
	Candles []struct {
		Start  string `json:"start"` // unix seconds as string
		Open   string `json:"open"`
		High   string `json:"high"`
		Low    string `json:"low"`
		Close  string `json:"close"`
		Volume string `json:"volume"`
	} `json:"candles"`
}

// granularitySeconds maps the exchange's granularity names to bar lengths.
var granularitySeconds = map[string]int64{
	"ONE_MINUTE":     60,
	"FIVE_MINUTE":    300,
	"FIFTEEN_MINUTE": 900,
	"THIRTY_MINUTE":  1800,
	"ONE_HOUR":       3600,
	"TWO_HOUR":       7200,
	"SIX_HOUR":       21600,
	"ONE_DAY":        86400,
}

// GetCandles returns up to limit candles for the product at the given
// granularity, ordered ascending by start time (the API returns newest
// first; the gateway reverses so strategies always see oldest-first).
func (c *Client) GetCandles(ctx context.Context, productID, granularity string, limit int) ([]types.Candle, error) {
	secs, ok := granularitySeconds[granularity]
	if !ok {
		return nil, &APIError{Class: ClassInvalidRequest, Op: "get candles",
			Message: "unknown granularity " + granularity}
	}
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(int64(limit)*secs) * time.Second)
	var result candlesResponse
	err := c.get(ctx, "get candles", "/products/"+productID+"/candles", map[string]string{
		"granularity": granularity,
		"start":       strconv.FormatInt(start.Unix(), 10),
		"end":         strconv.FormatInt(end.Unix(), 10),
	}, &result)
	if err != nil {
		return nil, err
	}

	out := make([]types.Candle, 0, len(result.Candles))
	for i := len(result.Candles) - 1; i >= 0; i-- {
		raw := result.Candles[i]
		startSec, _ := strconv.ParseInt(raw.Start, 10, 64)
		out = append(out, types.Candle{
			Start:  time.Unix(startSec, 0).UTC(),
			Open:   parseDec(raw.Open),
			High:   parseDec(raw.High),
			Low:    parseDec(raw.Low),
			Close:  parseDec(raw.Close),
			Volume: parseDec(raw.Volume),
		})
	}
	return out, nil
}

type bidAskResponse struct {
	PriceBooks []struct {
		ProductID string `json:"product_id"`
		Bids      []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"asks"`
		Time string `json:"time"`
	} `json:"pricebooks"`
}

// GetBestBidAsk returns top-of-book for the given products.
func (c *Client) GetBestBidAsk(ctx context.Context, productIDs []string) ([]types.BestBidAsk, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}
	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodGet, c.pathPrefix+"/best_bid_ask", "")).
		SetQueryParamsFromValues(url.Values{"product_ids": productIDs})
	var result bidAskResponse
	resp, err := req.SetResult(&result).Get("/best_bid_ask")
	if err != nil {
		return nil, netErr("get best bid ask", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, apiErr("get best bid ask", resp.StatusCode(), resp.String())
	}

	out := make([]types.BestBidAsk, 0, len(result.PriceBooks))
	for _, book := range result.PriceBooks {
		bba := types.BestBidAsk{ProductID: book.ProductID}
		if t, err := time.Parse(time.RFC3339, book.Time); err == nil {
			bba.Time = t
		}
		if len(book.Bids) > 0 {
			bba.Bid = parseDec(book.Bids[0].Price)
			bba.BidSize = parseDec(book.Bids[0].Size)
		}
		if len(book.Asks) > 0 {
			bba.Ask = parseDec(book.Asks[0].Price)
			bba.AskSize = parseDec(book.Asks[0].Size)
		}
		out = append(out, bba)
	}
	return out, nil
}

type tradesResponse struct {
	Trades []struct {
		TradeID string `json:"trade_id"`
		Price   string `json:"price"`
		Size    string `json:"size"`
		Side    string `json:"side"`
		Time    string `json:"time"`
	} `json:"trades"`
}

// GetRecentTrades returns the n most recent public trade prints.
func (c *Client) GetRecentTrades(ctx context.Context, productID string, n int) ([]types.MarketTrade, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}
	var result tradesResponse
	err := c.get(ctx, "get recent trades", "/products/"+productID+"/ticker",
		map[string]string{"limit": strconv.Itoa(n)}, &result)
	if err != nil {
		return nil, err
	}
	out := make([]types.MarketTrade, 0, len(result.Trades))
	for _, raw := range result.Trades {
		mt := types.MarketTrade{
			TradeID: raw.TradeID,
			Price:   parseDec(raw.Price),
			Size:    parseDec(raw.Size),
			Side:    types.Side(raw.Side),
		}
		if t, err := time.Parse(time.RFC3339, raw.Time); err == nil {
			mt.Time = t
		}
		out = append(out, mt)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type orderConfiguration struct {
	LimitGTC *struct {
		BaseSize   string `json:"base_size"`
		LimitPrice string `json:"limit_price"`
		PostOnly   bool   `json:"post_only"`
	} `json:"limit_limit_gtc,omitempty"`
	Market *struct {
		BaseSize string `json:"base_size"`
	} `json:"market_market_ioc,omitempty"`
	StopLimit *struct {
		BaseSize      string `json:"base_size"`
		LimitPrice    string `json:"limit_price"`
		StopPrice     string `json:"stop_price"`
		StopDirection string `json:"stop_direction"`
	} `json:"stop_limit_stop_limit_gtc,omitempty"`
	Bracket *struct {
		BaseSize         string `json:"base_size"`
		LimitPrice       string `json:"limit_price"`
		StopTriggerPrice string `json:"stop_trigger_price"`
	} `json:"trigger_bracket_gtc,omitempty"`
}

type createOrderRequest struct {
	ClientOrderID string             `json:"client_order_id"`
	ProductID     string             `json:"product_id"`
	Side          string             `json:"side"`
	OrderConfig   orderConfiguration `json:"order_configuration"`
}

type createOrderResponse struct {
	Success bool `json:"success"`
	Order   struct {
		OrderID       string `json:"order_id"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	Error struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Details string `json:"error_details"`
	} `json:"error_response"`
}

func (c *Client) createOrder(ctx context.Context, op string, req createOrderRequest) (string, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}
	body, err := marshalJSON(req)
	if err != nil {
		return "", fmt.Errorf("%s: marshal: %w", op, err)
	}
	var result createOrderResponse
	if err := c.post(ctx, op, "/orders", body, &result); err != nil {
		return "", err
	}
	if !result.Success {
		// The API answers 200 with an error payload for rule violations
		// (post-only would cross, size below minimum, ...).
		return "", &APIError{Class: ClassInvalidRequest, Op: op,
			Message: result.Error.Error + ": " + result.Error.Message}
	}
	c.logger.Info("order placed",
		"client_id", req.ClientOrderID, "exchange_id", result.Order.OrderID,
		"product", req.ProductID, "side", req.Side)
	return result.Order.OrderID, nil
}

// PlaceLimitOrder places a GTC limit order, post-only when requested.
// Returns the exchange-assigned order ID.
func (c *Client) PlaceLimitOrder(ctx context.Context, clientID, productID string, side types.Side, size, price decimal.Decimal, postOnly bool) (string, error) {
	if c.paper != nil {
		return c.paper.placeLimit(ctx, clientID, productID, side, size, price)
	}
	req := createOrderRequest{ClientOrderID: clientID, ProductID: productID, Side: string(side)}
	req.OrderConfig.LimitGTC = &struct {
		BaseSize   string `json:"base_size"`
		LimitPrice string `json:"limit_price"`
		PostOnly   bool   `json:"post_only"`
	}{BaseSize: size.String(), LimitPrice: price.String(), PostOnly: postOnly}
	return c.createOrder(ctx, "place limit order", req)
}

// PlaceMarketOrder places an immediate-or-cancel market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, clientID, productID string, side types.Side, size decimal.Decimal) (string, error) {
	if c.paper != nil {
		return c.paper.placeMarket(ctx, clientID, productID, side, size)
	}
	req := createOrderRequest{ClientOrderID: clientID, ProductID: productID, Side: string(side)}
	req.OrderConfig.Market = &struct {
		BaseSize string `json:"base_size"`
	}{BaseSize: size.String()}
	return c.createOrder(ctx, "place market order", req)
}

// PlaceStopLimitOrder places a GTC stop-limit sell that triggers when the
// price falls through stopPrice.
func (c *Client) PlaceStopLimitOrder(ctx context.Context, clientID, productID string, side types.Side, size, stopPrice, limitPrice decimal.Decimal) (string, error) {
	if c.paper != nil {
		return c.paper.placeResting(ctx, clientID, productID, side, size, limitPrice, stopPrice)
	}
	direction := "STOP_DIRECTION_STOP_DOWN"
	if side == types.BUY {
		direction = "STOP_DIRECTION_STOP_UP"
	}
	req := createOrderRequest{ClientOrderID: clientID, ProductID: productID, Side: string(side)}
	req.OrderConfig.StopLimit = &struct {
		BaseSize      string `json:"base_size"`
		LimitPrice    string `json:"limit_price"`
		StopPrice     string `json:"stop_price"`
		StopDirection string `json:"stop_direction"`
	}{BaseSize: size.String(), LimitPrice: limitPrice.String(),
		StopPrice: stopPrice.String(), StopDirection: direction}
	return c.createOrder(ctx, "place stop limit order", req)
}

// PlaceBracketOrder places a sell with both a take-profit limit price and a
// stop trigger in one exchange-managed order.
func (c *Client) PlaceBracketOrder(ctx context.Context, clientID, productID string, size, limitPrice, stopTrigger decimal.Decimal) (string, error) {
	if c.paper != nil {
		return c.paper.placeResting(ctx, clientID, productID, types.SELL, size, limitPrice, stopTrigger)
	}
	req := createOrderRequest{ClientOrderID: clientID, ProductID: productID, Side: string(types.SELL)}
	req.OrderConfig.Bracket = &struct {
		BaseSize         string `json:"base_size"`
		LimitPrice       string `json:"limit_price"`
		StopTriggerPrice string `json:"stop_trigger_price"`
	}{BaseSize: size.String(), LimitPrice: limitPrice.String(), StopTriggerPrice: stopTrigger.String()}
	return c.createOrder(ctx, "place bracket order", req)
}

// CancelOrder cancels one order by exchange ID. A NotFound result means
// the order is already gone, which callers treat as terminal.
func (c *Client) CancelOrder(ctx context.Context, exchangeID string) error {
	if c.paper != nil {
		return c.paper.cancel(exchangeID)
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	body, err := marshalJSON(struct {
		OrderIDs []string `json:"order_ids"`
	}{OrderIDs: []string{exchangeID}})
	if err != nil {
		return fmt.Errorf("cancel order: marshal: %w", err)
	}
	var result struct {
		Results []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
			OrderID       string `json:"order_id"`
		} `json:"results"`
	}
	if err := c.post(ctx, "cancel order", "/orders/batch_cancel", body, &result); err != nil {
		return err
	}
	if len(result.Results) == 0 || !result.Results[0].Success {
		reason := "no result"
		if len(result.Results) > 0 {
			reason = result.Results[0].FailureReason
		}
		return &APIError{Class: ClassInvalidRequest, Op: "cancel order", Message: reason}
	}
	c.logger.Info("order cancelled", "exchange_id", exchangeID)
	return nil
}

type orderDTO struct {
	OrderID          string `json:"order_id"`
	ClientOrderID    string `json:"client_order_id"`
	ProductID        string `json:"product_id"`
	Status           string `json:"status"`
	FilledSize       string `json:"filled_size"`
	AverageFilled    string `json:"average_filled_price"`
	CreatedTime      string `json:"created_time"`
	LastFillTime     string `json:"last_fill_time"`
	CompletionPct    string `json:"completion_percentage"`
	OutstandingHolds string `json:"outstanding_hold_amount"`
}

// mapStatus converts the exchange's order status names to local ones.
func mapStatus(s string) types.OrderStatus {
	switch s {
	case "OPEN", "PENDING", "QUEUED":
		return types.StatusOpen
	case "FILLED":
		return types.StatusFilled
	case "CANCELLED":
		return types.StatusCancelled
	case "EXPIRED":
		return types.StatusExpired
	case "FAILED", "REJECTED":
		return types.StatusRejected
	default:
		return types.StatusOpen
	}
}

// GetOrder reads the exchange's current view of one order.
func (c *Client) GetOrder(ctx context.Context, exchangeID string) (types.OrderUpdate, error) {
	if c.paper != nil {
		return c.paper.getOrder(exchangeID)
	}
	if err := c.rl.Private.Wait(ctx); err != nil {
		return types.OrderUpdate{}, err
	}
	var result struct {
		Order orderDTO `json:"order"`
	}
	if err := c.get(ctx, "get order", "/orders/historical/"+exchangeID, nil, &result); err != nil {
		return types.OrderUpdate{}, err
	}
	upd := types.OrderUpdate{
		ExchangeID: result.Order.OrderID,
		ClientID:   result.Order.ClientOrderID,
		ProductID:  result.Order.ProductID,
		Status:     mapStatus(result.Order.Status),
		CumFilled:  parseDec(result.Order.FilledSize),
		AvgPrice:   parseDec(result.Order.AverageFilled),
	}
	if result.Order.Status == "FILLED" {
		if upd.CumFilled.IsPositive() {
			upd.Status = types.StatusFilled
		}
	} else if upd.CumFilled.IsPositive() && upd.Status == types.StatusOpen {
		upd.Status = types.StatusPartiallyFilled
	}
	if t, err := time.Parse(time.RFC3339, result.Order.LastFillTime); err == nil {
		upd.Time = t
	}
	return upd, nil
}

type fillsResponse struct {
	Fills []struct {
		TradeID      string `json:"trade_id"`
		OrderID      string `json:"order_id"`
		ProductID    string `json:"product_id"`
		Side         string `json:"side"`
		Price        string `json:"price"`
		Size         string `json:"size"`
		Commission   string `json:"commission"`
		LiquidityInd string `json:"liquidity_indicator"`
		TradeTime    string `json:"trade_time"`
	} `json:"fills"`
}

// GetFills returns fills for one exchange order. Fill.OrderID carries the
// exchange order ID; the order manager rewrites it to the local client_id
// before persisting.
func (c *Client) GetFills(ctx context.Context, exchangeID string) ([]types.Fill, error) {
	if c.paper != nil {
		return c.paper.fills(exchangeID)
	}
	if err := c.rl.Private.Wait(ctx); err != nil {
		return nil, err
	}
	var result fillsResponse
	err := c.get(ctx, "get fills", "/orders/historical/fills",
		map[string]string{"order_id": exchangeID}, &result)
	if err != nil {
		return nil, err
	}
	out := make([]types.Fill, 0, len(result.Fills))
	for _, raw := range result.Fills {
		liq := types.Taker
		if raw.LiquidityInd == "MAKER" {
			liq = types.Maker
		}
		f := types.Fill{
			FillID:    raw.TradeID,
			OrderID:   raw.OrderID,
			ProductID: raw.ProductID,
			Side:      types.Side(raw.Side),
			Price:     parseDec(raw.Price),
			Size:      parseDec(raw.Size),
			Fee:       parseDec(raw.Commission),
			Liquidity: liq,
		}
		if t, err := time.Parse(time.RFC3339, raw.TradeTime); err == nil {
			f.Time = t
		}
		out = append(out, f)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Preview, fees, permissions, conversion
// ————————————————————————————————————————————————————————————————————————

// PreviewOrder asks the exchange to estimate fees and slippage for a limit
// buy before it is placed.
func (c *Client) PreviewOrder(ctx context.Context, productID string, side types.Side, size, price decimal.Decimal) (types.OrderPreview, error) {
	if c.paper != nil {
		return c.paper.preview(size, price), nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderPreview{}, err
	}
	req := createOrderRequest{ProductID: productID, Side: string(side)}
	req.OrderConfig.LimitGTC = &struct {
		BaseSize   string `json:"base_size"`
		LimitPrice string `json:"limit_price"`
		PostOnly   bool   `json:"post_only"`
	}{BaseSize: size.String(), LimitPrice: price.String(), PostOnly: true}
	body, err := marshalJSON(req)
	if err != nil {
		return types.OrderPreview{}, fmt.Errorf("preview order: marshal: %w", err)
	}
	var result struct {
		CommissionTotal string   `json:"commission_total"`
		Slippage        string   `json:"slippage"`
		QuoteSize       string   `json:"quote_size"`
		BaseSize        string   `json:"base_size"`
		BestBid         string   `json:"best_bid"`
		BestAsk         string   `json:"best_ask"`
		Warnings        []string `json:"warning"`
	}
	if err := c.post(ctx, "preview order", "/orders/preview", body, &result); err != nil {
		return types.OrderPreview{}, err
	}
	return types.OrderPreview{
		EstimatedFee: parseDec(result.CommissionTotal),
		Slippage:     parseDec(result.Slippage),
		QuoteSize:    parseDec(result.QuoteSize),
		BaseSize:     parseDec(result.BaseSize),
		BestBid:      parseDec(result.BestBid),
		BestAsk:      parseDec(result.BestAsk),
		Warnings:     result.Warnings,
	}, nil
}

// GetTransactionSummary returns the account's current fee rates.
func (c *Client) GetTransactionSummary(ctx context.Context) (types.TransactionSummary, error) {
	if c.paper != nil {
		return c.paper.feeSummary(), nil
	}
	if err := c.rl.Private.Wait(ctx); err != nil {
		return types.TransactionSummary{}, err
	}
	var result struct {
		FeeTier struct {
			MakerFeeRate string `json:"maker_fee_rate"`
			TakerFeeRate string `json:"taker_fee_rate"`
		} `json:"fee_tier"`
		AdvancedTradeOnlyVolume string `json:"advanced_trade_only_volume"`
	}
	if err := c.get(ctx, "get transaction summary", "/transaction_summary", nil, &result); err != nil {
		return types.TransactionSummary{}, err
	}
	return types.TransactionSummary{
		MakerFeeRate: parseDec(result.FeeTier.MakerFeeRate),
		TakerFeeRate: parseDec(result.FeeTier.TakerFeeRate),
		Volume30d:    parseDec(result.AdvancedTradeOnlyVolume),
	}, nil
}

// CheckPermissions verifies what the configured API key may do. Called once
// at startup; a key that cannot trade is a fatal configuration error for
// live mode.
func (c *Client) CheckPermissions(ctx context.Context) (types.Permissions, error) {
	if c.paper != nil {
		return types.Permissions{CanView: true, CanTrade: true}, nil
	}
	if err := c.rl.Private.Wait(ctx); err != nil {
		return types.Permissions{}, err
	}
	var result struct {
		CanView       bool   `json:"can_view"`
		CanTrade      bool   `json:"can_trade"`
		PortfolioUUID string `json:"portfolio_uuid"`
	}
	if err := c.get(ctx, "check permissions", "/key_permissions", nil, &result); err != nil {
		return types.Permissions{}, err
	}
	return types.Permissions{
		CanView:       result.CanView,
		CanTrade:      result.CanTrade,
		PortfolioUUID: result.PortfolioUUID,
	}, nil
}

// CreateConvertQuote prices a conversion between two currencies, e.g.
// sweeping dust holdings back into the quote currency.
func (c *Client) CreateConvertQuote(ctx context.Context, from, to string, amount decimal.Decimal) (types.ConvertQuote, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.ConvertQuote{}, err
	}
	body, err := marshalJSON(struct {
		FromAccount string `json:"from_account"`
		ToAccount   string `json:"to_account"`
		Amount      string `json:"amount"`
	}{FromAccount: from, ToAccount: to, Amount: amount.String()})
	if err != nil {
		return types.ConvertQuote{}, fmt.Errorf("create convert quote: marshal: %w", err)
	}
	var result struct {
		Trade struct {
			ID         string `json:"id"`
			UserAmount struct {
				Value string `json:"value"`
			} `json:"user_entered_amount"`
			Amount struct {
				Value string `json:"value"`
			} `json:"amount"`
			Fee struct {
				Value string `json:"value"`
			} `json:"total_fee_amount"`
		} `json:"trade"`
	}
	if err := c.post(ctx, "create convert quote", "/convert/quote", body, &result); err != nil {
		return types.ConvertQuote{}, err
	}
	return types.ConvertQuote{
		TradeID:    result.Trade.ID,
		FromAmount: parseDec(result.Trade.UserAmount.Value),
		ToAmount:   parseDec(result.Trade.Amount.Value),
		Fee:        parseDec(result.Trade.Fee.Value),
		ExpiresAt:  time.Now().Add(10 * time.Minute),
	}, nil
}

// CommitConvertTrade executes a previously quoted conversion.
func (c *Client) CommitConvertTrade(ctx context.Context, tradeID, from, to string) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	body, err := marshalJSON(struct {
		FromAccount string `json:"from_account"`
		ToAccount   string `json:"to_account"`
	}{FromAccount: from, ToAccount: to})
	if err != nil {
		return fmt.Errorf("commit convert trade: marshal: %w", err)
	}
	var result struct {
		Trade struct {
			Status string `json:"status"`
		} `json:"trade"`
	}
	if err := c.post(ctx, "commit convert trade", "/convert/trade/"+tradeID, body, &result); err != nil {
		return err
	}
	c.logger.Info("conversion committed", "trade_id", tradeID, "status", result.Trade.Status)
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
