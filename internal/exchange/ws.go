// ws.go implements the WebSocket feed for real-time exchange data.
//
// One connection multiplexes two channels:
//
//   - ticker_batch (public): batched price ticks for every subscribed
//     product; feeds the in-memory price book the position monitor reads.
//
//   - user (authenticated): order lifecycle events for this account; the
//     reconciler's fast path. Skipped when no credentials are configured
//     (paper mode).
//
// The feed auto-reconnects with jittered exponential backoff (250ms → 30s),
// re-subscribes everything on reconnection, and notifies reconnect hooks so
// the reconciler can re-converge any order state that changed while the
// connection was down. A read deadline detects silent server failures.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"coinbase-trader/pkg/types"
)

const (
	wsReadTimeout    = 90 * time.Second
	wsWriteTimeout   = 10 * time.Second
	tickerBufferSize = 256
	orderBufferSize  = 64
)

// WSFeed manages the exchange WebSocket connection: lifecycle, subscription
// tracking, message routing, and automatic reconnection.
type WSFeed struct {
	url    string
	auth   *Auth
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect.
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // product IDs on ticker_batch

	tickerCh chan types.TickerUpdate
	orderCh  chan types.OrderUpdate

	hookMu           sync.RWMutex
	onReconnectHooks []func()

	logger *slog.Logger
}

// NewWSFeed creates a feed. auth may lack credentials, in which case the
// user channel is not subscribed and only ticker data flows.
func NewWSFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		auth:       auth,
		subscribed: make(map[string]bool),
		tickerCh:   make(chan types.TickerUpdate, tickerBufferSize),
		orderCh:    make(chan types.OrderUpdate, orderBufferSize),
		logger:     logger.With("component", "ws"),
	}
}

// Tickers returns a read-only channel of price ticks.
func (f *WSFeed) Tickers() <-chan types.TickerUpdate { return f.tickerCh }

// OrderUpdates returns a read-only channel of user-channel order events.
func (f *WSFeed) OrderUpdates() <-chan types.OrderUpdate { return f.orderCh }

// OnReconnect registers a hook invoked after every successful reconnection
// (not the first connect). The reconciler uses this to re-converge orders
// whose events may have been missed while disconnected.
func (f *WSFeed) OnReconnect(fn func()) {
	f.hookMu.Lock()
	f.onReconnectHooks = append(f.onReconnectHooks, fn)
	f.hookMu.Unlock()
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Jitter: true,
	}
	attempts := 0

	for {
		err := f.connectAndRead(ctx, attempts > 0, func() { b.Reset() })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts++

		wait := b.Duration()
		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Subscribe adds products to the ticker_batch subscription.
func (f *WSFeed) Subscribe(productIDs []string) error {
	f.subscribedMu.Lock()
	var fresh []string
	for _, id := range productIDs {
		if !f.subscribed[id] {
			f.subscribed[id] = true
			fresh = append(fresh, id)
		}
	}
	f.subscribedMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return f.writeJSON(f.subscribeMsg("ticker_batch", fresh))
}

// Unsubscribe removes products from the ticker_batch subscription.
func (f *WSFeed) Unsubscribe(productIDs []string) error {
	f.subscribedMu.Lock()
	for _, id := range productIDs {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	msg := f.subscribeMsg("ticker_batch", productIDs)
	msg["type"] = "unsubscribe"
	return f.writeJSON(msg)
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) subscribeMsg(channel string, productIDs []string) map[string]any {
	msg := map[string]any{
		"type":        "subscribe",
		"channel":     channel,
		"product_ids": productIDs,
	}
	if f.auth.HasCredentials() {
		key, timestamp, signature := f.auth.WSSignature(channel, productIDs)
		msg["api_key"] = key
		msg["timestamp"] = timestamp
		msg["signature"] = signature
	}
	return msg
}

func (f *WSFeed) connectAndRead(ctx context.Context, isReconnect bool, onConnected func()) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscriptions(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	onConnected()
	f.logger.Info("websocket connected", "reconnect", isReconnect)

	if isReconnect {
		f.hookMu.RLock()
		hooks := make([]func(), len(f.onReconnectHooks))
		copy(hooks, f.onReconnectHooks)
		f.hookMu.RUnlock()
		for _, hook := range hooks {
			go hook()
		}
	}

	// Read loop with deadline so we reconnect if the server goes silent.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscriptions() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if len(ids) > 0 {
		if err := f.writeJSON(f.subscribeMsg("ticker_batch", ids)); err != nil {
			return err
		}
		if err := f.writeJSON(f.subscribeMsg("heartbeats", nil)); err != nil {
			return err
		}
	}
	if f.auth.HasCredentials() {
		return f.writeJSON(f.subscribeMsg("user", nil))
	}
	return nil
}

// Wire shapes for the multiplexed channel envelope.
type wsEnvelope struct {
	Channel   string          `json:"channel"`
	Timestamp string          `json:"timestamp"`
	Events    json.RawMessage `json:"events"`
}

type wsTickerEvent struct {
	Type    string `json:"type"`
	Tickers []struct {
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
		BestBid   string `json:"best_bid"`
		BestAsk   string `json:"best_ask"`
	} `json:"tickers"`
}

type wsUserEvent struct {
	Type   string `json:"type"`
	Orders []struct {
		OrderID       string `json:"order_id"`
		ClientOrderID string `json:"client_order_id"`
		ProductID     string `json:"product_id"`
		Status        string `json:"status"`
		CumulativeQty string `json:"cumulative_quantity"`
		AvgPrice      string `json:"avg_price"`
	} `json:"orders"`
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	eventTime := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
		eventTime = t
	}

	switch env.Channel {
	case "ticker", "ticker_batch":
		var events []wsTickerEvent
		if err := json.Unmarshal(env.Events, &events); err != nil {
			f.logger.Error("unmarshal ticker events", "error", err)
			return
		}
		for _, evt := range events {
			for _, tick := range evt.Tickers {
				upd := types.TickerUpdate{
					ProductID: tick.ProductID,
					Price:     parseDec(tick.Price),
					BestBid:   parseDec(tick.BestBid),
					BestAsk:   parseDec(tick.BestAsk),
					Time:      eventTime,
				}
				select {
				case f.tickerCh <- upd:
				default:
					f.logger.Warn("ticker channel full, dropping tick", "product", tick.ProductID)
				}
			}
		}

	case "user":
		var events []wsUserEvent
		if err := json.Unmarshal(env.Events, &events); err != nil {
			f.logger.Error("unmarshal user events", "error", err)
			return
		}
		for _, evt := range events {
			for _, o := range evt.Orders {
				upd := types.OrderUpdate{
					ExchangeID: o.OrderID,
					ClientID:   o.ClientOrderID,
					ProductID:  o.ProductID,
					Status:     mapStatus(o.Status),
					CumFilled:  parseDec(o.CumulativeQty),
					AvgPrice:   parseDec(o.AvgPrice),
					Time:       eventTime,
				}
				select {
				case f.orderCh <- upd:
				default:
					// Dropping a user event is safe: the polling reconciler
					// converges the same state on its next sweep.
					f.logger.Warn("order channel full, dropping event", "client_id", o.ClientOrderID)
				}
			}
		}

	case "heartbeats", "subscriptions":
		// keep-alive / ack messages

	default:
		f.logger.Debug("unknown ws channel", "channel", env.Channel)
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}
