// Package store provides the crash-safe durable state store backing the bot.
//
// All trading state — orders, fills, positions, trade history, the equity
// curve, and cross-cycle scalars — lives in a single SQLite database file.
// Every mutating operation runs inside a serializable transaction, so a
// process crash between any two calls never leaves partial state: readers
// see either the pre- or post-state of each transaction.
//
// Two invariants are enforced here rather than by callers:
//
//   - client_id uniqueness: the orders table has a primary key on client_id,
//     and UpsertOrder refuses to move an order out of a terminal status.
//   - one open position per product: a partial unique index on
//     positions(product_id) WHERE status='open'.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"coinbase-trader/pkg/types"
)

// Sentinel errors for invariant violations. Callers log these at CRITICAL
// and refuse the operation; the store never silently corrects.
var (
	ErrTerminalOrder    = errors.New("store: order is terminal")
	ErrPositionExists   = errors.New("store: open position already exists for product")
	ErrOrderNotFound    = errors.New("store: order not found")
	ErrPositionNotFound = errors.New("store: open position not found")
)

// Store is the single-writer, multi-reader persistent store.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database file and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// WAL keeps readers unblocked during writes; synchronous=NORMAL still
	// fsyncs the WAL on commit, which is the durability point we need.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	client_id       TEXT PRIMARY KEY,
	exchange_id     TEXT,
	product_id      TEXT NOT NULL,
	side            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	requested_price TEXT NOT NULL,
	requested_size  TEXT NOT NULL,
	stop_price      TEXT NOT NULL,
	limit_price     TEXT NOT NULL,
	status          TEXT NOT NULL,
	filled_size     TEXT NOT NULL,
	avg_fill_price  TEXT NOT NULL,
	parent_position INTEGER NOT NULL DEFAULT 0,
	submitted_at    INTEGER NOT NULL,
	terminal_at     INTEGER NOT NULL DEFAULT 0,
	metadata        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_exchange_id ON orders(exchange_id);

CREATE TABLE IF NOT EXISTS fills (
	fill_id     TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL,
	product_id  TEXT NOT NULL,
	side        TEXT NOT NULL,
	price       TEXT NOT NULL,
	size        TEXT NOT NULL,
	fee         TEXT NOT NULL,
	liquidity   TEXT NOT NULL,
	time        INTEGER NOT NULL,
	position_id INTEGER NOT NULL DEFAULT 0,
	role        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
CREATE INDEX IF NOT EXISTS idx_fills_position ON fills(position_id);

CREATE TABLE IF NOT EXISTS positions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	size          TEXT NOT NULL,
	entry_price   TEXT NOT NULL,
	stop_loss     TEXT NOT NULL,
	take_profit   TEXT NOT NULL,
	stop_order_id TEXT NOT NULL DEFAULT '',
	tp_order_id   TEXT NOT NULL DEFAULT '',
	unprotected   INTEGER NOT NULL DEFAULT 0,
	strategy      TEXT NOT NULL DEFAULT '',
	opened_at     INTEGER NOT NULL,
	closed_at     INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open
	ON positions(product_id) WHERE status='open';

CREATE TABLE IF NOT EXISTS trade_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id  TEXT NOT NULL,
	entry_time  INTEGER NOT NULL,
	exit_time   INTEGER NOT NULL,
	avg_entry   TEXT NOT NULL,
	avg_exit    TEXT NOT NULL,
	size        TEXT NOT NULL,
	gross_pnl   TEXT NOT NULL,
	fees        TEXT NOT NULL,
	net_pnl     TEXT NOT NULL,
	pnl_pct     TEXT NOT NULL,
	strategy    TEXT NOT NULL,
	exit_reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS equity_curve (
	time            INTEGER PRIMARY KEY,
	cash_quote      TEXT NOT NULL,
	positions_value TEXT NOT NULL,
	total_quote     TEXT NOT NULL,
	open_positions  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// withTx runs fn inside a serializable transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UpsertOrder atomically inserts or updates an order by client_id.
// Returns ErrTerminalOrder if the persisted order already reached a terminal
// status and the update would change it — terminal states are final.
func (s *Store) UpsertOrder(ctx context.Context, o types.Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM orders WHERE client_id=?`, o.ClientID).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// fresh insert below
		case err != nil:
			return fmt.Errorf("read order status: %w", err)
		default:
			if types.OrderStatus(current).Terminal() && types.OrderStatus(current) != o.Status {
				return fmt.Errorf("%w: %s is %s", ErrTerminalOrder, o.ClientID, current)
			}
		}

		terminalAt := int64(0)
		if o.Status.Terminal() {
			if o.TerminalAt.IsZero() {
				o.TerminalAt = time.Now().UTC()
			}
			terminalAt = o.TerminalAt.UnixNano()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders (client_id, exchange_id, product_id, side, kind,
				requested_price, requested_size, stop_price, limit_price, status,
				filled_size, avg_fill_price, parent_position, submitted_at, terminal_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(client_id) DO UPDATE SET
				exchange_id=excluded.exchange_id,
				status=excluded.status,
				filled_size=excluded.filled_size,
				avg_fill_price=excluded.avg_fill_price,
				parent_position=excluded.parent_position,
				terminal_at=excluded.terminal_at,
				metadata=excluded.metadata`,
			o.ClientID, o.ExchangeID, o.ProductID, string(o.Side), string(o.Kind),
			o.RequestedPrice.String(), o.RequestedSize.String(),
			o.StopPrice.String(), o.LimitPrice.String(), string(o.Status),
			o.FilledSize.String(), o.AvgFillPrice.String(), o.ParentPosition,
			o.SubmittedAt.UnixNano(), terminalAt, o.Metadata)
		if err != nil {
			var sqlErr sqlite3.Error
			if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
				return fmt.Errorf("order %s: %w", o.ClientID, err)
			}
			return fmt.Errorf("upsert order: %w", err)
		}
		return nil
	})
}

// GetOrder reads one order by client_id. Returns ErrOrderNotFound if absent.
func (s *Store) GetOrder(ctx context.Context, clientID string) (types.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE client_id=?`, clientID)
	return scanOrder(row)
}

// GetOrderByExchangeID resolves an order by the exchange's identifier.
// Used by the user-channel fast path when client_id is absent from an event.
func (s *Store) GetOrderByExchangeID(ctx context.Context, exchangeID string) (types.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE exchange_id=?`, exchangeID)
	return scanOrder(row)
}

// ListOpenOrders returns every non-terminal order, oldest first.
func (s *Store) ListOpenOrders(ctx context.Context) ([]types.Order, error) {
	return s.queryOrders(ctx, `SELECT `+orderCols+` FROM orders
		WHERE status IN ('submitted','open','partially_filled','cancelling')
		ORDER BY submitted_at ASC`)
}

// ListOrdersOlderThan returns non-terminal orders submitted more than age ago.
// The reconciler uses this as its safety-net sweep.
func (s *Store) ListOrdersOlderThan(ctx context.Context, age time.Duration) ([]types.Order, error) {
	cutoff := time.Now().Add(-age).UnixNano()
	return s.queryOrders(ctx, `SELECT `+orderCols+` FROM orders
		WHERE status IN ('submitted','open','partially_filled','cancelling')
		AND submitted_at < ?
		ORDER BY submitted_at ASC`, cutoff)
}

const orderCols = `client_id, exchange_id, product_id, side, kind,
	requested_price, requested_size, stop_price, limit_price, status,
	filled_size, avg_fill_price, parent_position, submitted_at, terminal_at, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (types.Order, error) {
	var o types.Order
	var reqPrice, reqSize, stopPrice, limitPrice, filledSize, avgPrice string
	var side, kind, status string
	var submittedAt, terminalAt int64
	err := row.Scan(&o.ClientID, &o.ExchangeID, &o.ProductID, &side, &kind,
		&reqPrice, &reqSize, &stopPrice, &limitPrice, &status,
		&filledSize, &avgPrice, &o.ParentPosition, &submittedAt, &terminalAt, &o.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrOrderNotFound
	}
	if err != nil {
		return o, fmt.Errorf("scan order: %w", err)
	}
	o.Side = types.Side(side)
	o.Kind = types.OrderKind(kind)
	o.Status = types.OrderStatus(status)
	o.RequestedPrice = mustDecimal(reqPrice)
	o.RequestedSize = mustDecimal(reqSize)
	o.StopPrice = mustDecimal(stopPrice)
	o.LimitPrice = mustDecimal(limitPrice)
	o.FilledSize = mustDecimal(filledSize)
	o.AvgFillPrice = mustDecimal(avgPrice)
	o.SubmittedAt = time.Unix(0, submittedAt).UTC()
	if terminalAt != 0 {
		o.TerminalAt = time.Unix(0, terminalAt).UTC()
	}
	return o, nil
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]types.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Fills
// ————————————————————————————————————————————————————————————————————————

// RecordFill appends a fill and updates the parent order's cumulative state
// in the same transaction. If the cumulative filled size reaches the
// requested size, the order is promoted to filled. Re-delivering the same
// fill_id is a no-op, which makes the reconciler and the user-channel fast
// path safely idempotent.
func (s *Store) RecordFill(ctx context.Context, f types.Fill) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO fills (fill_id, order_id, product_id, side, price, size, fee, liquidity, time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.FillID, f.OrderID, f.ProductID, string(f.Side),
			f.Price.String(), f.Size.String(), f.Fee.String(), string(f.Liquidity),
			f.Time.UnixNano())
		if err != nil {
			return fmt.Errorf("insert fill: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // duplicate fill_id, already applied
		}

		// Re-aggregate from the fills table rather than incrementing, so
		// out-of-order delivery converges on the same totals.
		var notional, size decimal.Decimal
		rows, err := tx.QueryContext(ctx,
			`SELECT price, size FROM fills WHERE order_id=? ORDER BY time ASC, fill_id ASC`, f.OrderID)
		if err != nil {
			return fmt.Errorf("aggregate fills: %w", err)
		}
		for rows.Next() {
			var priceStr, sizeStr string
			if err := rows.Scan(&priceStr, &sizeStr); err != nil {
				rows.Close()
				return fmt.Errorf("scan fill: %w", err)
			}
			p, sz := mustDecimal(priceStr), mustDecimal(sizeStr)
			notional = notional.Add(p.Mul(sz))
			size = size.Add(sz)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		avg := decimal.Zero
		if size.IsPositive() {
			avg = notional.Div(size)
		}

		var requestedStr, status string
		err = tx.QueryRowContext(ctx,
			`SELECT requested_size, status FROM orders WHERE client_id=?`, f.OrderID).
			Scan(&requestedStr, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("fill %s: %w", f.FillID, ErrOrderNotFound)
		}
		if err != nil {
			return fmt.Errorf("read parent order: %w", err)
		}

		newStatus := status
		if !types.OrderStatus(status).Terminal() {
			if size.GreaterThanOrEqual(mustDecimal(requestedStr)) {
				newStatus = string(types.StatusFilled)
			} else {
				newStatus = string(types.StatusPartiallyFilled)
			}
		}
		terminalAt := int64(0)
		if types.OrderStatus(newStatus).Terminal() {
			terminalAt = f.Time.UnixNano()
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET filled_size=?, avg_fill_price=?, status=?,
				terminal_at=CASE WHEN terminal_at=0 THEN ? ELSE terminal_at END
			WHERE client_id=?`,
			size.String(), avg.String(), newStatus, terminalAt, f.OrderID)
		if err != nil {
			return fmt.Errorf("update parent order: %w", err)
		}
		return nil
	})
}

// FillsForOrder returns an order's fills ordered by time then fill_id.
func (s *Store) FillsForOrder(ctx context.Context, orderID string) ([]types.Fill, error) {
	return s.queryFills(ctx,
		`SELECT `+fillCols+` FROM fills WHERE order_id=? ORDER BY time ASC, fill_id ASC`, orderID)
}

// EntryFills returns the fills that built a position's cost basis.
func (s *Store) EntryFills(ctx context.Context, positionID int64) ([]types.Fill, error) {
	return s.queryFills(ctx,
		`SELECT `+fillCols+` FROM fills WHERE position_id=? AND role='entry' ORDER BY time ASC, fill_id ASC`,
		positionID)
}

const fillCols = `fill_id, order_id, product_id, side, price, size, fee, liquidity, time`

func (s *Store) queryFills(ctx context.Context, query string, args ...any) ([]types.Fill, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		var f types.Fill
		var price, size, fee, side, liquidity string
		var ts int64
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.ProductID, &side,
			&price, &size, &fee, &liquidity, &ts); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = types.Side(side)
		f.Price = mustDecimal(price)
		f.Size = mustDecimal(size)
		f.Fee = mustDecimal(fee)
		f.Liquidity = types.Liquidity(liquidity)
		f.Time = time.Unix(0, ts).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// OpenPosition creates an open position from its entry fills and tags those
// fills as the position's cost basis, all in one transaction. Returns
// ErrPositionExists if the product already has an open position.
func (s *Store) OpenPosition(ctx context.Context, pos types.Position, entryFills []types.Fill) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO positions (product_id, status, size, entry_price, stop_loss, take_profit,
				stop_order_id, tp_order_id, unprotected, strategy, opened_at)
			VALUES (?, 'open', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pos.ProductID, pos.Size.String(), pos.EntryPrice.String(),
			pos.StopLoss.String(), pos.TakeProfit.String(),
			pos.StopOrderID, pos.TPOrderID, boolToInt(pos.Unprotected),
			pos.Strategy, pos.OpenedAt.UnixNano())
		if err != nil {
			var sqlErr sqlite3.Error
			if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
				return fmt.Errorf("%w: %s", ErrPositionExists, pos.ProductID)
			}
			return fmt.Errorf("insert position: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("position id: %w", err)
		}

		for _, f := range entryFills {
			if _, err := tx.ExecContext(ctx,
				`UPDATE fills SET position_id=?, role='entry' WHERE fill_id=?`, id, f.FillID); err != nil {
				return fmt.Errorf("tag entry fill %s: %w", f.FillID, err)
			}
		}
		return nil
	})
	return id, err
}

// UpdatePosition persists mutable position fields: bracket order references,
// the unprotected flag, and a trailing stop that moved.
func (s *Store) UpdatePosition(ctx context.Context, pos types.Position) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE positions SET stop_loss=?, take_profit=?, stop_order_id=?, tp_order_id=?, unprotected=?
			WHERE id=? AND status='open'`,
			pos.StopLoss.String(), pos.TakeProfit.String(),
			pos.StopOrderID, pos.TPOrderID, boolToInt(pos.Unprotected), pos.ID)
		if err != nil {
			return fmt.Errorf("update position: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("position %d: %w", pos.ID, ErrPositionNotFound)
		}
		return nil
	})
}

// ClosePosition flips the open position for product to closed, tags the exit
// fills, derives realized PnL, and emits the trade record — one transaction.
func (s *Store) ClosePosition(ctx context.Context, productID string, exitFills []types.Fill, reason types.ExitReason) (types.TradeRecord, error) {
	var rec types.TradeRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		var sizeStr, entryPriceStr, strategy string
		var openedAt int64
		err := tx.QueryRowContext(ctx, `
			SELECT id, size, entry_price, strategy, opened_at FROM positions
			WHERE product_id=? AND status='open'`, productID).
			Scan(&id, &sizeStr, &entryPriceStr, &strategy, &openedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, productID)
		}
		if err != nil {
			return fmt.Errorf("read position: %w", err)
		}

		var exitNotional, exitSize, exitFees decimal.Decimal
		for _, f := range exitFills {
			if _, err := tx.ExecContext(ctx,
				`UPDATE fills SET position_id=?, role='exit' WHERE fill_id=?`, id, f.FillID); err != nil {
				return fmt.Errorf("tag exit fill %s: %w", f.FillID, err)
			}
			exitNotional = exitNotional.Add(f.Price.Mul(f.Size))
			exitSize = exitSize.Add(f.Size)
			exitFees = exitFees.Add(f.Fee)
		}

		// Entry fees are part of the cost basis already; re-read them so
		// the trade record reports total fees on both legs.
		var entryFees decimal.Decimal
		rows, err := tx.QueryContext(ctx,
			`SELECT fee FROM fills WHERE position_id=? AND role='entry'`, id)
		if err != nil {
			return fmt.Errorf("read entry fees: %w", err)
		}
		for rows.Next() {
			var feeStr string
			if err := rows.Scan(&feeStr); err != nil {
				rows.Close()
				return fmt.Errorf("scan fee: %w", err)
			}
			entryFees = entryFees.Add(mustDecimal(feeStr))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		size := mustDecimal(sizeStr)
		entryPrice := mustDecimal(entryPriceStr)
		avgExit := decimal.Zero
		if exitSize.IsPositive() {
			avgExit = exitNotional.Div(exitSize)
		}

		now := time.Now().UTC()
		gross := avgExit.Sub(entryPrice).Mul(size)
		net := gross.Sub(exitFees) // entry fees already inside entryPrice
		pnlPct := decimal.Zero
		if entryPrice.IsPositive() {
			pnlPct = avgExit.Sub(entryPrice).Div(entryPrice)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE positions SET status='closed', closed_at=? WHERE id=?`, now.UnixNano(), id); err != nil {
			return fmt.Errorf("close position: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO trade_history (product_id, entry_time, exit_time, avg_entry, avg_exit,
				size, gross_pnl, fees, net_pnl, pnl_pct, strategy, exit_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			productID, openedAt, now.UnixNano(), entryPrice.String(), avgExit.String(),
			size.String(), gross.String(), entryFees.Add(exitFees).String(),
			net.String(), pnlPct.String(), strategy, string(reason))
		if err != nil {
			return fmt.Errorf("insert trade record: %w", err)
		}
		recID, _ := res.LastInsertId()

		rec = types.TradeRecord{
			ID:         recID,
			ProductID:  productID,
			EntryTime:  time.Unix(0, openedAt).UTC(),
			ExitTime:   now,
			AvgEntry:   entryPrice,
			AvgExit:    avgExit,
			Size:       size,
			GrossPnL:   gross,
			Fees:       entryFees.Add(exitFees),
			NetPnL:     net,
			PnLPct:     pnlPct,
			Strategy:   strategy,
			ExitReason: reason,
		}
		return nil
	})
	return rec, err
}

// GetOpenPosition returns the open position for product, or ErrPositionNotFound.
func (s *Store) GetOpenPosition(ctx context.Context, productID string) (types.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE product_id=? AND status='open'`, productID)
	return scanPosition(row)
}

// ListOpenPositions returns every open position, oldest first.
func (s *Store) ListOpenPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status='open' ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const positionCols = `id, product_id, status, size, entry_price, stop_loss, take_profit,
	stop_order_id, tp_order_id, unprotected, strategy, opened_at, closed_at`

func scanPosition(row rowScanner) (types.Position, error) {
	var p types.Position
	var status, size, entry, stop, tp string
	var unprotected int
	var openedAt, closedAt int64
	err := row.Scan(&p.ID, &p.ProductID, &status, &size, &entry, &stop, &tp,
		&p.StopOrderID, &p.TPOrderID, &unprotected, &p.Strategy, &openedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrPositionNotFound
	}
	if err != nil {
		return p, fmt.Errorf("scan position: %w", err)
	}
	p.Status = types.PositionStatus(status)
	p.Size = mustDecimal(size)
	p.EntryPrice = mustDecimal(entry)
	p.StopLoss = mustDecimal(stop)
	p.TakeProfit = mustDecimal(tp)
	p.Unprotected = unprotected != 0
	p.OpenedAt = time.Unix(0, openedAt).UTC()
	if closedAt != 0 {
		p.ClosedAt = time.Unix(0, closedAt).UTC()
	}
	return p, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trade history, equity curve, bot state
// ————————————————————————————————————————————————————————————————————————

// ListTrades returns the most recent closed trades, newest first.
func (s *Store) ListTrades(ctx context.Context, limit int) ([]types.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, entry_time, exit_time, avg_entry, avg_exit,
			size, gross_pnl, fees, net_pnl, pnl_pct, strategy, exit_reason
		FROM trade_history ORDER BY exit_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		var t types.TradeRecord
		var entryT, exitT int64
		var avgEntry, avgExit, size, gross, fees, net, pct, reason string
		if err := rows.Scan(&t.ID, &t.ProductID, &entryT, &exitT, &avgEntry, &avgExit,
			&size, &gross, &fees, &net, &pct, &t.Strategy, &reason); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.EntryTime = time.Unix(0, entryT).UTC()
		t.ExitTime = time.Unix(0, exitT).UTC()
		t.AvgEntry = mustDecimal(avgEntry)
		t.AvgExit = mustDecimal(avgExit)
		t.Size = mustDecimal(size)
		t.GrossPnL = mustDecimal(gross)
		t.Fees = mustDecimal(fees)
		t.NetPnL = mustDecimal(net)
		t.PnLPct = mustDecimal(pct)
		t.ExitReason = types.ExitReason(reason)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SnapshotEquity appends one point to the equity curve.
func (s *Store) SnapshotEquity(ctx context.Context, snap types.EquitySnapshot) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO equity_curve (time, cash_quote, positions_value, total_quote, open_positions)
			VALUES (?, ?, ?, ?, ?)`,
			snap.Time.UnixNano(), snap.CashQuote.String(), snap.PositionsValue.String(),
			snap.TotalQuote.String(), snap.OpenPositions)
		if err != nil {
			return fmt.Errorf("snapshot equity: %w", err)
		}
		return nil
	})
}

// EquityCurve returns the most recent n snapshots, oldest first.
func (s *Store) EquityCurve(ctx context.Context, n int) ([]types.EquitySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, cash_quote, positions_value, total_quote, open_positions
		FROM (SELECT * FROM equity_curve ORDER BY time DESC LIMIT ?)
		ORDER BY time ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("query equity curve: %w", err)
	}
	defer rows.Close()

	var out []types.EquitySnapshot
	for rows.Next() {
		var snap types.EquitySnapshot
		var ts int64
		var cash, posVal, total string
		if err := rows.Scan(&ts, &cash, &posVal, &total, &snap.OpenPositions); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Time = time.Unix(0, ts).UTC()
		snap.CashQuote = mustDecimal(cash)
		snap.PositionsValue = mustDecimal(posVal)
		snap.TotalQuote = mustDecimal(total)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PutState writes one cross-cycle scalar (peak equity, halt reason, ...).
func (s *Store) PutState(ctx context.Context, key, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO bot_state (key, value) VALUES (?, ?)`, key, value)
		if err != nil {
			return fmt.Errorf("put state %s: %w", key, err)
		}
		return nil
	})
}

// GetState reads one scalar; returns "" with no error when the key is absent.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM bot_state WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

func mustDecimal(s string) decimal.Decimal {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
