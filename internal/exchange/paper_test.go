package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinbase-trader/pkg/types"
)

func newTestPaperBook(t *testing.T) *paperBook {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return newPaperBook(nil, "USDC", logger)
}

func TestPaperLimitFillsAfterDelay(t *testing.T) {
	t.Parallel()
	pb := newTestPaperBook(t)
	ctx := context.Background()

	id, err := pb.placeLimit(ctx, "client-1", "BTC-USDC", types.BUY, dec("0.01"), dec("50000"))
	if err != nil {
		t.Fatalf("placeLimit: %v", err)
	}

	upd, err := pb.getOrder(id)
	if err != nil {
		t.Fatalf("getOrder: %v", err)
	}
	if upd.Status != types.StatusOpen {
		t.Fatalf("status = %s before the fill delay, want open", upd.Status)
	}

	// Rewind the clock past the simulated fill latency.
	pb.mu.Lock()
	pb.orders[id].placedAt = time.Now().Add(-2 * paperFillDelay)
	pb.mu.Unlock()

	upd, err = pb.getOrder(id)
	if err != nil {
		t.Fatalf("getOrder after delay: %v", err)
	}
	if upd.Status != types.StatusFilled {
		t.Fatalf("status = %s after the fill delay, want filled", upd.Status)
	}
	if !upd.AvgPrice.Equal(dec("50000")) {
		t.Errorf("avg price = %s, want the limit price", upd.AvgPrice)
	}

	fills, err := pb.fills(id)
	if err != nil {
		t.Fatalf("fills: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("fill count = %d, want 1", len(fills))
	}
	// 0.01 × 50000 × 0.4% maker fee
	if !fills[0].Fee.Equal(dec("2")) {
		t.Errorf("fee = %s, want 2", fills[0].Fee)
	}
	if fills[0].Liquidity != types.Maker {
		t.Errorf("liquidity = %s, want MAKER for a resting limit", fills[0].Liquidity)
	}
}

func TestPaperFillSettlesAccount(t *testing.T) {
	t.Parallel()
	pb := newTestPaperBook(t)
	ctx := context.Background()

	id, err := pb.placeLimit(ctx, "client-2", "ETH-USDC", types.BUY, dec("1"), dec("3000"))
	if err != nil {
		t.Fatalf("placeLimit: %v", err)
	}
	pb.mu.Lock()
	pb.orders[id].placedAt = time.Now().Add(-2 * paperFillDelay)
	pb.mu.Unlock()
	if _, err := pb.getOrder(id); err != nil {
		t.Fatalf("getOrder: %v", err)
	}

	accounts := pb.accounts()
	byCurrency := make(map[string]decimal.Decimal, len(accounts))
	for _, a := range accounts {
		byCurrency[a.Currency] = a.Available
	}
	// 10000 − 3000 notional − 12 maker fee
	if !byCurrency["USDC"].Equal(dec("6988")) {
		t.Errorf("cash = %s, want 6988", byCurrency["USDC"])
	}
	if !byCurrency["ETH"].Equal(dec("1")) {
		t.Errorf("ETH holding = %s, want 1", byCurrency["ETH"])
	}
}

func TestPaperCancelOpenOrder(t *testing.T) {
	t.Parallel()
	pb := newTestPaperBook(t)
	ctx := context.Background()

	id, err := pb.placeLimit(ctx, "client-3", "BTC-USDC", types.BUY, dec("0.01"), dec("50000"))
	if err != nil {
		t.Fatalf("placeLimit: %v", err)
	}
	if err := pb.cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	upd, err := pb.getOrder(id)
	if err != nil {
		t.Fatalf("getOrder: %v", err)
	}
	if upd.Status != types.StatusCancelled {
		t.Errorf("status = %s, want cancelled", upd.Status)
	}
}

func TestPaperCancelFilledOrderFails(t *testing.T) {
	t.Parallel()
	pb := newTestPaperBook(t)
	ctx := context.Background()

	id, err := pb.placeLimit(ctx, "client-4", "BTC-USDC", types.BUY, dec("0.01"), dec("50000"))
	if err != nil {
		t.Fatalf("placeLimit: %v", err)
	}
	pb.mu.Lock()
	pb.orders[id].placedAt = time.Now().Add(-2 * paperFillDelay)
	pb.mu.Unlock()

	if err := pb.cancel(id); err == nil {
		t.Fatal("cancelling a filled order succeeded, want error")
	}
}

func TestPaperBracketRestsIndefinitely(t *testing.T) {
	t.Parallel()
	pb := newTestPaperBook(t)
	ctx := context.Background()

	id, err := pb.placeResting(ctx, "client-5", "BTC-USDC", types.SELL, dec("0.01"), dec("52000"), dec("49000"))
	if err != nil {
		t.Fatalf("placeResting: %v", err)
	}
	pb.mu.Lock()
	pb.orders[id].placedAt = time.Now().Add(-time.Hour)
	pb.mu.Unlock()

	upd, err := pb.getOrder(id)
	if err != nil {
		t.Fatalf("getOrder: %v", err)
	}
	if upd.Status != types.StatusOpen {
		t.Errorf("status = %s, want a resting bracket to stay open", upd.Status)
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
