package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"coinbase-trader/internal/config"
)

type fakeProvider struct {
	snap Snapshot
	err  error
}

func (f *fakeProvider) StatusSnapshot(ctx context.Context) (Snapshot, error) {
	return f.snap, f.err
}

func testServer(t *testing.T, provider StatusProvider) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewServer(config.StatusConfig{Enabled: true, Port: 0}, provider, logger)
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	s := testServer(t, &fakeProvider{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestHandleStatusReturnsSnapshot(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{snap: Snapshot{
		Timestamp:    time.Now(),
		PaperTrading: true,
		Equity:       decimal.RequireFromString("10000"),
		PeakEquity:   decimal.RequireFromString("10500"),
		Positions: []PositionStatus{
			{ProductID: "BTC-USDC", Size: decimal.RequireFromString("0.01")},
		},
	}}
	s := testServer(t, provider)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !snap.PaperTrading {
		t.Error("paper_trading not round-tripped")
	}
	if len(snap.Positions) != 1 || snap.Positions[0].ProductID != "BTC-USDC" {
		t.Errorf("positions = %+v", snap.Positions)
	}
	if !snap.Equity.Equal(decimal.RequireFromString("10000")) {
		t.Errorf("equity = %s, want 10000", snap.Equity)
	}
}

func TestHandleStatusProviderError(t *testing.T) {
	t.Parallel()
	s := testServer(t, &fakeProvider{err: context.DeadlineExceeded})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestWebSocketStreamDeliversEvents(t *testing.T) {
	t.Parallel()
	s := testServer(t, &fakeProvider{snap: Snapshot{PaperTrading: true}})
	go s.hub.Run()

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// First frame is the initial snapshot.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != "snapshot" {
		t.Fatalf("first event type = %q, want snapshot", first.Type)
	}

	s.Publish(NewHaltEvent(true, decimal.RequireFromString("0.16")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != "halt" {
		t.Errorf("event type = %q, want halt", evt.Type)
	}
}
