// Package api exposes a read-only status surface: a health probe, a JSON
// snapshot of the bot's state, and a websocket stream of trade and halt
// events. It never accepts commands; all control stays with the engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"coinbase-trader/internal/config"
)

// StatusProvider supplies the current snapshot. Implemented by the engine.
type StatusProvider interface {
	StatusSnapshot(ctx context.Context) (Snapshot, error)
}

// Server serves the status endpoints.
type Server struct {
	cfg      config.StatusConfig
	provider StatusProvider
	hub      *Hub
	srv      *http.Server
	logger   *slog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Status stream is unauthenticated and bound locally; no origin check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewServer creates the status server. It does not start listening.
func NewServer(cfg config.StatusConfig, provider StatusProvider, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		hub:      NewHub(logger),
		logger:   logger.With("component", "status-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub and the HTTP listener. Blocks until the listener
// stops; run in a goroutine.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("status server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Publish pushes an event to all connected stream clients.
func (s *Server) Publish(evt Event) {
	s.hub.BroadcastEvent(evt)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.provider.StatusSnapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error("failed to encode snapshot", "error", err)
	}
}

// handleWebSocket upgrades the connection and sends the current snapshot
// before the client joins the event stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn)

	snap, err := s.provider.StatusSnapshot(r.Context())
	if err != nil {
		s.logger.Error("initial snapshot failed", "error", err)
		return
	}
	data, err := json.Marshal(Event{Type: "snapshot", Timestamp: time.Now(), Data: snap})
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}
