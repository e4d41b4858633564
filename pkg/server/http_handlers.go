package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Handler returns the HTTP routes served on the relay port. Clients may
// upgrade on "/" or "/ws".
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.RootHandler)
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HealthHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// RootHandler upgrades WebSocket requests and answers plain requests with a
// short status line
func (s *Server) RootHandler(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.HandleWebSocket(w, r)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "chat relay is running")
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.Snapshot()

	health := map[string]interface{}{
		"status":           "healthy",
		"uptime_seconds":   int64(time.Since(s.startTime).Seconds()),
		"open_connections": snap.OpenConnections,
		"online_users":     snap.OnlineUsers,
		"accounts":         snap.Accounts,
		"queued_messages":  snap.QueuedMessages,
		"pending_writes":   s.writeBuffer.Pending(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}
