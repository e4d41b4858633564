package server

import (
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// wsTransport carries one JSON frame per WebSocket message
type wsTransport struct {
	ws *websocket.Conn
}

func newWSTransport(ws *websocket.Conn, maxFrameBytes int) *wsTransport {
	ws.SetReadLimit(int64(maxFrameBytes))
	return &wsTransport{ws: ws}
}

// ReadFrame returns the next text or binary message. Close frames and
// closed sockets read as io.EOF.
func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := t.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, io.EOF
			}
			return nil, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteFrame(frame []byte) error {
	if err := t.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	// Best effort close handshake; the peer may already be gone
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.ws.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}

func (t *wsTransport) Kind() string {
	return "websocket"
}

// newUpgrader builds an upgrader that enforces the configured origins
func newUpgrader(origins []string) *websocket.Upgrader {
	allowed, allowAll := normalizeOrigins(origins)
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		allowedSet[o] = struct{}{}
	}

	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			originHeader := r.Header.Get("Origin")
			// Non-browser clients don't send an Origin
			if allowAll || originHeader == "" {
				return true
			}
			normalized, ok := normalizeOrigin(originHeader)
			if ok {
				if _, exists := allowedSet[normalized]; exists {
					return true
				}
			}
			log.Printf("Blocked WebSocket connection from disallowed origin: %q", originHeader)
			return false
		},
	}
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	s.serveConn(newWSTransport(ws, s.config.MaxFrameBytes))
}

func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Printf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
