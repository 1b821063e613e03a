package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/conductor-ai/conductor/pkg/events"
)

// wsEnvelope is the wire format for every server-sent frame.
type wsEnvelope struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// Hub bridges the in-process event bus onto WebSocket connections. Each
// connection subscribes to one room; history is never replayed, clients
// reconnect and consult the REST API for anything they missed.
type Hub struct {
	bus      *events.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*websocket.Conn
	closed bool
}

// NewHub creates a hub over the bus.
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:    bus,
		logger: logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth happens at the tenant layer; origins are not
			// restricted here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*websocket.Conn),
	}
}

// Close tears down every open connection.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*websocket.Conn)
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// handleWS upgrades the request and streams the room's events until the
// client disconnects.
func (s *Server) handleWS(room func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := s.hub.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.hub.logger.Warn("WebSocket upgrade failed", "error", err)
			return
		}
		s.hub.serve(conn, room(c))
	}
}

func (h *Hub) serve(conn *websocket.Conn, room string) {
	clientID := uuid.NewString()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.conns[clientID] = conn
	h.mu.Unlock()

	sub := h.bus.Subscribe(room)
	logger := h.logger.With("client_id", clientID, "room", room)
	logger.Debug("WebSocket client connected")

	defer func() {
		h.bus.Unsubscribe(sub)
		h.mu.Lock()
		delete(h.conns, clientID)
		h.mu.Unlock()
		_ = conn.Close()
		logger.Debug("WebSocket client disconnected")
	}()

	if err := h.write(conn, wsEnvelope{
		Type:      "connection.established",
		Payload:   map[string]any{"client_id": clientID},
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return
	}

	// Reader goroutine: discard client frames, unblock on close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.write(conn, wsEnvelope{
				Type:      evt.Type,
				Payload:   evt,
				Timestamp: evt.Timestamp,
			}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, env wsEnvelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(env)
}
