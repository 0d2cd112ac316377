package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthwire/hearthwire-core/internal/infrastructure/logging"
	"github.com/hearthwire/hearthwire-core/internal/state"
)

// WebSocket tuning.
const (
	wsWriteTimeout   = 10 * time.Second
	wsPingInterval   = 30 * time.Second
	wsSendBuffer     = 64
	wsMaxMessageSize = 4096
)

// upgrader performs the HTTP → WebSocket upgrade. Origin is not
// checked because the control port trusts its network by convention,
// like the rest of the control surface.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// stateEvent is the document broadcast for every object change.
type stateEvent struct {
	Type      string      `json:"type"`
	Serial    string      `json:"serial"`
	ObjectKey string      `json:"object_key"`
	Revision  int64       `json:"object_revision"`
	Timestamp int64       `json:"object_timestamp"`
	Value     state.Value `json:"value,omitempty"`
}

// Hub fans state change events out to connected dashboard clients.
//
// Clients that cannot keep up are disconnected rather than allowed to
// block the broadcast path.
type Hub struct {
	logger     *logging.Logger
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	clients    map[*wsClient]bool
}

// wsClient is one connected dashboard.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a WebSocket hub. Run must be started before clients
// connect.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, wsSendBuffer),
		clients:    make(map[*wsClient]bool),
	}
}

// Run drives the hub until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow consumer: drop the connection, not the event.
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// BroadcastChange publishes a state change to every connected client.
func (h *Hub) BroadcastChange(c state.Change) {
	msg, err := json.Marshal(stateEvent{
		Type:      "state_changed",
		Serial:    c.Serial,
		ObjectKey: c.Key,
		Revision:  c.Revision,
		Timestamp: c.Timestamp,
		Value:     c.Value,
	})
	if err != nil {
		h.logger.Error("marshalling state event", "error", err)
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast buffer full, dropping event",
			"key", c.Key)
	}
}

// handleWebSocket upgrades an authenticated request into a live state
// stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump(s.hub)
}

// writePump streams hub messages and pings to the client.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and closes are processed; the
// stream is one-way, inbound payloads are discarded.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close() //nolint:errcheck
	}()
	c.conn.SetReadLimit(wsMaxMessageSize)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
