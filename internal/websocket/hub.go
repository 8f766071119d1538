// Package websocket streams live counter snapshots to dashboard clients.
// Dashboards are pure readers: everything they see comes from the repository
// aggregates, pushed at least once per second.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Message is the envelope every client receives.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stats stream is read-only and unauthenticated by design; the
	// dashboard layer in front of it owns access control.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans counter snapshots out to connected clients.
type Hub struct {
	statsFn func() any

	mu      sync.Mutex
	clients map[*client]struct{}

	broadcast chan Message
	stop      chan struct{}
	stopOnce  sync.Once
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// NewHub creates a hub. statsFn is polled for the snapshot pushed to new
// clients and on every tick.
func NewHub(statsFn func() any) *Hub {
	return &Hub{
		statsFn:   statsFn,
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Message, 64),
		stop:      make(chan struct{}),
	}
}

// Run pumps snapshots and broadcasts until Stop. Push cadence is one second.
func (h *Hub) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case <-ticker.C:
			h.send(Message{Type: "stats", Data: h.statsFn()})
		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast queues a message for every connected client.
func (h *Hub) Broadcast(msgType string, data any) {
	select {
	case h.broadcast <- Message{Type: msgType, Data: data}:
	default:
		// A saturated broadcast queue only delays increments; the periodic
		// snapshot catches clients up.
	}
}

func (h *Hub) send(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow client: drop it rather than stall the hub.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// HandleWebSocket upgrades the request and registers the client. The first
// message is a full stats snapshot.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan Message, 16)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	c.send <- Message{Type: "stats", Data: h.statsFn()}

	go c.writeLoop()
	go c.readLoop(h)
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop discards client frames and tears the client down on error. The
// stream is one-way; reading only serves to notice disconnects.
func (c *client) readLoop(h *Hub) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Snapshot marshals data the way the wire does, mainly for tests.
func Snapshot(data any) ([]byte, error) {
	return json.Marshal(Message{Type: "stats", Data: data})
}
