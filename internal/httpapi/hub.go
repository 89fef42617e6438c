package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"luna-gateway/internal/bus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dashboardMessage is the wire shape pushed to every websocket client,
// mirroring the teacher's WebSocketMessage{Type, Timestamp, Data} envelope.
type dashboardMessage struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      bus.EventMessage `json:"data"`
}

// Hub fans parsed device events out to every connected dashboard client.
// Grounded on teacher internal/http/websocket.go's WebSocketHub
// (register/unregister/broadcast channels, RWMutex client set), trimmed to
// forward already-parsed bus.EventMessage values instead of re-deriving
// vehicle/ignition/overspeed presentation state, which belongs to the
// dashboard consumer, not this gateway.
type Hub struct {
	log *logrus.Entry

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 256),
	}
}

// Run drives the hub's register/unregister/broadcast loop. Call once, in
// its own goroutine, for the hub's lifetime.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.WithField("clients", n).Debug("dashboard client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				_ = conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.WithField("clients", n).Debug("dashboard client disconnected")

		case data := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					h.log.WithError(err).Warn("dropping unresponsive dashboard client")
					go func(c *websocket.Conn) { h.unregister <- c }(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast marshals an event and fans it to every connected client. Drops
// the event (with a log) rather than blocking if the broadcast channel is
// saturated — a slow/stuck dashboard consumer must never back-pressure the
// device-facing side of this gateway.
func (h *Hub) Broadcast(msg bus.EventMessage) {
	envelope := dashboardMessage{
		Type:      msg.Type,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      msg,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		h.log.WithError(err).Warn("failed to marshal dashboard event")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("dashboard broadcast channel saturated, dropping event")
	}
}

// Serve upgrades an HTTP request to a websocket connection and registers it
// with the hub. The read loop only exists to detect client-initiated close;
// this gateway's dashboard feed is write-only.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
