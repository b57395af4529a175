package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rewired-gh/digitbot/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// wsClient is one browser connection.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	filter string // symbol filter, empty for all
}

// Hub fans messages out to every connected WebSocket client. Clients that
// cannot keep up are dropped.
type Hub struct {
	name       string
	clients    map[*wsClient]bool
	broadcast  chan hubMessage
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
}

type hubMessage struct {
	symbol string
	data   []byte
}

// NewHub creates a hub. Call Run to start it.
func NewHub(name string) *Hub {
	return &Hub{
		name:       name,
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan hubMessage, 4096),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			logger.Debug("%s client %s connected", h.name, c.id)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			logger.Debug("%s client %s disconnected", h.name, c.id)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.filter != "" && msg.symbol != "" && c.filter != msg.symbol {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					delete(h.clients, c)
					close(c.send)
					logger.Warn("%s client %s too slow, dropped", h.name, c.id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast marshals v and queues it for every client. symbol limits
// delivery to clients subscribed to it; empty means everyone.
func (h *Hub) Broadcast(symbol string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to marshal %s message: %v", h.name, err)
		return
	}
	select {
	case h.broadcast <- hubMessage{symbol: symbol, data: data}:
	default:
		logger.Warn("%s broadcast channel full, dropping message", h.name)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// serve upgrades the request and registers the client. greeting, if
// non-nil, is sent before any broadcast.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, filter string, greeting []byte) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
		filter: filter,
	}
	if greeting != nil {
		c.send <- greeting
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return nil
	}

	go c.writePump()
	go c.readPump()
	return nil
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("%s client %s read error: %v", c.hub.name, c.id, err)
			}
			return
		}
	}
}
