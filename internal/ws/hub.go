package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"labassist/internal/patch"
)

// Client wraps a websocket connection with a write lock so hub broadcasts,
// handler replies and keepalive pings never interleave on the wire.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *Client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Hub manages websocket connections grouped into per-device rooms. The
// reconciler and the HTTP surface both address devices through it.
type Hub struct {
	// clients maps device_id -> set of connections
	clients map[string]map[*Client]bool
	mu      sync.RWMutex
	logger  *log.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]bool),
		logger:  logger,
	}
}

// Register adds a connection to a device's room.
func (h *Hub) Register(deviceID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[deviceID] == nil {
		h.clients[deviceID] = make(map[*Client]bool)
	}
	h.clients[deviceID][client] = true
	h.logger.Printf("[WS] Client registered for device %s (total: %d)", deviceID, len(h.clients[deviceID]))
}

// Unregister removes a connection from a device's room.
func (h *Hub) Unregister(deviceID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[deviceID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.clients, deviceID)
		}
		h.logger.Printf("[WS] Client unregistered for device %s", deviceID)
	}
}

// HasClients reports whether any connection is in the device's room.
func (h *Hub) HasClients(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.clients[deviceID]
	return ok && len(conns) > 0
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Emit sends an event to every connection in a device's room.
func (h *Hub) Emit(deviceID, event string, payload any) {
	if !h.HasClients(deviceID) {
		return
	}
	data, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		h.logger.Printf("[WS] Error marshaling %s event: %v", event, err)
		return
	}
	h.broadcast(deviceID, data)
}

// EmitPatch pushes a state patch to the device's room.
func (h *Hub) EmitPatch(deviceID string, p patch.Patch) {
	h.Emit(deviceID, EventPatch, p)
}

// EmitMessage pushes a plain text message (typically a structured error) to
// the device's room.
func (h *Hub) EmitMessage(deviceID, message string) {
	h.Emit(deviceID, EventMessage, MessagePayload{Message: message})
}

func (h *Hub) broadcast(deviceID string, data []byte) {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients[deviceID]))
	for c := range h.clients[deviceID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.send(data); err != nil {
			h.logger.Printf("[WS] Error sending to client: %v", err)
			h.Unregister(deviceID, c)
			c.conn.Close()
		}
	}
}
