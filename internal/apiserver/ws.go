// WebSocket task-log/status streaming, ported from the teacher's
// internal/server/ws.go: a WSMessage envelope, a per-connection write
// mutex (gorilla/websocket connections are not safe for concurrent
// writes), and an RWMutex-guarded client registry that Broadcast fans a
// single marshalled payload out to.
package apiserver

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// WSMessage is the envelope every broadcast payload is wrapped in.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WSClient wraps one upgraded connection plus the mutex gorilla/websocket
// requires for concurrent writes.
type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *WSClient) writeRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSHub is a set of connected clients for one logical stream (task logs).
type WSHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// NewWSHub returns an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*WSClient]struct{})}
}

func (h *WSHub) register(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Broadcast marshals msg once and fans the raw bytes out to every
// connected client, dropping clients whose write fails.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.writeRaw(data); err != nil {
			h.unregister(c)
		}
	}
}
