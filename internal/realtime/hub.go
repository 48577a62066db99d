// Package realtime fans live bus positions out to websocket subscribers.
package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now (CORS)
	},
}

// subscribeMessage is what a connected client sends to manage its route set.
type subscribeMessage struct {
	Action  string `json:"action"` // subscribe or unsubscribe
	RouteID string `json:"route_id"`
}

// client is one websocket connection and the routes it listens to.
type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex // gorilla allows one concurrent writer
	routes map[string]struct{}
}

func (c *client) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub tracks connected clients grouped by the routes they subscribed to.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// ServeWS upgrades the request and runs the read loop until the client
// disconnects. Clients subscribe to routes by sending
// {"action":"subscribe","route_id":"RT-..."} frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, routes: make(map[string]struct{})}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("[WS] Client connected (%d active)", total)

	defer h.drop(c)

	conn.SetReadLimit(4096)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg subscribeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.write([]byte(`{"type":"error","message":"invalid message"}`))
			continue
		}

		switch msg.Action {
		case "subscribe":
			if msg.RouteID == "" {
				c.write([]byte(`{"type":"error","message":"route_id is required"}`))
				continue
			}
			c.mu.Lock()
			c.routes[msg.RouteID] = struct{}{}
			c.mu.Unlock()
			h.ack(c, "subscribed", msg.RouteID)
		case "unsubscribe":
			c.mu.Lock()
			delete(c.routes, msg.RouteID)
			c.mu.Unlock()
			h.ack(c, "unsubscribed", msg.RouteID)
		default:
			c.write([]byte(`{"type":"error","message":"unknown action"}`))
		}
	}
}

func (h *Hub) ack(c *client, kind, routeID string) {
	payload, _ := json.Marshal(map[string]string{"type": kind, "route_id": routeID})
	if err := c.write(payload); err != nil {
		log.Printf("[WS] Ack write failed: %v", err)
	}
}

// BroadcastRoute sends payload to every client subscribed to routeID.
// Connections that fail the write are dropped.
func (h *Hub) BroadcastRoute(routeID string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[WS] Broadcast marshal failed: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		c.mu.Lock()
		_, subscribed := c.routes[routeID]
		c.mu.Unlock()
		if subscribed {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(raw); err != nil {
			log.Printf("[WS] Broadcast write failed, dropping client: %v", err)
			h.drop(c)
		}
	}
}

// SubscriberCount reports how many clients listen to routeID.
func (h *Hub) SubscriberCount(routeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		c.mu.Lock()
		if _, ok := c.routes[routeID]; ok {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	if present {
		c.conn.Close()
		log.Printf("[WS] Client disconnected (%d active)", total)
	}
}
