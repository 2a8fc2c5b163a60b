package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"sync"

	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
)

// Event types forwarded to dashboard subscribers
const (
	EventHeartbeat = "heartbeat"
	EventDecision  = "decision"
	EventStatus    = "status"
	EventDeath     = "death"
)

// Event is a typed realtime message tied to one agent.
type Event struct {
	Type      string          `json:"type"`
	AgentID   string          `json:"agentId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// subscribeRequest is the only message clients send.
type subscribeRequest struct {
	Action       string `json:"action"`
	AgentAddress string `json:"agentAddress,omitempty"`
}

// Client represents a WebSocket subscriber
type Client struct {
	ID   string
	Conn *websocket.Conn
	Hub  *Hub
	Send chan []byte

	// empty filter means all agents
	filter string
}

// Hub maintains active subscribers and fans events out to the ones whose
// agent filter matches. Registry changes are safe against in-flight
// broadcasts; a failed or slow subscriber is removed, never an error.
type Hub struct {
	clients        map[*Client]bool
	broadcast      chan *Event
	register       chan *Client
	unregister     chan *Client
	done           chan struct{}
	mu             sync.RWMutex
	jwtSecret      string
	allowedOrigins []string
}

// NewHub creates a new Hub
func NewHub(jwtSecret string, allowedOrigins []string) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		broadcast:      make(chan *Event, 256),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		jwtSecret:      jwtSecret,
		allowedOrigins: allowedOrigins,
	}
}

// Run starts the hub loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("WebSocket client connected: %s", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				log.Printf("WebSocket client disconnected: %s", client.ID)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

// Stop shuts the hub down and disconnects all subscribers.
func (h *Hub) Stop() {
	close(h.done)
}

// deliver sends one event to every matching subscriber. A subscriber whose
// send buffer is full is dropped rather than blocking the others.
func (h *Hub) deliver(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal event: %v", err)
		return
	}

	var dead []*Client

	h.mu.RLock()
	for client := range h.clients {
		if client.filter != "" && client.filter != event.AgentID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			dead = append(dead, client)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, client := range dead {
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				log.Printf("WebSocket client dropped (send buffer full): %s", client.ID)
			}
		}
		h.mu.Unlock()
	}
}

// Publish broadcasts a typed event to all matching subscribers.
func (h *Hub) Publish(eventType, agentID string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := &Event{
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Payload:   payloadJSON,
	}

	select {
	case h.broadcast <- event:
	case <-h.done:
	}
	return nil
}

// Subscribe registers a client directly. Exposed for the transport layer
// and for tests; HandleWebSocket calls it after the upgrade.
func (h *Hub) Subscribe(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unsubscribe removes a client.
func (h *Hub) Unsubscribe(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// setFilter updates a client's agent filter while broadcasts may be in flight.
func (h *Hub) setFilter(client *Client, agentAddress string) {
	h.mu.Lock()
	client.filter = agentAddress
	h.mu.Unlock()
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles WebSocket connections
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}

	if !h.validToken(token) {
		log.Printf("WebSocket connection rejected: no valid authentication from %s", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	allowedOrigins := h.allowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: allowedOrigins,
	})
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		ID:   r.RemoteAddr,
		Conn: conn,
		Hub:  h,
		Send: make(chan []byte, 256),
	}

	// Optional filter straight from the query string; the subscribe
	// message can still change it later.
	if addr := r.URL.Query().Get("agentAddress"); addr != "" {
		client.filter = addr
	}

	h.Subscribe(client)

	go client.writePump()
	go client.readPump()
}

// validToken verifies an HS256 JWT against the hub secret.
func (h *Hub) validToken(token string) bool {
	if token == "" {
		return false
	}

	parsedToken, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing algorithm: %v", token.Method.Alg())
		}
		return []byte(h.jwtSecret), nil
	})

	return err == nil && parsedToken.Valid
}

// readPump reads subscribe messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		c.Hub.Unsubscribe(c)
		c.Conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		_, message, err := c.Conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure ||
				status == websocket.StatusGoingAway ||
				status == websocket.StatusNoStatusRcvd {
				break
			}
			log.Printf("WebSocket unexpected error: %v", err)
			break
		}

		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			log.Printf("Failed to parse WebSocket message: %v", err)
			continue
		}

		switch req.Action {
		case "subscribe":
			c.Hub.setFilter(c, req.AgentAddress)
			log.Printf("Client %s subscribed (filter=%q)", c.ID, req.AgentAddress)
		case "unsubscribe":
			c.Hub.setFilter(c, "")
		case "ping":
			response, _ := json.Marshal(map[string]string{"type": "pong"})
			select {
			case c.Send <- response:
			default:
			}
		default:
			log.Printf("Unknown message action: %s", req.Action)
		}
	}
}

// writePump writes events to the WebSocket connection. A write failure
// removes this subscriber only.
func (c *Client) writePump() {
	ctx := context.Background()
	for message := range c.Send {
		err := c.Conn.Write(ctx, websocket.MessageText, message)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway &&
				status != websocket.StatusNoStatusRcvd {
				log.Printf("WebSocket unexpected write error: %v", err)
			}
			c.Hub.Unsubscribe(c)
			return
		}
	}
}
