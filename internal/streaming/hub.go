package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/events/bus"
)

// Client is one monitor WebSocket connection. A client subscribes to
// conversation ids; an empty subscription set receives everything.
type Client struct {
	ID            string
	conn          *websocket.Conn
	conversations map[string]bool
	send          chan []byte
	hub           *Hub
	logger        *logger.Logger
}

// NewClient wraps an accepted WebSocket connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		conversations: make(map[string]bool),
		send:          make(chan []byte, 256),
		hub:           hub,
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// wants reports whether the client should receive events for the conversation.
func (c *Client) wants(conversationID string) bool {
	if len(c.conversations) == 0 {
		return true
	}
	return c.conversations[conversationID]
}

// WritePump drains the send channel to the socket. Run as a goroutine per
// client; it exits when the hub closes the channel.
func (c *Client) WritePump() {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("monitor write failed", zap.Error(err))
			return
		}
	}
}

// ReadPump consumes subscription commands until the socket closes, then
// unregisters the client.
func (c *Client) ReadPump() {
	defer c.hub.Unregister(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd struct {
			Subscribe   []string `json:"subscribe"`
			Unsubscribe []string `json:"unsubscribe"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.Debug("ignoring malformed monitor command", zap.Error(err))
			continue
		}
		c.hub.updateSubscriptions(c, cmd.Subscribe, cmd.Unsubscribe)
	}
}

type broadcastMessage struct {
	ConversationID string
	Event          *bus.Event
}

// Hub fans kernel events out to monitor WebSocket clients.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a monitor hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		logger:     log.WithFields(zap.String("component", "monitor-hub")),
	}
}

// Run processes hub traffic until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("monitor hub started")
	defer h.logger.Info("monitor hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("monitor client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("monitor client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg.Event)
			if err != nil {
				h.logger.Error("failed to marshal monitor event", zap.Error(err))
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.ConversationID) {
					continue
				}
				select {
				case client.send <- data:
				default:
					// Slow consumer; drop the connection rather than the kernel's pace.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast fans an event out to clients watching its conversation.
func (h *Hub) Broadcast(conversationID string, ev *bus.Event) {
	select {
	case h.broadcast <- &broadcastMessage{ConversationID: conversationID, Event: ev}:
	default:
		h.logger.Warn("monitor broadcast queue full, dropping event",
			zap.String("conversation_id", conversationID))
	}
}

func (h *Hub) updateSubscriptions(c *Client, subscribe, unsubscribe []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range subscribe {
		c.conversations[id] = true
	}
	for _, id := range unsubscribe {
		delete(c.conversations, id)
	}
}

// ClientCount returns the number of connected monitor clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
