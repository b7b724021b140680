package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/domain/notification"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// Hub is the websocket push adapter: it tracks live connections per user
// and delivers notifications as JSON frames. A user with no live connection
// fails delivery, which the dispatcher records and may retry.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
}

// NewHub creates the websocket hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect cross-origin through the gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[string]map[*wsClient]struct{}),
	}
}

// Name implements Adapter.
func (h *Hub) Name() notification.Channel { return notification.ChannelWebsocket }

// Deliver pushes the message to every live connection of the recipient.
// It succeeds if at least one connection accepted the frame.
func (h *Hub) Deliver(_ context.Context, msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal websocket frame: %w", err)
	}

	h.mu.RLock()
	conns := make([]*wsClient, 0, len(h.clients[msg.RecipientID]))
	for c := range h.clients[msg.RecipientID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("recipient %s has no live websocket connection", msg.RecipientID)
	}

	delivered := 0
	for _, c := range conns {
		select {
		case <-c.done:
			// Connection went away after the snapshot.
		case c.send <- frame:
			delivered++
		default:
			// Slow consumer: drop the connection rather than block delivery.
			h.logger.Warn("websocket send buffer full, closing connection",
				zap.String("user_id", msg.RecipientID))
			c.close()
		}
	}
	if delivered == 0 {
		return fmt.Errorf("all websocket connections for %s were saturated", msg.RecipientID)
	}
	return nil
}

// ConnectedUsers returns how many distinct users hold live connections.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the connection for the user.
// The caller authenticates the user before handing over the request.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("user_id", userID), zap.Error(err))
		return
	}

	c := &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		userID: userID,
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*wsClient]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	userID string

	closeOnce sync.Once
}

// close unregisters the client and signals both pumps via done. The send
// channel is never closed: writePump is its only reader, and senders in
// Deliver may still be selecting on it concurrently.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.hub.unregister(c)
		close(c.done)
	})
}

// readPump discards inbound frames; the channel is push-only. It exists to
// process control frames and detect the peer going away.
func (c *wsClient) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
