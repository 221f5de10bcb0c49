// Package handlers provides HTTP request handlers for the portwatch status API.
// This file implements the websocket stream of host updates. The handler is
// also a publisher subscriber: every update the publisher delivers is
// broadcast to the connected clients.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/metrics"
	"github.com/anstrom/portwatch/internal/watch"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	bufferSize      = 256                                                // Per-client send buffer
)

// Message types sent on the update stream.
const (
	MessageHostStatus = "host_status"
	MessageHostUpdate = "host_update"
)

// subscriberName identifies the stream in publisher stats and logs.
const subscriberName = "websocket"

// WebSocketMessage represents a WebSocket message structure.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// client is one connected websocket peer.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	requestID string
}

// WebSocketHandler handles websocket connections for live host updates.
type WebSocketHandler struct {
	hosts    HostSource
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	shutdown   chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
}

// NewWebSocketHandler creates the handler and starts its hub goroutine.
// When hosts is set, new clients first receive the current host status.
func NewWebSocketHandler(hosts HostSource, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	handler := &WebSocketHandler{
		hosts:  hosts,
		logger: logger.With("handler", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Read-only stream; CORS is enforced on the REST routes.
				return true
			},
		},
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, bufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	go handler.run()

	return handler
}

// Name implements publisher.Subscriber.
func (h *WebSocketHandler) Name() string {
	return subscriberName
}

// Deliver implements publisher.Subscriber by queueing update for every
// connected client.
func (h *WebSocketHandler) Deliver(ctx context.Context, update *watch.HostUpdate) error {
	data, err := encodeMessage(MessageHostUpdate, update, "")
	if err != nil {
		return fmt.Errorf("failed to marshal host update: %w", err)
	}

	select {
	case <-h.done:
		return errors.ErrSubscriberGone(subscriberName, fmt.Errorf("update stream is shut down"))
	default:
	}

	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return errors.ErrSubscriberGone(subscriberName, fmt.Errorf("update stream is shut down"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdatesWebSocket upgrades the request and streams updates until the
// client disconnects or the handler shuts down.
func (h *WebSocketHandler) UpdatesWebSocket(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestIDFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, bufferSize), requestID: requestID}
	if h.hosts != nil {
		if data, err := encodeMessage(MessageHostStatus, h.hosts.Status(), requestID); err == nil {
			c.send <- data
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	h.logger.Info("New update stream connection", "request_id", requestID, "remote_addr", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// run manages client connections and broadcasts.
func (h *WebSocketHandler) run() {
	defer close(h.done)

	for {
		select {
		case <-h.shutdown:
			h.mutex.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mutex.Unlock()
			metrics.GetGlobalMetrics().SetWebSocketClients(0)
			h.logger.Debug("WebSocket handler shutting down")
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.GetGlobalMetrics().SetWebSocketClients(count)
			h.logger.Debug("Client registered", "request_id", c.requestID, "total_clients", count)

		case c := <-h.unregister:
			h.remove(c)

		case message := <-h.broadcast:
			h.mutex.RLock()
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			h.mutex.RUnlock()

			for _, c := range slow {
				h.logger.Warn("Dropping update stream client",
					"request_id", c.requestID,
					"error", errors.ErrSubscriberGone(subscriberName, fmt.Errorf("send buffer full")))
				h.remove(c)
			}
		}
	}
}

func (h *WebSocketHandler) remove(c *client) {
	h.mutex.Lock()
	if !h.clients[c] {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mutex.Unlock()

	metrics.GetGlobalMetrics().SetWebSocketClients(count)
	h.logger.Debug("Client unregistered", "request_id", c.requestID, "total_clients", count)
}

// readPump drains client frames so control messages are processed. The
// stream is one-way; anything a client sends is ignored.
func (h *WebSocketHandler) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		if err := c.conn.Close(); err != nil {
			h.logger.Debug("Error closing connection in readPump", "request_id", c.requestID, "error", err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Error("Failed to set read deadline", "request_id", c.requestID, "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket unexpected close", "request_id", c.requestID, "error", err)
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (h *WebSocketHandler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("Write failed, closing connection", "request_id", c.requestID, "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", c.requestID, "error", err)
				return
			}
		}
	}
}

// ConnectedClients returns the number of connected clients.
func (h *WebSocketHandler) ConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the hub. Later deliveries fail
// with a subscriber-gone error.
func (h *WebSocketHandler) Close() error {
	h.closeOnce.Do(func() {
		close(h.shutdown)
	})
	<-h.done
	h.logger.Info("WebSocket handler closed")
	return nil
}

func encodeMessage(messageType string, data interface{}, requestID string) ([]byte, error) {
	return json.Marshal(WebSocketMessage{
		Type:      messageType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		RequestID: requestID,
	})
}
