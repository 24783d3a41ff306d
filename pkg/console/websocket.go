// Copyright 2025 Loghive Data, Inc.

package console

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketMessage is the envelope of every event pushed to clients
type WebSocketMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Event types pushed over the stream
const (
	MessageTypeIsrChange        = "isr_change"
	MessageTypePartitionOffline = "partition_offline"
	MessageTypeLeaderChange     = "leader_change"
)

// Client is one websocket subscriber
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *WebSocketHub
	logger *logger.Logger
}

// WebSocketHub fans replication events out to every connected client
type WebSocketHub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	stopCh     chan struct{}
	mu         sync.RWMutex
	logger     *logger.Logger
}

// NewWebSocketHub creates the hub; Run starts its dispatch loop
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopCh:     make(chan struct{}),
		logger:     logger.Default().WithComponent("console-ws"),
	}
}

// Run dispatches registrations and broadcasts until Stop
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.stopCh:
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
			h.logger.Info("websocket client connected", "client_id", client.id)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// slow client, drop the event
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop terminates the dispatch loop and disconnects every client
func (h *WebSocketHub) Stop() {
	close(h.stopCh)
}

// ServeWS upgrades the connection and attaches a client to the hub
func (h *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, 64),
		hub:    h,
		logger: h.logger,
	}

	h.register <- client
	go client.writeLoop()
	go client.readLoop()
}

// BroadcastIsrChange pushes an ISR change event to every client
func (h *WebSocketHub) BroadcastIsrChange(change protocol.IsrChange) {
	h.publish(MessageTypeIsrChange, map[string]any{
		"topic":        change.TopicPartition.Topic,
		"partition":    change.TopicPartition.Partition,
		"leader_epoch": change.LeaderEpoch,
		"isr":          change.Isr,
	})
}

// BroadcastPartitionOffline pushes a partition-offline event
func (h *WebSocketHub) BroadcastPartitionOffline(tp protocol.TopicPartition) {
	h.publish(MessageTypePartitionOffline, map[string]any{
		"topic":     tp.Topic,
		"partition": tp.Partition,
	})
}

func (h *WebSocketHub) publish(msgType string, data any) {
	payload, err := json.Marshal(WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		// hub backlog full, drop the event
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
