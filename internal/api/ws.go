package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neurogrid/lifecycle/internal/logger"
	"github.com/neurogrid/lifecycle/pkg/messaging"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
	wsSendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient represents a WebSocket client
type WSClient struct {
	ID     uuid.UUID
	Wallet string
	Conn   *websocket.Conn
	Send   chan []byte
	Done   chan struct{}

	mu    sync.RWMutex
	nodes map[string]bool
}

// WSMessage is a client request on the socket.
type WSMessage struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
}

// wants reports whether the client subscribed to nodeID. A client with no
// subscriptions receives everything.
func (c *WSClient) wants(nodeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes) == 0 || c.nodes[nodeID]
}

func (c *WSClient) subscribe(nodeID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.nodes[nodeID] = true
	} else {
		delete(c.nodes, nodeID)
	}
}

// Hub fans lifecycle events out to connected websocket clients. It is a
// messaging.Sink so it can hang off the event bus next to NATS.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*WSClient
	log     *logger.Entry
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]*WSClient),
		log:     logger.GetLogger().WithComponent("ws"),
	}
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishEvent queues event for every interested client. Slow clients drop
// messages instead of blocking the publisher.
func (h *Hub) PublishEvent(ctx context.Context, event *messaging.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.wants(event.AggregateID) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.log.WithField("client_id", client.ID.String()).Warn("websocket client too slow, dropping event")
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Conn.Close()
	}
}

func (h *Hub) register(client *WSClient) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
}

func (h *Hub) unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client.ID)
	h.mu.Unlock()
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &WSClient{
		ID:     uuid.New(),
		Wallet: wallet(c),
		Conn:   conn,
		Send:   make(chan []byte, wsSendBuffer),
		Done:   make(chan struct{}),
		nodes:  make(map[string]bool),
	}
	if nodeID := c.Query("node_id"); nodeID != "" {
		client.subscribe(nodeID, true)
	}

	s.hub.register(client)
	go s.hub.readPump(client)
	go s.hub.writePump(client)
}

func (h *Hub) readPump(client *WSClient) {
	defer func() {
		h.unregister(client)
		close(client.Done)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(wsMaxMessageSize)
	_ = client.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(client, message)
	}
}

func (h *Hub) writePump(client *WSClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message := <-client.Send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

func (h *Hub) handleMessage(client *WSClient, message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.NodeID == "" {
		return
	}

	var ack string
	switch msg.Type {
	case "subscribe":
		client.subscribe(msg.NodeID, true)
		ack = "subscribed"
	case "unsubscribe":
		client.subscribe(msg.NodeID, false)
		ack = "unsubscribed"
	default:
		return
	}

	data, err := json.Marshal(WSMessage{Type: ack, NodeID: msg.NodeID})
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}
