package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/events"
	"github.com/piwi3910/trafficweave/internal/observability"
)

// Stream message types.
const (
	StreamTypeEvent       = "event"
	StreamTypeSubscribe   = "subscribe"
	StreamTypeUnsubscribe = "unsubscribe"
	StreamTypePing        = "ping"
	StreamTypePong        = "pong"
	StreamTypeResponse    = "response"
	StreamTypeError       = "error"
)

// HubConfig configures the websocket hub.
type HubConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int

	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// StreamMessage is a message sent to or from a stream client.
type StreamMessage struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	Event   *events.Event `json:"event,omitempty"`
	Payload any           `json:"payload,omitempty"`
}

// subscribePayload selects event types for a client.
type subscribePayload struct {
	Types []events.EventType `json:"types"`
}

// Hub pushes dashboard events to websocket clients. It implements
// events.Publisher so the dashboard fans out to it like any other sink.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *observability.Metrics

	// snapshot produces the events a new client receives first.
	snapshot func() []*events.Event

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu sync.RWMutex
	// types filters events. Empty receives everything.
	types map[events.EventType]struct{}
}

// NewHub creates a hub. Zero config values take defaults.
func NewHub(cfg HubConfig, logger *zap.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}

	h := &Hub{
		config:  cfg,
		logger:  logger.With(zap.String("component", "stream")),
		metrics: metrics,
		clients: make(map[*streamClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetSnapshot sets the function producing the initial events for new
// clients.
func (h *Hub) SetSnapshot(fn func() []*events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &streamClient{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, h.config.SendBuffer),
		types: make(map[events.EventType]struct{}),
	}
	if !h.register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}

	h.mu.RLock()
	snapshot := h.snapshot
	h.mu.RUnlock()
	if snapshot != nil {
		for _, event := range snapshot() {
			client.trySendEvent(event)
		}
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *streamClient) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.recordClients(count)
	h.logger.Debug("stream client connected", zap.Int("clients", count))
	return true
}

// unregister removes c and closes its send channel once.
func (h *Hub) unregister(c *streamClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if existed {
		h.recordClients(count)
		h.logger.Debug("stream client disconnected", zap.Int("clients", count))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts event to every client interested in its type. Clients
// whose buffer is full miss the event.
func (h *Hub) Publish(_ context.Context, event *events.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(StreamMessage{Type: StreamTypeEvent, Event: event})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(event.Type) {
			c.trySend(data)
		}
	}
	return nil
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	h.recordClients(0)
	return nil
}

func (h *Hub) recordClients(n int) {
	if h.metrics != nil {
		h.metrics.SetStreamClients(n)
	}
}

// trySend queues data without blocking. Callers hold at least the hub read
// lock, so send is not closed concurrently.
func (c *streamClient) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		c.hub.logger.Debug("stream client buffer full, message dropped")
	}
}

func (c *streamClient) trySendEvent(event *events.Event) {
	data, err := json.Marshal(StreamMessage{Type: StreamTypeEvent, Event: event})
	if err != nil {
		return
	}
	c.queue(data)
}

// queue sends data if the client is still registered.
func (c *streamClient) queue(data []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; ok {
		c.trySend(data)
	}
}

func (c *streamClient) wants(t events.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.types) == 0 {
		return true
	}
	_, ok := c.types[t]
	return ok
}

func (c *streamClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	cfg := c.hub.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("stream read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		c.handleMessage(data)
	}
}

func (c *streamClient) writePump() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) handleMessage(data []byte) {
	var msg struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", StreamTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch msg.Type {
	case StreamTypePing:
		c.reply(msg.ID, StreamTypePong, nil)
	case StreamTypeSubscribe, StreamTypeUnsubscribe:
		var sub subscribePayload
		if err := json.Unmarshal(msg.Payload, &sub); err != nil || len(sub.Types) == 0 {
			c.reply(msg.ID, StreamTypeError, map[string]string{"message": "payload must list event types"})
			return
		}
		c.mu.Lock()
		for _, t := range sub.Types {
			if msg.Type == StreamTypeSubscribe {
				c.types[t] = struct{}{}
			} else {
				delete(c.types, t)
			}
		}
		c.mu.Unlock()
		c.reply(msg.ID, StreamTypeResponse, map[string]any{msg.Type + "d": sub.Types})
	default:
		c.reply(msg.ID, StreamTypeError, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

func (c *streamClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(StreamMessage{Type: msgType, ID: id, Payload: payload})
	if err != nil {
		return
	}
	c.queue(data)
}
