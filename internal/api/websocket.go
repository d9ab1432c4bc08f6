package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
)

// Message types on the WebSocket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// WSChannelAll subscribes a client to every event kind.
	WSChannelAll = "*"
)

const (
	wsSendBuffer          = 256
	defaultRelayQueueSize = 1024

	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
)

// WSMessage is a frame sent to a client. Clients send the same shape for
// subscribe, unsubscribe and ping.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	NodeID    uint16 `json:"node_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe. Channels
// are event kinds such as "node_added", or "*".
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is an inbound frame; Payload is decoded according to Type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans controller events out to WebSocket clients.
type Hub struct {
	maxMessage int64
	pingEvery  time.Duration
	pongWait   time.Duration
	logger     *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	// dropped counts frames skipped because a client's buffer was full.
	dropped atomic.Uint64
}

// WSClient is one connected WebSocket. A client is shut down exactly once,
// by closing done; its send channel is never closed.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	done     chan struct{}
	doneOnce sync.Once

	mu       sync.RWMutex
	channels map[string]struct{}
}

// NewHub creates a hub. Zero settings take their defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	h := &Hub{
		maxMessage: defaultWSMaxMessageSize,
		pingEvery:  defaultWSPingInterval,
		pongWait:   defaultWSPongTimeout,
		logger:     logger,
		clients:    make(map[*WSClient]struct{}),
	}
	if cfg.MaxMessageSize > 0 {
		h.maxMessage = int64(cfg.MaxMessageSize)
	}
	if cfg.PingInterval > 0 {
		h.pingEvery = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		h.pongWait = time.Duration(cfg.PongTimeout) * time.Second
	}
	return h
}

func newWSClient(hub *Hub, conn *websocket.Conn, channels ...string) *WSClient {
	c := &WSClient{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}, len(channels)),
	}
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	return c
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and shuts it down. Calling it twice is safe.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.shutdown()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends e to every client subscribed to its kind. Clients whose
// buffer is full miss the event.
func (h *Hub) Broadcast(e mesh.Event) {
	kind := string(e.Kind())
	msg := WSMessage{
		Type:      WSTypeEvent,
		EventType: kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   e,
	}
	if id := e.Node(); id.Valid() {
		msg.NodeID = uint16(id)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode websocket event", "kind", kind, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribed(kind) {
			c.enqueue(data)
		}
	}
}

func (c *WSClient) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// enqueue never blocks.
func (c *WSClient) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.hub.dropped.Add(1)
	}
}

func (c *WSClient) subscribed(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, all := c.channels[WSChannelAll]
	_, one := c.channels[kind]
	return all || one
}

func (c *WSClient) setChannels(channels []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if on {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
}

// eventRelay moves bus events onto the hub. The bus handler only enqueues;
// the relay goroutine encodes and fans out.
type eventRelay struct {
	hub     *Hub
	queue   chan mesh.Event
	logger  *logging.Logger
	dropped atomic.Uint64
}

func newEventRelay(hub *Hub, size int, logger *logging.Logger) *eventRelay {
	return &eventRelay{hub: hub, queue: make(chan mesh.Event, size), logger: logger}
}

// handle is a mesh.Handler.
func (r *eventRelay) handle(e mesh.Event) {
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
		r.logger.Warn("websocket relay queue full, dropping event", "kind", e.Kind())
	}
}

func (r *eventRelay) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-r.queue:
			r.hub.Broadcast(e)
		}
	}
}

// handleWebSocket upgrades the request. The optional "kinds" query
// parameter pre-subscribes the client, e.g. ?kinds=node_added,node_removed
// or ?kinds=*.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	var kinds []string
	for _, k := range strings.Split(r.URL.Query().Get("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, k)
		}
	}

	c := newWSClient(s.hub, conn, kinds...)
	s.hub.Register(c)
	go c.writeLoop()
	go c.readLoop()
}

// readLoop handles client frames until the connection fails.
func (c *WSClient) readLoop() {
	defer c.hub.Unregister(c)

	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pingEvery + c.hub.pongWait))
	}
	c.conn.SetReadLimit(c.hub.maxMessage)
	extend() //nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		extend() //nolint:errcheck // as above
		c.handle(data)
	}
}

// writeLoop owns all writes to the connection.
func (c *WSClient) writeLoop() {
	ping := time.NewTicker(c.hub.pingEvery)
	defer ping.Stop()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(c.hub.pongWait)) //nolint:errcheck // write reports it
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				c.hub.Unregister(c)
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.hub.Unregister(c)
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch req.Type {
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if err := json.Unmarshal(req.Payload, &sub); err != nil || len(sub.Channels) == 0 {
			c.reply(req.ID, WSTypeError, map[string]string{"message": req.Type + " needs payload.channels"})
			return
		}
		on := req.Type == WSTypeSubscribe
		c.setChannels(sub.Channels, on)
		key := "unsubscribed"
		if on {
			key = "subscribed"
		}
		c.reply(req.ID, WSTypeResponse, map[string][]string{key: sub.Channels})
	default:
		c.reply(req.ID, WSTypeError, map[string]string{"message": "unknown message type: " + req.Type})
	}
}

func (c *WSClient) reply(id, typ string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      typ,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err == nil {
		c.enqueue(data)
	}
}
