package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/probe-ota-core/internal/infrastructure/config"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/logging"
)

// Message types on the live event stream.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const wsQueueLen = 256

// WSMessage is one frame from a client.
type WSMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload carries the channels for subscribe and unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsFrame is one frame to a client. ID echoes the request it answers;
// EventType names the channel of an event.
type wsFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

func (f wsFrame) encode() ([]byte, error) {
	f.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(f)
}

// SnapshotFunc produces the events a client gets right after subscribing,
// so it starts from current state instead of waiting for the next change.
type SnapshotFunc func() []any

// Hub fans channel events out to subscribed clients. A slow client's queue
// overflows and loses events; it never blocks a broadcast.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu       sync.RWMutex
	clients  map[*WSClient]struct{}
	channels map[string]SnapshotFunc
	stopped  bool
}

// NewHub returns a hub with no channels. Subscriptions to channels not
// added with AddChannel are refused.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger.Component("websocket"),
		clients:  make(map[*WSClient]struct{}),
		channels: make(map[string]SnapshotFunc),
	}
}

// AddChannel makes name subscribable. snapshot may be nil.
func (h *Hub) AddChannel(name string, snapshot SnapshotFunc) {
	h.mu.Lock()
	h.channels[name] = snapshot
	h.mu.Unlock()
}

// Channels lists the subscribable channels in order.
func (h *Hub) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.channels))
	for name := range h.channels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (h *Hub) snapshot(name string) (SnapshotFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.channels[name]
	return fn, ok
}

// Run waits for ctx to end and then disconnects every client. Clients
// arriving afterwards are turned away.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.stopped = true
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
	}
}

// join adds c unless the hub has stopped.
func (h *Hub) join(c *WSClient) bool {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "client_id", c.id, "clients", n)
	return true
}

func (h *Hub) leave(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.shutdown()
		h.logger.Debug("websocket client disconnected", "client_id", c.id, "clients", n)
	}
}

// Broadcast queues payload as an event on channel for every subscriber.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := wsFrame{Type: WSTypeEvent, EventType: channel, Payload: payload}.encode()
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// ClientCount is the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WSClient is one connection to the hub.
type WSClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	mu     sync.RWMutex
	subs   map[string]struct{}
	queue  chan []byte
	closed bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin checks do not apply to a loopback control surface.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the request and runs the client's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestID(r.Context()))
		return
	}

	c := &WSClient{
		id:    uuid.NewString(),
		hub:   s.hub,
		conn:  conn,
		subs:  make(map[string]struct{}),
		queue: make(chan []byte, wsQueueLen),
	}
	if !s.hub.join(c) {
		conn.Close()
		return
	}

	t := newWSTimings(s.wsCfg)
	go c.writeLoop(t)
	go c.readLoop(t)
}

type wsTimings struct {
	readLimit int64
	pingEvery time.Duration
	readWait  time.Duration
	writeWait time.Duration
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	ping := time.Duration(cfg.PingInterval) * time.Second
	pong := time.Duration(cfg.PongTimeout) * time.Second
	return wsTimings{
		readLimit: int64(cfg.MaxMessageSize),
		pingEvery: ping,
		readWait:  ping + pong,
		writeWait: pong,
	}
}

func (c *WSClient) readLoop(t wsTimings) {
	defer c.hub.leave(c)

	c.conn.SetReadLimit(t.readLimit)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(t.readWait)) }
	_ = extend("") //nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "client_id", c.id, "error", err)
			}
			return
		}
		_ = extend("") //nolint:errcheck // as above
		c.dispatch(data)
	}
}

func (c *WSClient) writeLoop(t wsTimings) {
	ping := time.NewTicker(t.pingEvery)
	defer ping.Stop()
	defer c.conn.Close()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(t.writeWait)) //nolint:errcheck // the write reports it
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.queue:
			if !ok {
				_ = write(websocket.CloseMessage, nil) //nolint:errcheck // peer may be gone
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ping.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *WSClient) dispatch(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.replyError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	case WSTypeSubscribe:
		c.subscribe(msg)
	case WSTypeUnsubscribe:
		c.unsubscribe(msg)
	default:
		c.replyError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func channelsOf(msg WSMessage) []string {
	var p WSSubscribePayload
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &p) != nil {
		return nil
	}
	return p.Channels
}

// subscribe is all or nothing: one unknown channel rejects the request.
// The reply is queued before any snapshot events.
func (c *WSClient) subscribe(msg WSMessage) {
	channels := channelsOf(msg)
	if len(channels) == 0 {
		c.replyError(msg.ID, "invalid subscribe payload")
		return
	}

	snaps := make([]SnapshotFunc, len(channels))
	for i, ch := range channels {
		fn, ok := c.hub.snapshot(ch)
		if !ok {
			c.replyError(msg.ID, "unknown channel: "+ch)
			return
		}
		snaps[i] = fn
	}

	c.mu.Lock()
	for _, ch := range channels {
		c.subs[ch] = struct{}{}
	}
	c.mu.Unlock()
	c.reply(msg.ID, WSTypeResponse, map[string]any{"subscribed": channels})

	for i, fn := range snaps {
		if fn == nil {
			continue
		}
		for _, payload := range fn() {
			if data, err := (wsFrame{Type: WSTypeEvent, EventType: channels[i], Payload: payload}).encode(); err == nil {
				c.enqueue(data)
			}
		}
	}
}

func (c *WSClient) unsubscribe(msg WSMessage) {
	channels := channelsOf(msg)
	if len(channels) == 0 {
		c.replyError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	for _, ch := range channels {
		delete(c.subs, ch)
	}
	c.mu.Unlock()
	c.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": channels})
}

func (c *WSClient) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[channel]
	return ok
}

// enqueue drops data when the client is closed or its queue is full.
func (c *WSClient) enqueue(data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- data:
	default:
	}
}

// shutdown closes the queue once; writeLoop then sends a close frame.
func (c *WSClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}

func (c *WSClient) reply(id, kind string, payload any) {
	if data, err := (wsFrame{Type: kind, ID: id, Payload: payload}).encode(); err == nil {
		c.enqueue(data)
	}
}

func (c *WSClient) replyError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
