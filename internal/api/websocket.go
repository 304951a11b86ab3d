package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-runtime/internal/event"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
)

// WebSocket message types.
const (
	WSTypeSubscribed = "subscribed"
	WSTypeEvent      = "event"
	WSTypePing       = "ping"
	WSTypePong       = "pong"
	WSTypeError      = "error"
)

// Feed defaults applied when the configuration leaves a field unset.
const (
	defaultSendBuffer     = 256
	defaultMaxMessageSize = 4096
	defaultPingInterval   = 30
	defaultPongTimeout    = 10
)

// WSMessage is a message sent to a feed client. Clients send only
// {"type":"ping","id":...}.
type WSMessage struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Topic    string          `json:"topic,omitempty"`
	Envelope *event.Envelope `json:"envelope,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Feed fans hub envelopes out to WebSocket clients. Each client receives
// the envelopes whose topic matches the glob it connected with. A client
// that cannot keep up loses envelopes rather than stalling dispatch.
type Feed struct {
	cfg    config.WebSocketConfig
	logger Logger

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	closed  bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type feedClient struct {
	feed    *Feed
	conn    *websocket.Conn
	send    chan []byte
	pattern string
}

// upgrader configures the WebSocket upgrader. The API is bound locally and
// read-only, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// NewFeed creates a feed. It accepts clients once the server runs.
func NewFeed(cfg config.WebSocketConfig, logger Logger) *Feed {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Feed{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*feedClient]struct{}),
		closed:  true,
	}
}

// ClientCount returns the number of connected clients.
func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Sent returns the number of messages queued to clients.
func (f *Feed) Sent() uint64 { return f.sent.Load() }

// Dropped returns the number of messages dropped on full client buffers.
func (f *Feed) Dropped() uint64 { return f.dropped.Load() }

// Broadcast is the bus handler of the feed. It marshals env once and
// queues it to every matching client without blocking.
func (f *Feed) Broadcast(_ context.Context, env event.Envelope) error {
	f.mu.RLock()
	targets := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		if event.Match(c.pattern, env.Topic) {
			targets = append(targets, c)
		}
	}
	f.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	data, err := json.Marshal(WSMessage{Type: WSTypeEvent, Topic: env.Topic, Envelope: &env})
	if err != nil {
		f.logger.Error("failed to marshal feed message", "topic", env.Topic, "error", err)
		return nil
	}
	for _, c := range targets {
		f.trySend(c, data)
	}
	return nil
}

// trySend queues data unless the client buffer is full or the client has
// already been removed. The read lock orders it against close(send).
func (f *Feed) trySend(c *feedClient, data []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
		f.sent.Add(1)
	default:
		f.dropped.Add(1)
	}
}

func (f *Feed) open() {
	f.mu.Lock()
	f.closed = false
	f.mu.Unlock()
}

// register adds a client unless the feed is closed.
func (f *Feed) register(c *feedClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}
	return true
}

// unregister removes a client. Only the call that removes it closes the
// send channel.
func (f *Feed) unregister(c *feedClient) {
	f.mu.Lock()
	_, existed := f.clients[c]
	delete(f.clients, c)
	if existed {
		close(c.send)
	}
	f.mu.Unlock()
	if existed {
		f.logger.Debug("feed client disconnected", "clients", f.ClientCount())
	}
}

// closeAll disconnects every client and refuses new ones.
func (f *Feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for c := range f.clients {
		close(c.send)
		c.conn.Close() //nolint:errcheck // best-effort disconnect
		delete(f.clients, c)
	}
}

// handleWebSocket upgrades the connection and streams envelopes whose
// topic matches ?topic= (every topic when absent).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("topic")
	if pattern == "" {
		pattern = event.AllTopics
	}
	if err := event.ValidatePattern(pattern); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		feed:    s.feed,
		conn:    conn,
		send:    make(chan []byte, s.feed.cfg.SendBuffer),
		pattern: pattern,
	}
	if !s.feed.register(c) {
		//nolint:errcheck // best-effort close frame
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close() //nolint:errcheck // connection was never served
		return
	}
	s.logger.Debug("feed client connected", "topic", pattern, "clients", s.feed.ClientCount())

	c.reply(WSMessage{Type: WSTypeSubscribed, Topic: pattern})

	go c.writePump()
	go c.readPump()
}

// reply queues a control message to the client.
func (c *feedClient) reply(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.feed.trySend(c, data)
}

// readPump answers pings and keeps the read deadline alive. The feed is
// read-only, so any other message is answered with an error.
func (c *feedClient) readPump() {
	defer func() {
		c.feed.unregister(c)
		c.conn.Close() //nolint:errcheck // best-effort close
	}()

	cfg := c.feed.cfg
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.feed.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		var msg struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(WSMessage{Type: WSTypeError, Message: "invalid JSON message"})
			continue
		}
		switch msg.Type {
		case WSTypePing:
			c.reply(WSMessage{Type: WSTypePong, ID: msg.ID})
		default:
			c.reply(WSMessage{Type: WSTypeError, ID: msg.ID, Message: "unsupported message type: " + msg.Type})
		}
	}
}

// writePump writes queued messages and periodic pings to the connection.
func (c *feedClient) writePump() {
	cfg := c.feed.cfg
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // best-effort close
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
