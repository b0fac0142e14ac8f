package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound queue length.
	wsSendBufferSize = 256
)

// WSMessage is one frame exchanged with a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe requests.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is an inbound frame with its payload left undecoded.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// WSClient is one connected WebSocket client.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string // token subject from the ticket; empty without auth

	mu            sync.RWMutex
	send          chan []byte
	closed        bool
	subscriptions map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsTimings are the keepalive durations derived from the configuration.
type wsTimings struct {
	readLimit int64
	ping      time.Duration
	idle      time.Duration // read deadline: one ping interval plus the pong allowance
	write     time.Duration
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	ping := time.Duration(cfg.PingInterval) * time.Second
	pong := time.Duration(cfg.PongTimeout) * time.Second
	return wsTimings{
		readLimit: int64(cfg.MaxMessageSize),
		ping:      ping,
		idle:      ping + pong,
		write:     pong,
	}
}

// handleWebSocket upgrades the connection. With auth enabled a single-use
// ticket from POST /auth/ws-ticket must be passed as ?ticket=.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var subject string
	if s.authEnabled() {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		entry, ok := s.tickets.consume(ticket, time.Now())
		if !ok {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
		subject = entry.subject
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		subject:       subject,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(client)

	timings := newWSTimings(s.hub.cfg)
	go client.writeLoop(timings)
	go client.readLoop(timings)
}

// readLoop handles inbound frames until the connection fails.
func (c *WSClient) readLoop(t wsTimings) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(t.readLimit)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(t.idle)) }
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err, "subject", c.subject)
			}
			return
		}
		// Application pings count as liveness too.
		extend() //nolint:errcheck // a failed deadline surfaces as a read error
		c.dispatch(data)
	}
}

// writeLoop drains the send queue and pings on an interval.
func (c *WSClient) writeLoop(t wsTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		if err := c.conn.SetWriteDeadline(time.Now().Add(t.write)); err != nil {
			return err
		}
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // connection is closing
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch handles one inbound frame.
func (c *WSClient) dispatch(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if err := json.Unmarshal(req.Payload, &sub); err != nil || len(sub.Channels) == 0 {
			c.reply(req.ID, WSTypeError, errorBody("payload must list channels"))
			return
		}
		for _, ch := range sub.Channels {
			if !isKnownChannel(ch) {
				c.reply(req.ID, WSTypeError, errorBody("unknown channel: "+ch))
				return
			}
		}
		if req.Type == WSTypeSubscribe {
			c.subscribe(req.ID, sub.Channels)
		} else {
			c.unsubscribe(req.ID, sub.Channels)
		}
	default:
		c.reply(req.ID, WSTypeError, errorBody("unknown message type: "+req.Type))
	}
}

// subscribe acknowledges the request, then replays the catch-up events of
// every channel that was not already subscribed.
func (c *WSClient) subscribe(id string, channels []string) {
	c.mu.Lock()
	var added []string
	for _, ch := range channels {
		if _, ok := c.subscriptions[ch]; !ok {
			c.subscriptions[ch] = struct{}{}
			added = append(added, ch)
		}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed", "channels", channels, "subject", c.subject)
	c.reply(id, WSTypeResponse, map[string]any{"subscribed": channels})

	if slices.Contains(added, channelAll) {
		added = knownChannels
	}
	for _, ch := range added {
		for _, data := range c.hub.snapshot(ch) {
			c.trySend(data)
		}
	}
}

func (c *WSClient) unsubscribe(id string, channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.subscriptions, ch)
	}
	c.mu.Unlock()

	c.reply(id, WSTypeResponse, map[string]any{"unsubscribed": channels})
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, all := c.subscriptions[channelAll]
	_, ok := c.subscriptions[channel]
	return all || ok
}

// trySend queues data without blocking. It reports false when the client
// is closed or its queue is full.
func (c *WSClient) trySend(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close closes the send queue once, which ends writeLoop.
func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func errorBody(message string) map[string]string {
	return map[string]string{"message": message}
}
