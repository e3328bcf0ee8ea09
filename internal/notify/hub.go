package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	deskTimeout    = 5 * time.Second

	// DefaultQueueSize is the per-connection outbound buffer.
	DefaultQueueSize = 64
)

// clientMessage is what CRM clients send over the socket.
type clientMessage struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	CallID int64  `json:"call_id"`
	Action string `json:"action"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID int64 // 0 until authenticated
}

// Hub tracks CRM WebSocket connections. A connection becomes addressable by
// user id once it sends an authenticate message; the latest connection for a
// user wins.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*client]struct{}
	users     map[int64]*client
	upgrader  websocket.Upgrader
	queueSize int
	desk      Desk
	log       *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithQueueSize sets the per-connection outbound buffer.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) { h.queueSize = n }
}

// WithHubLogger sets the logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// WithDesk enables authenticate checks and the answer-call, end-call and
// get-active-calls messages.
func WithDesk(d Desk) HubOption {
	return func(h *Hub) { h.desk = d }
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:   make(map[*client]struct{}),
		users:     make(map[int64]*client),
		queueSize: DefaultQueueSize,
		log:       slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, h.queueSize)}
	h.register(c)
	h.log.Info("crm client connected", "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

// Send delivers msg to the connection of userID when one is authenticated,
// otherwise to every connection. It reports whether delivery was targeted.
func (h *Hub) Send(userID *int64, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if userID != nil {
		if c, ok := h.users[*userID]; ok {
			h.enqueueLocked(c, msg)
			return true
		}
	}
	for c := range h.clients {
		h.enqueueLocked(c, msg)
	}
	return false
}

// UseDesk sets the Desk after construction, for callers whose Desk depends
// on the Hub through a notifier.
func (h *Hub) UseDesk(d Desk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.desk = d
}

func (h *Hub) currentDesk() Desk {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.desk
}

// reply queues msg for c alone.
func (h *Hub) reply(c *client, ev Event, data any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		h.enqueueLocked(c, envelope(ev, data))
	}
}

func (h *Hub) replyError(c *client, ev Event, err error) {
	h.reply(c, ev, map[string]string{"message": err.Error()})
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Authenticated returns the number of users with an addressable connection.
func (h *Hub) Authenticated() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// enqueueLocked must be called with h.mu held. A full queue drops msg.
func (h *Hub) enqueueLocked(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.log.Warn("crm client queue full, dropping message", "user_id", c.userID)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) authenticate(c *client, userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.userID != 0 && h.users[c.userID] == c {
		delete(h.users, c.userID)
	}
	c.userID = userID
	h.users[userID] = c
	h.enqueueLocked(c, envelope(EventAuthenticated, map[string]int64{"user_id": userID}))
}

// unregister removes c and closes its queue. The send channel is only closed
// under the write lock, so no Send can race it.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if c.userID != 0 && h.users[c.userID] == c {
		delete(h.users, c.userID)
	}
	close(c.send)
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		c.hub.log.Info("crm client disconnected", "user_id", c.userID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("crm client read failed", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.log.Debug("ignoring malformed client message", "error", err)
			continue
		}
		c.handle(msg)
	}
}

var (
	errNotAuthenticated = errors.New("not authenticated")
	errDeskUnavailable  = errors.New("call actions unavailable")
	errMissingUserID    = errors.New("user_id is required")
	errMissingCallID    = errors.New("call_id is required")
	errUnknownAction    = errors.New(`action must be "accept" or "reject"`)
)

func (c *client) handle(msg clientMessage) {
	h := c.hub
	desk := h.currentDesk()
	ctx, cancel := context.WithTimeout(context.Background(), deskTimeout)
	defer cancel()

	switch msg.Type {
	case "authenticate":
		if msg.UserID <= 0 {
			h.replyError(c, EventAuthError, errMissingUserID)
			return
		}
		if desk != nil {
			if err := desk.Authenticate(ctx, msg.UserID); err != nil {
				h.log.Warn("crm client authentication rejected", "user_id", msg.UserID, "error", err)
				h.replyError(c, EventAuthError, err)
				return
			}
		}
		h.authenticate(c, msg.UserID)
		h.log.Info("crm client authenticated", "user_id", msg.UserID)
		if desk != nil {
			c.sendActiveCalls(ctx, desk)
		}
		return
	case "answer-call", "end-call", "get-active-calls":
	default:
		h.log.Debug("ignoring client message", "type", msg.Type)
		return
	}

	userID := c.authenticatedUser()
	switch {
	case userID == 0:
		h.replyError(c, EventError, errNotAuthenticated)
		return
	case desk == nil:
		h.replyError(c, EventError, errDeskUnavailable)
		return
	case msg.Type != "get-active-calls" && msg.CallID <= 0:
		h.replyError(c, EventError, errMissingCallID)
		return
	}

	var err error
	switch msg.Type {
	case "answer-call":
		switch msg.Action {
		case "accept":
			err = desk.AnswerCall(ctx, userID, msg.CallID, true)
		case "reject":
			err = desk.AnswerCall(ctx, userID, msg.CallID, false)
		default:
			err = errUnknownAction
		}
	case "end-call":
		err = desk.EndCall(ctx, userID, msg.CallID)
	}
	if err != nil {
		h.log.Warn("crm call action failed", "type", msg.Type, "user_id", userID, "call_id", msg.CallID, "error", err)
		h.replyError(c, EventError, err)
		return
	}
	c.sendActiveCalls(ctx, desk)
}

func (c *client) authenticatedUser() int64 {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.userID
}

func (c *client) sendActiveCalls(ctx context.Context, desk Desk) {
	userID := c.authenticatedUser()
	calls, err := desk.ActiveCalls(ctx, userID)
	if err != nil {
		c.hub.log.Warn("active calls lookup failed", "user_id", userID, "error", err)
		c.hub.replyError(c, EventError, err)
		return
	}
	if calls == nil {
		calls = []CallSummary{}
	}
	c.hub.reply(c, EventActiveCalls, calls)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func envelope(ev Event, data any) []byte {
	b, _ := json.Marshal(Envelope{Event: ev, Data: data})
	return b
}
