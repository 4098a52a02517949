// Package ws pushes auction and settlement events to browser clients over
// websockets.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	maxSubs        = 64
)

// busPatterns are the signal bus patterns the hub relays.
var busPatterns = []string{"auction:*", "transaction:*", "user:*"}

// client is one websocket connection. It always receives its own user
// channel and may subscribe to auction channels.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	subs   map[string]bool
	mu     sync.RWMutex
}

// subscribeMsg is what a client sends to manage its auction subscriptions:
// {"action":"subscribe","channels":["auction:<id>"]}
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// UserFunc resolves the authenticated user of a websocket request. An empty
// result leaves the connection anonymous.
type UserFunc func(r *http.Request) string

// Hub relays events to subscribed clients. Events arrive either from the
// signal bus, when several API instances share Redis, or through Publish in
// a single-process deployment.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan domain.Event
	register   chan *client
	unregister chan *client
	done       chan struct{} // closed when Run returns
	stopOnce   sync.Once
	bus        domain.SignalBus
	user       UserFunc
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub. bus may be nil.
func NewHub(bus domain.SignalBus, user UserFunc, allowedOrigins []string, logger *slog.Logger) *Hub {
	if user == nil {
		user = func(*http.Request) string { return "" }
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan domain.Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		user:       user,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With(slog.String("component", "ws_hub")),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Publish implements domain.EventPublisher for single-process deployments.
func (h *Hub) Publish(_ context.Context, ev domain.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("ws: broadcast buffer full, dropping event", slog.String("type", string(ev.Type)))
	}
}

// Run drives registration and fan-out until ctx is cancelled. Connections
// arriving after that are closed straight away.
func (h *Hub) Run(ctx context.Context) error {
	defer h.stopOnce.Do(func() { close(h.done) })
	if h.bus != nil {
		for _, p := range busPatterns {
			go h.relay(ctx, p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	channel := ev.Channel()
	userCh := ""
	if ev.Recipient != "" {
		userCh = events.UserChannel(ev.Recipient)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(channel, userCh) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

// relay forwards one signal bus pattern into the hub. Events with a
// recipient arrive twice (entity and user channel); only the user-channel
// copy is relayed for those.
func (h *Hub) relay(ctx context.Context, pattern string) {
	msgCh, err := h.bus.Subscribe(ctx, pattern)
	if err != nil {
		h.logger.Error("ws: subscribe failed", slog.String("pattern", pattern), slog.String("error", err.Error()))
		return
	}
	fromUser := pattern == "user:*"
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("pattern", pattern))
				return
			}
			var ev domain.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			if (ev.Recipient != "") != fromUser {
				continue
			}
			select {
			case h.broadcast <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: h.user(r),
		subs:   make(map[string]bool),
	}
	for _, ch := range strings.Split(r.URL.Query().Get("auctions"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			c.subscribe("auction:" + ch)
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) wants(channel, userCh string) bool {
	if userCh != "" {
		return c.userID != "" && events.UserChannel(c.userID) == userCh
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

// subscribe adds an auction channel. Other channel kinds are private and
// are delivered through the user channel instead.
func (c *client) subscribe(channel string) {
	if !strings.HasPrefix(channel, "auction:") || len(channel) == len("auction:") {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) < maxSubs {
		c.subs[channel] = true
	}
}

func (c *client) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, channel)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(message, &msg) != nil {
			continue
		}
		for _, ch := range msg.Channels {
			switch msg.Action {
			case "subscribe":
				c.subscribe(ch)
			case "unsubscribe":
				c.unsubscribe(ch)
			}
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ domain.EventPublisher = (*Hub)(nil)
