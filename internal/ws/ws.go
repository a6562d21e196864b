// Package ws bridges bus rooms onto WebSocket and SSE clients.
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

	"github.com/tmt/backend/internal/bus"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 256
)

// Handler upgrades HTTP connections and relays room envelopes.
type Handler struct {
	bus      *bus.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the handler. allowedOrigins empty means any origin is
// accepted.
func NewHandler(b *bus.Bus, logger *slog.Logger, allowedOrigins []string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		bus:    b,
		logger: logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(allowedOrigins),
		},
	}
}

func buildCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool)
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o != "" && o != "*" {
			allowed[o] = true
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")]
	}
}

// client is one WebSocket connection. writePump owns all writes to conn,
// readPump owns all reads; control messages from the client mutate room
// membership through the bus.
type client struct {
	h    *Handler
	conn *websocket.Conn
	sub  *bus.Subscriber
	send chan []byte
	done chan struct{}
	once sync.Once
}

// controlMessage is what a client may send: join or leave a room.
type controlMessage struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// ServeHTTP upgrades the request and joins the rooms named in the `rooms`
// query parameter (comma separated). Clients with no rooms start detached
// and join via control messages.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	var rooms []string
	for _, room := range strings.Split(r.URL.Query().Get("rooms"), ",") {
		if room = strings.TrimSpace(room); room != "" {
			rooms = append(rooms, room)
		}
	}

	sub, err := h.bus.Subscribe(r.Context(), rooms...)
	if err != nil {
		h.logger.Warn("subscribe failed", "rooms", rooms, "error", err)
		conn.Close()
		return
	}

	c := &client{
		h:    h,
		conn: conn,
		sub:  sub,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.logger.Info("client connected", "subscriber", sub.ID, "rooms", rooms)
	go c.relay()
	go c.writePump()
	go c.readPump()
}

// relay moves bus envelopes into the send queue. When the subscriber is
// dropped by the bus its channel closes and the connection shuts down.
func (c *client) relay() {
	defer c.close()
	for env := range c.sub.C() {
		data, err := json.Marshal(env)
		if err != nil {
			c.h.logger.Error("marshal envelope", "error", err)
			continue
		}
		select {
		case c.send <- data:
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.sub.Close()
		c.conn.Close()
		c.h.logger.Info("client disconnected", "subscriber", c.sub.ID)
	})
}

// writePump is the only goroutine writing to conn.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Flush queued messages in the same wakeup.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump is the only goroutine reading from conn.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.h.logger.Warn("websocket read error", "subscriber", c.sub.ID, "error", err)
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.h.logger.Debug("ignoring undecodable client message", "subscriber", c.sub.ID)
			continue
		}

		switch msg.Action {
		case "join":
			if err := c.h.bus.Join(context.Background(), c.sub, msg.Room); err != nil {
				c.h.logger.Warn("join failed", "subscriber", c.sub.ID, "room", msg.Room, "error", err)
			}
		case "leave":
			c.h.bus.Leave(c.sub, msg.Room)
		}
	}
}
