package signaling

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sbhjt-gr/whisperlang-render/internal/config"
	"github.com/sbhjt-gr/whisperlang-render/internal/metrics"
	"github.com/sbhjt-gr/whisperlang-render/internal/origin"
	"github.com/sbhjt-gr/whisperlang-render/internal/ratelimit"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// sendBufferSize is the per-client outbound queue. Roster broadcasts are
	// the largest burst source; frames beyond the buffer are dropped.
	sendBufferSize = 64
)

// Client is one live websocket connection. Its id is the connection
// identity; identifiers are never reused for a different live connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan Message

	limiter *ratelimit.TokenBucket
	log     *slog.Logger

	pongTimeout  time.Duration
	pingInterval time.Duration
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// ServeWS upgrades GET /ws requests and hands the connection to the hub.
func ServeWS(hub *Hub, cfg config.Config, log *slog.Logger) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  int(cfg.MaxMessageBytes),
		WriteBufferSize: int(cfg.MaxMessageBytes),
		CheckOrigin: func(r *http.Request) bool {
			header := r.Header.Get("Origin")
			if header == "" {
				// Non-browser clients (CLIs, tests) send no Origin.
				return true
			}
			normalized, ok := origin.Normalize(header)
			return ok && origin.Allowed(normalized, r.Host, cfg.AllowedOrigins)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
			return
		}

		c := &Client{
			id:           uuid.NewString(),
			hub:          hub,
			conn:         conn,
			send:         make(chan Message, sendBufferSize),
			log:          log,
			pongTimeout:  cfg.PongTimeout,
			pingInterval: cfg.PingInterval,
		}
		if cfg.MaxMessagesPerSecond > 0 {
			c.limiter = ratelimit.NewTokenBucket(ratelimit.RealClock{},
				int64(cfg.MaxMessagesPerSecond), int64(cfg.MaxMessagesPerSecond))
		}

		conn.SetReadLimit(cfg.MaxMessageBytes)
		hub.register <- c

		go c.writePump()
		go c.readPump()
	}
}

// readPump reads frames from the connection into the hub. It is the only
// reader of the connection, and its exit is what surfaces the disconnect to
// the hub, exactly once.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", "conn", c.id, "err", err)
			}
			return
		}

		// Check the rate limit after reading so the frame's bytes are out of
		// the TCP receive buffer before any close frame goes out.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.hub.metrics.Inc(metrics.DropReasonRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			// Malformed frames are dropped, not fatal: the connection and any
			// established state stay intact.
			c.hub.metrics.Inc(metrics.DropReasonBadFrame)
			c.log.Debug("dropping bad frame", "conn", c.id, "err", err)
			continue
		}

		c.hub.events <- inbound{client: c, msg: msg}
	}
}

// writePump is the only writer of the connection. The hub closing the send
// channel is the signal to send a close frame and stop.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug("websocket write failed", "conn", c.id, "err", err)
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

// closeWith sends a close frame from the read side. Control frames may be
// written concurrently with writePump per the gorilla concurrency rules.
func (c *Client) closeWith(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
