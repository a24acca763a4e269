package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Full-document updates carry complete html/css/component trees.
	maxMessageSize = 4 << 20
)

// Client is one live WebSocket connection bound to a project room.
type Client struct {
	hub     *Hub
	router  *Router
	conn    *websocket.Conn
	session Session
	send    chan []byte
	logger  zerolog.Logger

	// joined tracks whether this connection has announced itself with
	// room:join; presence cleanup on disconnect is skipped otherwise. Only
	// the readPump goroutine touches it.
	joined bool
}

func newClient(hub *Hub, router *Router, conn *websocket.Conn, session Session, logger zerolog.Logger) *Client {
	return &Client{
		hub:     hub,
		router:  router,
		conn:    conn,
		session: session,
		send:    make(chan []byte, 64),
		logger: logger.With().
			Str("project_id", session.ProjectID).
			Str("user_id", session.UserID).
			Logger(),
	}
}

// readPump processes inbound frames sequentially, so events from one
// connection are never reordered. The deferred cleanup runs before the
// goroutine exits, which guarantees no in-flight handler for this
// connection can re-register presence after disconnect.
func (c *Client) readPump() {
	defer func() {
		c.router.HandleDisconnect(c)
		c.hub.Unregister(c)
		_ = c.conn.Close()
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
				c.logger.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
			c.hub.Send(c, errorFrame("malformed frame"))
			continue
		}
		c.router.Dispatch(context.Background(), c, frame)
	}
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings. It exits when the hub closes the channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
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
