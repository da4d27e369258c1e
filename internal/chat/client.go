package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait     = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod   = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxFrameSize = 16384               // Largest inbound frame: 1000 chars of content, every one \u-escaped JSON, plus envelope.
)

// Client glues one websocket to its registry connection: the read pump
// feeds frames into the hub, the write pump drains the connection's outbox.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	sess *Conn
}

func NewClient(hub *Hub, ws *websocket.Conn, sess *Conn) *Client {
	return &Client{hub: hub, conn: ws, sess: sess}
}

// Start launches both pumps; it returns immediately.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump pumps frames from the websocket into the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.Detach(c.sess.ID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("websocket read", "conn_id", c.sess.ID, "err", err)
			}
			break
		}
		c.hub.HandleEvent(context.Background(), c.sess.ID, message)
	}
}

// writePump pumps outbox payloads to the websocket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sess.Outbox():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the outbox.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain whatever else is queued into the same writer to
			// save syscalls.
			n := len(c.sess.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.sess.send)
			}

			if err := w.Close(); err != nil {
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
