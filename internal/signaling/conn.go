package signaling

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/easiviotech/fabriq-streaming/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size; SDP payloads run to tens of kilobytes
	maxMessageSize = 512 * 1024
)

// Conn is one accepted signaling socket. Its id is opaque and stable for the
// connection's lifetime; peers reference each other through it as viewer_fd /
// from_fd / target_fd.
type Conn struct {
	id       uint64
	ws       *websocket.Conn
	send     chan []byte
	tenantID string
	userID   string
	router   *Router
	logger   logging.Logger
}

// readPump pumps frames from the socket into the router. On any read error
// the connection is converged: viewer eviction or broadcaster-ended cascade.
func (c *Conn) readPump() {
	defer func() {
		c.router.disconnect(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("conn_id", c.id).Warn("WebSocket read error")
			}
			break
		}
		c.router.handleMessage(c, message)
	}
}

// writePump pumps frames from the send channel onto the socket. One JSON
// object per WebSocket frame; clients rely on the framing.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON marshals and enqueues a frame. A full send buffer drops the frame
// rather than blocking the router; the caller's fan-out continues with the
// remaining connections.
func (c *Conn) sendJSON(v any) {
	message, err := json.Marshal(v)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal signaling frame")
		return
	}

	select {
	case c.send <- message:
	default:
		c.logger.WithField("conn_id", c.id).Debug("Dropping frame for slow signaling client")
	}
}
