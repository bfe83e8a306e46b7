package gateway

import (
	"sync"
	"time"

	"ChatGateway/logger"
	"ChatGateway/service/security"

	"github.com/gorilla/websocket"
)

// Client is one live WebSocket session. A user may hold several clients at
// once (multi-device); each keeps its own send queue consumed by a single
// writer goroutine, so writes to the socket are never concurrent.
type Client struct {
	ConnID    string
	Identity  security.Identity
	CreatedAt time.Time

	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(connID string, id security.Identity, ws *websocket.Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Client{
		ConnID:    connID,
		Identity:  id,
		CreatedAt: time.Now(),
		ws:        ws,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.Identity.UserID }

// enqueue hands a frame to the writer. The queue is bounded; a client that
// cannot keep up loses frames rather than stalling the fan-out path.
func (c *Client) enqueue(payload []byte) {
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		logger.Warnf("[gateway] send queue full, dropping frame conn=%s user=%s", c.ConnID, c.UserID())
	}
}

// Close tears the client down. Safe to call from any goroutine, any number
// of times; the write pump notices and closes the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump is the only goroutine writing to the socket. It also owns the
// keepalive pings; the read side extends its deadline on pong.
func (c *Client) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Infof("[gateway] write failed conn=%s err=%v", c.ConnID, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
