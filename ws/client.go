package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/globals"
	"github.com/chatrelay/chatrelay/types"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize  = 4096
	pongWait        = 2 * time.Minute
	pingPeriod      = time.Minute
	writeWait       = 10 * time.Second
	sendChannelSize = 256
)

// Client is the middleman between one websocket connection and a session.
// Its buffered send channel is the session's bus endpoint; the read and
// write loops are the only goroutines touching the connection.
type Client struct {
	conn *websocket.Conn

	send      chan []byte
	doneChan  chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:     conn,
		send:     make(chan []byte, sendChannelSize),
		doneChan: make(chan struct{}),
	}
}

// Queue implements bus.Endpoint. It never blocks; a full send channel drops
// the payload and the bus accounts for it.
func (c *Client) Queue(payload []byte) bool {
	select {
	case <-c.doneChan:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Done is closed when the read loop has finished, i.e. the connection is
// gone one way or the other.
func (c *Client) Done() <-chan struct{} {
	return c.doneChan
}

// ReadLoop pumps messages from the websocket connection into handle. It runs
// in the connection's handler goroutine; there is at most one reader on a
// connection. A forbidden error from handle closes the connection with a
// policy violation frame, any other error closes it silently.
func (c *Client) ReadLoop(handle func(raw []byte) error) {
	defer func() {
		c.conn.Close()
		c.closeOnce.Do(func() { close(c.doneChan) })
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				globals.AppLogger.Debug("ws closed unexpectedly", "error", err)
			}
			return
		}
		if err := handle(raw); err != nil {
			if errors.Is(err, types.ErrForbidden) {
				c.CloseWithPolicyViolation()
			}
			return
		}
	}
}

// WriteLoop pumps queued payloads to the websocket connection and keeps the
// connection alive with pings. A goroutine running WriteLoop is started for
// each connection; there is at most one writer on a connection.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}

// CloseWithPolicyViolation sends a close frame carrying a policy violation
// code and a generic reason.
func (c *Client) CloseWithPolicyViolation() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "forbidden"))
}
