// Package gateway is the Protocol Handler (PH): JSON-RPC 2.0 framing over
// one WebSocket per session, dispatching execute/control/hook and
// streaming process.* notifications. The connection plumbing (ReadPump/
// WritePump, ping/pong heartbeat, buffered send channel) is grounded on
// the kandev gateway's websocket.Client; the envelope itself is real
// JSON-RPC 2.0, written fresh in pkg/jsonrpc.
package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cmdgate/cmdgate/pkg/jsonrpc"
)

const (
	writeWait      = 10 * time.Second
	maxSendQueue   = 256
)

// Client is one WebSocket connection's write/read plumbing. Protocol
// semantics live in Handler; Client only owns the wire.
type Client struct {
	log  *zap.Logger
	conn *websocket.Conn

	send chan []byte

	pongWait      time.Duration
	pingPeriod    time.Duration
	maxFrameBytes int64

	onMessage func(raw []byte)
	onClose   func()

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn. heartbeatInterval is the ping period; idleTimeout
// is how long without a pong before the connection is considered dead
// (spec.md §4.6: "idle close after ~30s without pong").
func NewClient(log *zap.Logger, conn *websocket.Conn, maxFrameBytes int64, heartbeatInterval, idleTimeout time.Duration, onMessage func([]byte), onClose func()) *Client {
	return &Client{
		log:           log,
		conn:          conn,
		send:          make(chan []byte, maxSendQueue),
		pongWait:      idleTimeout,
		pingPeriod:    heartbeatInterval,
		maxFrameBytes: maxFrameBytes,
		onMessage:     onMessage,
		onClose:       onClose,
		closed:        make(chan struct{}),
	}
}

// Send enqueues a message for delivery. Drops the message and logs if the
// client's queue is saturated rather than blocking the producer — a slow
// reader must never stall the session's drain pipeline.
func (c *Client) Send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error("failed to marshal outgoing message", zap.Error(err))
		return
	}
	select {
	case c.send <- b:
	default:
		c.log.Warn("client send queue full; dropping message")
	}
}

// SendNotification wraps params in a JSON-RPC 2.0 notification envelope
// under method and enqueues it. This is how every process.* and error.*
// push reaches the client (spec.md §4.6).
func (c *Client) SendNotification(method string, params any) {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		c.log.Error("failed to build notification", zap.String("method", method), zap.Error(err))
		return
	}
	c.Send(n)
}

// ReadPump reads frames until the connection closes, dispatching each to
// onMessage. Must run in its own goroutine; returns when the connection
// ends.
func (c *Client) ReadPump() {
	defer func() {
		c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.conn.SetReadLimit(c.maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("unexpected websocket close", zap.Error(err))
			}
			return
		}
		c.onMessage(raw)
	}
}

// WritePump drains the send channel to the socket and drives the ping
// heartbeat. Must run in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// CloseWithProtocolError sends a close frame carrying a JSON-RPC protocol
// error code, used for malformed envelopes and unsupported jsonrpc
// versions. Oversized frames never reach it: the read limit ReadPump sets
// makes the read fail, and ReadPump then closes the connection.
func (c *Client) CloseWithProtocolError(reason string) {
	c.log.Warn("closing connection on protocol error", zap.String("reason", reason))
	c.closeWithCode(websocket.CloseProtocolError, reason)
}

// closeWithCode writes a close frame with the given code/reason and marks
// the client closed. Safe to call with a nil conn (dispatch-only unit
// tests never wire a real socket) and idempotent across repeated calls.
func (c *Client) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			_ = c.conn.Close()
		}
		close(c.closed)
	})
}
