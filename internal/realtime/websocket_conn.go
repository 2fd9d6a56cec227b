package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// WriteWait bounds a single write to a subscriber
	WriteWait = 10 * time.Second

	// PongWait is how long a subscriber may stay silent before it is dropped
	PongWait = 60 * time.Second

	// PingPeriod must be shorter than PongWait
	PingPeriod = 30 * time.Second
)

// WebSocketConn adapts a gorilla websocket connection to Connection.
type WebSocketConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWebSocketConn wraps conn with a fresh connection id.
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{
		id:   uuid.New().String(),
		conn: conn,
	}
}

// ID returns the connection id used in logs.
func (c *WebSocketConn) ID() string {
	return c.id
}

// Send writes message as a single text frame.
func (c *WebSocketConn) Send(ctx context.Context, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// Ping sends a keepalive control frame.
func (c *WebSocketConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait))
}

// Close closes the underlying connection.
func (c *WebSocketConn) Close() error {
	return c.conn.Close()
}
