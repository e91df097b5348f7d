package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabcanvas/internal/models"
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Client is the sending half of one socket in a room. Outbound frames go
// through a buffered channel drained by a single writer goroutine, so one
// slow or broken peer never blocks a room broadcast: when the buffer fills
// or a write fails, the client's connection is closed and the reader loop
// tears the session down through the normal disconnect path.
type Client struct {
	ID       string // connection id, unique per socket
	UserID   string
	Username string
	Role     models.CollaborationRole

	conn *websocket.Conn
	send chan any

	mu     sync.Mutex
	hook   func(any)
	closed bool
}

func NewClient(conn *websocket.Conn, id, userID, username string, role models.CollaborationRole) *Client {
	c := &Client{
		ID:       id,
		UserID:   userID,
		Username: username,
		Role:     role,
		conn:     conn,
		send:     make(chan any, sendBuffer),
	}
	if conn != nil {
		go c.writePump()
	}
	return c
}

// SetSendHook replaces the WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(any)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send enqueues a frame for delivery. Delivery is best-effort: a client
// whose buffer is full is disconnected rather than waited on.
func (c *Client) Send(frame any) {
	c.mu.Lock()
	if c.hook != nil {
		hook := c.hook
		c.mu.Unlock()
		hook(frame)
		return
	}
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.closed = true
		close(c.send)
	}
}

// Close stops the writer and closes the underlying connection; safe to call
// more than once and from any goroutine.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) writePump() {
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(frame); err != nil {
			break
		}
	}
	_ = c.conn.Close()
}
