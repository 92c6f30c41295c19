package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plantops/shopfloor/internal/tenant"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// Connection is one live channel, owned by the Hub. The registry holds only
// a non-owning reference for fan-out.
type Connection struct {
	ID     string
	Tenant *tenant.Context
	Topic  Topic

	ws   *websocket.Conn
	send chan []byte
	quit chan struct{}

	mu        sync.Mutex
	closed    bool
	closeCode int
	reason    string
	dropped   int
}

// enqueue adds a message to the bounded send queue. When the queue is full
// the oldest queued message is dropped so one slow consumer cannot stall
// fan-out to others. Safe to call concurrently with close; returns false once
// the connection is closed, and the count of messages evicted to make room.
func (c *Connection) enqueue(msg []byte) (ok bool, droppedNow int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, 0
	}
	for {
		select {
		case c.send <- msg:
			return true, droppedNow
		default:
		}
		select {
		case <-c.send:
			c.dropped++
			droppedNow++
		default:
		}
	}
}

// signalClose marks the connection closed and wakes the write pump so it can
// deliver the close frame. Idempotent.
func (c *Connection) signalClose(code int, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.closeCode = code
	c.reason = reason
	close(c.quit)
	return true
}

// Dropped reports how many queued messages this connection has evicted.
func (c *Connection) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// writePump flushes the send queue to the socket and keeps the connection
// alive with pings. It owns all writes to the underlying websocket.
func (c *Connection) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.teardown(c, websocket.CloseAbnormalClosure, "write error")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.teardown(c, websocket.CloseAbnormalClosure, "ping failure")
				return
			}
		case <-c.quit:
			c.mu.Lock()
			code, reason := c.closeCode, c.reason
			c.mu.Unlock()
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// readPump consumes client frames until the connection dies, dispatching them
// to the topic-specific handler. Read errors terminate only this connection.
func (c *Connection) readPump(h *Hub, onMessage func(*Connection, []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			h.teardown(c, websocket.CloseNormalClosure, "client disconnected")
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if onMessage != nil {
			onMessage(c, data)
		}
	}
}
