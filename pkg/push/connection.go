package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Connection is a single realtime client session. Envelopes are enqueued on
// a bounded buffer and drained by one writer goroutine, preserving FIFO
// order per connection.
type Connection struct {
	ID    string
	conn  *websocket.Conn
	queue *outQueue

	// ctx is the session scope. Chat runs started from this connection
	// derive from it, so closing the connection cancels them.
	ctx    context.Context
	cancel context.CancelFunc

	lastPing  atomic.Int64 // unix nanos of the most recent client ping
	closeOnce sync.Once
	logger    *slog.Logger
}

func newConnection(parentCtx context.Context, id string, conn *websocket.Conn, queueSize int, logger *slog.Logger) *Connection {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:     id,
		conn:   conn,
		queue:  newOutQueue(queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	c.lastPing.Store(time.Now().UnixNano())
	return c
}

// enqueue buffers an envelope for delivery. When the buffer is saturated
// with critical messages the connection is closed with a backpressure
// reason, mirroring the overflow policy.
func (c *Connection) enqueue(env *Envelope) {
	if c.queue.push(env) {
		return
	}
	c.logger.Warn("Client cannot keep up, closing connection",
		"connection_id", c.ID, "queue_depth", c.queue.depth())
	c.closeWith(websocket.StatusPolicyViolation, "backpressure")
}

// writeLoop drains the outbound queue onto the socket. A write failure or
// context cancellation terminates the session.
func (c *Connection) writeLoop(writeTimeout time.Duration) {
	for {
		env := c.queue.pop()
		if env == nil {
			select {
			case <-c.queue.wake:
				continue
			case <-c.ctx.Done():
				return
			}
		}

		data, err := json.Marshal(env)
		if err != nil {
			c.logger.Warn("Failed to marshal push envelope",
				"connection_id", c.ID, "type", env.Type, "error", err)
			continue
		}

		writeCtx, cancelWrite := context.WithTimeout(c.ctx, writeTimeout)
		err = c.conn.Write(writeCtx, websocket.MessageText, data)
		cancelWrite()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("Failed to send to WebSocket client",
					"connection_id", c.ID, "error", err)
			}
			c.cancel()
			return
		}
	}
}

// heartbeatLoop closes the connection after two consecutive missed client
// pings. Clients are expected to ping once per interval.
func (c *Connection) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastPing.Load())
			if time.Since(last) < interval {
				misses = 0
				continue
			}
			misses++
			if misses >= 2 {
				c.logger.Info("Closing connection after missed heartbeats",
					"connection_id", c.ID)
				c.closeWith(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Connection) touchPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

// closeWith tears the session down exactly once: the outbound queue is
// discarded, the session context cancelled, and the socket closed with the
// given status.
func (c *Connection) closeWith(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.queue.close()
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close(code, reason)
		}
	})
}
