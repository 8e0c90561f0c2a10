package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

// WSEvent is one decoded server push envelope.
type WSEvent struct {
	Type     string
	Raw      []byte
	Parsed   map[string]any
	Received time.Time
}

// Data returns the envelope payload object, or nil when absent.
func (e WSEvent) Data() map[string]any {
	d, _ := e.Parsed["data"].(map[string]any)
	return d
}

// WSClient wraps a live push connection and records every envelope it
// receives for later assertions.
type WSClient struct {
	t      *testing.T
	conn   *websocket.Conn
	cancel context.CancelFunc
	doneCh chan struct{}

	mu     sync.Mutex
	events []WSEvent
}

// ConnectWS dials the push endpoint, consumes the connected handshake, and
// registers teardown on t.Cleanup.
func (app *TestApp) ConnectWS() *WSClient {
	app.t.Helper()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, app.WSURL, nil)
	require.NoError(app.t, err)
	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		t:      app.t,
		conn:   conn,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop(ctx)
	app.t.Cleanup(c.Close)

	c.RequireEvent("connected", 5*time.Second)
	return c
}

func (c *WSClient) readLoop(ctx context.Context) {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue
		}
		typ, _ := parsed["type"].(string)
		c.mu.Lock()
		c.events = append(c.events, WSEvent{
			Type:     typ,
			Raw:      data,
			Parsed:   parsed,
			Received: time.Now(),
		})
		c.mu.Unlock()
	}
}

func (c *WSClient) send(msgType string, data any) {
	c.t.Helper()

	payload := map[string]any{"type": msgType}
	if data != nil {
		payload["data"] = data
	}
	buf, err := json.Marshal(payload)
	require.NoError(c.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, buf))
}

// SendUserMessage starts or continues a chat run on this connection.
func (c *WSClient) SendUserMessage(content string) {
	c.send("user_message", map[string]any{"content": content})
}

// SendActionResponse approves or denies a pending action.
func (c *WSClient) SendActionResponse(actionID string, approved bool) {
	c.send("action_response", map[string]any{"action_id": actionID, "approved": approved})
}

// SendCancel aborts an in-flight run.
func (c *WSClient) SendCancel(runID string) {
	c.send("cancel", map[string]any{"run_id": runID})
}

// SendPing requests a pong.
func (c *WSClient) SendPing() {
	c.send("ping", nil)
}

// WaitForEvent blocks until an envelope matching pred arrives or the timeout
// elapses. Events already recorded are considered first.
func (c *WSClient) WaitForEvent(pred func(WSEvent) bool, timeout time.Duration) (WSEvent, error) {
	deadline := time.Now().Add(timeout)
	seen := 0
	for {
		c.mu.Lock()
		for ; seen < len(c.events); seen++ {
			if pred(c.events[seen]) {
				e := c.events[seen]
				c.mu.Unlock()
				return e, nil
			}
		}
		c.mu.Unlock()

		if time.Now().After(deadline) {
			return WSEvent{}, fmt.Errorf("no matching event within %s", timeout)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// WaitForEventType blocks until an envelope of the given type arrives.
func (c *WSClient) WaitForEventType(eventType string, timeout time.Duration) (WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool { return e.Type == eventType }, timeout)
}

// RequireEvent is WaitForEventType that fails the test on timeout.
func (c *WSClient) RequireEvent(eventType string, timeout time.Duration) WSEvent {
	c.t.Helper()
	e, err := c.WaitForEventType(eventType, timeout)
	require.NoError(c.t, err, "waiting for %q envelope", eventType)
	return e
}

// EventsByType returns all recorded envelopes of the given type.
func (c *WSClient) EventsByType(eventType string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []WSEvent
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Close tears down the connection and waits for the read loop to exit.
// Safe to call more than once.
func (c *WSClient) Close() {
	c.cancel()
	_ = c.conn.CloseNow()
	select {
	case <-c.doneCh:
	case <-time.After(2 * time.Second):
	}
}
