package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/precious112/Argus/pkg/actions"
	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/metrics"
)

const (
	// DefaultWriteTimeout bounds a single socket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval is how often clients are expected to ping. Two
	// consecutive misses close the connection.
	DefaultPingInterval = 30 * time.Second
)

// ChatService starts conversational runs for push sessions. An error means
// the session cannot accept the message right now, for example because a
// run is still active or the service is shutting down.
type ChatService interface {
	HandleUserMessage(ctx context.Context, sessionID, content string) error
}

// RunCanceller stops an in-flight run by id. Implementations report whether
// the run was known and still active.
type RunCanceller interface {
	CancelRun(runID string) bool
}

// ActionResponder resolves a pending approval request by id.
type ActionResponder interface {
	HandleResponse(actionID string, dec actions.Decision) bool
}

// Hub owns all WebSocket connections, fans bus traffic out to them, and
// dispatches client messages. One Hub exists per process.
type Hub struct {
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	chat       ChatService
	approvals  ActionResponder
	cancellers []RunCanceller
	statusFn   func() *bus.SystemStatus

	mu    sync.RWMutex
	conns map[string]*Connection

	queueSize    int
	writeTimeout time.Duration
	pingInterval time.Duration

	subs      []*bus.Subscription
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Hub.
type Option func(*Hub)

// WithChat wires the conversational agent for user_message handling.
func WithChat(c ChatService) Option {
	return func(h *Hub) { h.chat = c }
}

// WithApprovals wires the action engine for action_response handling.
func WithApprovals(a ActionResponder) Option {
	return func(h *Hub) { h.approvals = a }
}

// WithCanceller registers a run canceller consulted for cancel messages.
// Cancellers are tried in registration order until one claims the run id.
func WithCanceller(rc RunCanceller) Option {
	return func(h *Hub) { h.cancellers = append(h.cancellers, rc) }
}

// WithStatusSource supplies a fresh system status snapshot sent to every
// client right after the connected greeting.
func WithStatusSource(fn func() *bus.SystemStatus) Option {
	return func(h *Hub) { h.statusFn = fn }
}

// WithQueueSize overrides the per-connection outbound buffer size.
func WithQueueSize(n int) Option {
	return func(h *Hub) { h.queueSize = n }
}

// WithWriteTimeout overrides the per-write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

// WithPingInterval overrides the heartbeat interval. Used by tests.
func WithPingInterval(d time.Duration) Option {
	return func(h *Hub) { h.pingInterval = d }
}

// NewHub creates a Hub. Call Start to begin fanning out bus traffic and
// HandleConnection for each accepted socket.
func NewHub(b *bus.Bus, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		bus:          b,
		metrics:      m,
		logger:       logger.With("component", "push"),
		conns:        make(map[string]*Connection),
		queueSize:    DefaultQueueSize,
		writeTimeout: DefaultWriteTimeout,
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the HTTP handler after upgrade; blocks until the connection
// closes. Chat runs started from this session are cancelled on disconnect.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	c := newConnection(parentCtx, uuid.New().String(), conn, h.queueSize, h.logger)

	h.register(c)
	defer h.unregister(c)

	go c.writeLoop(h.writeTimeout)
	go c.heartbeatLoop(h.pingInterval)

	c.enqueue(NewEnvelope(TypeConnected, &connectedPayload{
		ConnectionID: c.ID,
		Message:      "Connected to Argus agent",
		Capabilities: []string{"chat", "actions", "alerts", "investigations"},
	}))
	if h.statusFn != nil {
		if status := h.statusFn(); status != nil {
			c.enqueue(NewEnvelope(TypeSystemStatus, status))
		}
	}

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("Invalid WebSocket message",
				"connection_id", c.ID, "error", err)
			c.enqueue(errorEnvelope("invalid_request", "Invalid message format", ""))
			continue
		}

		h.handleClientMessage(c, &msg)
	}
}

// handleClientMessage dispatches one inbound message. Unknown types get an
// error envelope rather than being silently ignored.
func (h *Hub) handleClientMessage(c *Connection, msg *clientMessage) {
	switch msg.Type {
	case TypePing:
		c.touchPing()
		c.enqueue(NewEnvelope(TypePong, nil))

	case TypeUserMessage:
		var data userMessageData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.enqueue(errorEnvelope("invalid_request", "Invalid message format", ""))
			return
		}
		if strings.TrimSpace(data.Content) == "" {
			return
		}
		if h.chat == nil {
			c.enqueue(errorEnvelope("upstream_unavailable", "Chat is not available.", ""))
			return
		}
		if err := h.chat.HandleUserMessage(c.ctx, c.ID, data.Content); err != nil {
			c.enqueue(errorEnvelope("rate_limited", err.Error(), ""))
		}

	case TypeActionResponse:
		var data actionResponseData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.enqueue(errorEnvelope("invalid_request", "Invalid message format", ""))
			return
		}
		if data.ActionID == "" {
			data.ActionID = msg.ID
		}
		if h.approvals == nil {
			return
		}
		actor := data.User
		if actor == "" {
			actor = "websocket"
		}
		h.logger.Info("Action response received",
			"action_id", data.ActionID, "approved", data.Approved, "actor", actor)
		if !h.approvals.HandleResponse(data.ActionID, actions.Decision{
			Approved:   data.Approved,
			Actor:      actor,
			Authorized: data.Authorized,
		}) {
			h.logger.Debug("Action response for unknown action", "action_id", data.ActionID)
		}

	case TypeCancel:
		var data cancelData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.RunID == "" {
			return
		}
		// A cancel for an unknown or finished run is acknowledged with no
		// effect.
		for _, rc := range h.cancellers {
			if rc.CancelRun(data.RunID) {
				h.logger.Info("Run cancelled by client",
					"run_id", data.RunID, "connection_id", c.ID)
				return
			}
		}

	default:
		c.enqueue(errorEnvelope("invalid_request",
			fmt.Sprintf("Unknown message type %q", msg.Type), ""))
	}
}

// Broadcast enqueues an envelope on every active connection.
func (h *Hub) Broadcast(env *Envelope) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(env)
	}
}

// ActiveConnections returns the count of registered connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.PushClients.Inc()
	}
	h.logger.Info("Client connected", "connection_id", c.ID)
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.PushClients.Dec()
	}
	if drops := c.queue.drops(); drops > 0 {
		h.logger.Debug("Connection shed envelopes under backpressure",
			"connection_id", c.ID, "dropped", drops)
	}
	c.closeWith(websocket.StatusNormalClosure, "")
	h.logger.Info("Client disconnected", "connection_id", c.ID)
}

// Stop detaches from the bus and closes every connection. Blocks until the
// fan-out goroutines drain.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		for _, sub := range h.subs {
			sub.Unsubscribe()
		}
		h.wg.Wait()

		h.mu.Lock()
		conns := make([]*Connection, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.mu.Unlock()
		for _, c := range conns {
			c.closeWith(websocket.StatusGoingAway, "server shutting down")
		}
	})
}
