package push

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precious112/Argus/pkg/actions"
	"github.com/precious112/Argus/pkg/bus"
)

const (
	timeWait = time.Second
	pollWait = 10 * time.Millisecond
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChat struct {
	sessions []string
	contents []string
	err      error
}

func (f *fakeChat) HandleUserMessage(_ context.Context, sessionID, content string) error {
	if f.err != nil {
		return f.err
	}
	f.sessions = append(f.sessions, sessionID)
	f.contents = append(f.contents, content)
	return nil
}

type fakeResponder struct {
	actionID string
	decision actions.Decision
	known    bool
}

func (f *fakeResponder) HandleResponse(actionID string, dec actions.Decision) bool {
	f.actionID = actionID
	f.decision = dec
	return f.known
}

type fakeCanceller struct {
	runID string
	claim bool
}

func (f *fakeCanceller) CancelRun(runID string) bool {
	f.runID = runID
	return f.claim
}

// testConnection builds a connection with no socket attached. Dispatch and
// queueing never touch the socket, so envelopes can be asserted by popping
// the outbound queue directly.
func testConnection(t *testing.T) *Connection {
	t.Helper()
	c := newConnection(context.Background(), "conn-1", nil, 16, testLogger())
	t.Cleanup(c.cancel)
	return c
}

func rawMessage(t *testing.T, msgType string, data any) *clientMessage {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	return &clientMessage{Type: msgType, ID: "msg-1", Data: raw}
}

func TestPingRepliesPongAndResetsHeartbeat(t *testing.T) {
	h := NewHub(bus.New(), nil, testLogger())
	c := testConnection(t)
	c.lastPing.Store(time.Now().Add(-time.Hour).UnixNano())

	h.handleClientMessage(c, rawMessage(t, TypePing, nil))

	env := c.queue.pop()
	require.NotNil(t, env)
	assert.Equal(t, TypePong, env.Type)
	assert.WithinDuration(t, time.Now(), time.Unix(0, c.lastPing.Load()), time.Second)
}

func TestHeartbeatClosesAfterTwoMissedPings(t *testing.T) {
	c := testConnection(t)
	c.lastPing.Store(time.Now().Add(-time.Hour).UnixNano())

	const interval = 50 * time.Millisecond
	start := time.Now()
	go c.heartbeatLoop(interval)

	select {
	case <-c.ctx.Done():
	case <-time.After(timeWait):
		t.Fatal("connection still open after two missed heartbeats")
	}
	// The first miss alone must not close the session; only the second does.
	assert.GreaterOrEqual(t, time.Since(start), 2*interval)
}

func TestHeartbeatFreshPingsKeepConnectionOpen(t *testing.T) {
	c := testConnection(t)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.touchPing()
			}
		}
	}()

	go c.heartbeatLoop(30 * time.Millisecond)

	select {
	case <-c.ctx.Done():
		t.Fatal("connection closed despite fresh pings")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestUserMessageDispatchesToChat(t *testing.T) {
	chat := &fakeChat{}
	h := NewHub(bus.New(), nil, testLogger(), WithChat(chat))
	c := testConnection(t)

	h.handleClientMessage(c, rawMessage(t, TypeUserMessage, map[string]string{"content": "why is cpu high?"}))

	require.Len(t, chat.contents, 1)
	assert.Equal(t, "why is cpu high?", chat.contents[0])
	assert.Equal(t, c.ID, chat.sessions[0])
	assert.Nil(t, c.queue.pop(), "successful dispatch sends nothing itself")
}

func TestUserMessageEmptyContentIgnored(t *testing.T) {
	chat := &fakeChat{}
	h := NewHub(bus.New(), nil, testLogger(), WithChat(chat))
	c := testConnection(t)

	h.handleClientMessage(c, rawMessage(t, TypeUserMessage, map[string]string{"content": "   "}))

	assert.Empty(t, chat.contents)
	assert.Nil(t, c.queue.pop())
}

func TestUserMessageBusyAgentSendsError(t *testing.T) {
	chat := &fakeChat{err: errors.New("Agent is busy, please wait.")}
	h := NewHub(bus.New(), nil, testLogger(), WithChat(chat))
	c := testConnection(t)

	h.handleClientMessage(c, rawMessage(t, TypeUserMessage, map[string]string{"content": "hello"}))

	env := c.queue.pop()
	require.NotNil(t, env)
	assert.Equal(t, TypeError, env.Type)
	payload := env.Data.(*errorPayload)
	assert.Equal(t, "rate_limited", payload.Code)
	assert.Equal(t, "Agent is busy, please wait.", payload.Message)
}

func TestUserMessageWithoutChatSendsError(t *testing.T) {
	h := NewHub(bus.New(), nil, testLogger())
	c := testConnection(t)

	h.handleClientMessage(c, rawMessage(t, TypeUserMessage, map[string]string{"content": "hello"}))

	env := c.queue.pop()
	require.NotNil(t, env)
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "upstream_unavailable", env.Data.(*errorPayload).Code)
}

func TestActionResponseRoutesDecision(t *testing.T) {
	responder := &fakeResponder{known: true}
	h := NewHub(bus.New(), nil, testLogger(), WithApprovals(responder))
	c := testConnection(t)

	h.handleClientMessage(c, rawMessage(t, TypeActionResponse, map[string]any{
		"action_id":  "act-7",
		"approved":   true,
		"user":       "alice",
		"authorized": true,
	}))

	assert.Equal(t, "act-7", responder.actionID)
	assert.True(t, responder.decision.Approved)
	assert.Equal(t, "alice", responder.decision.Actor)
	assert.True(t, responder.decision.Authorized)
}

func TestActionResponseWithoutMarkerIsNotAuthorized(t *testing.T) {
	responder := &fakeResponder{known: true}
	h := NewHub(bus.New(), nil, testLogger(), WithApprovals(responder))
	c := testConnection(t)

	// A bare approval must not carry the fresh-authorization marker the
	// action engine demands for CRITICAL commands.
	h.handleClientMessage(c, rawMessage(t, TypeActionResponse, map[string]any{
		"action_id": "act-8",
		"approved":  true,
	}))

	assert.Equal(t, "act-8", responder.actionID)
	assert.True(t, responder.decision.Approved)
	assert.False(t, responder.decision.Authorized)
}

func TestActionResponseFallsBackToMessageIDAndActor(t *testing.T) {
	responder := &fakeResponder{}
	h := NewHub(bus.New(), nil, testLogger(), WithApprovals(responder))
	c := testConnection(t)

	h.handleClientMessage(c, rawMessage(t, TypeActionResponse, map[string]any{"approved": false}))

	assert.Equal(t, "msg-1", responder.actionID)
	assert.False(t, responder.decision.Approved)
	assert.Equal(t, "websocket", responder.decision.Actor)
}

func TestCancelTriesCancellersInOrder(t *testing.T) {
	first := &fakeCanceller{claim: false}
	second := &fakeCanceller{claim: true}
	h := NewHub(bus.New(), nil, testLogger(), WithCanceller(first), WithCanceller(second))
	c := testConnection(t)

	h.handleClientMessage(c, rawMessage(t, TypeCancel, map[string]string{"run_id": "run-3"}))

	assert.Equal(t, "run-3", first.runID)
	assert.Equal(t, "run-3", second.runID)
	assert.Nil(t, c.queue.pop(), "cancel is acknowledged silently")
}

func TestCancelUnknownRunIsSilent(t *testing.T) {
	h := NewHub(bus.New(), nil, testLogger(), WithCanceller(&fakeCanceller{claim: false}))
	c := testConnection(t)

	h.handleClientMessage(c, rawMessage(t, TypeCancel, map[string]string{"run_id": "nope"}))

	assert.Nil(t, c.queue.pop())
}

func TestUnknownMessageTypeSendsError(t *testing.T) {
	h := NewHub(bus.New(), nil, testLogger())
	c := testConnection(t)

	h.handleClientMessage(c, rawMessage(t, "subscribe", nil))

	env := c.queue.pop()
	require.NotNil(t, env)
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "invalid_request", env.Data.(*errorPayload).Code)
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	h := NewHub(bus.New(), nil, testLogger())
	c1 := testConnection(t)
	c2 := newConnection(context.Background(), "conn-2", nil, 16, testLogger())
	t.Cleanup(c2.cancel)
	h.register(c1)
	h.register(c2)

	h.Broadcast(NewEnvelope(TypeAlert, "boom"))

	for _, c := range []*Connection{c1, c2} {
		env := c.queue.pop()
		require.NotNil(t, env)
		assert.Equal(t, TypeAlert, env.Type)
	}
	assert.Equal(t, 2, h.ActiveConnections())
}

func TestHubFansOutBusTraffic(t *testing.T) {
	b := bus.New()
	defer b.Close()
	h := NewHub(b, nil, testLogger())
	h.Start()
	defer h.Stop()

	c := testConnection(t)
	h.register(c)

	b.Publish(bus.TopicBudgetUpdate, &bus.BudgetUpdate{HourlyUsed: 10, HourlyLimit: 100, At: time.Now()})

	require.Eventually(t, func() bool {
		return c.queue.depth() > 0
	}, timeWait, pollWait)

	env := c.queue.pop()
	assert.Equal(t, TypeBudgetUpdate, env.Type)
	assert.Equal(t, 10, env.Data.(*bus.BudgetUpdate).HourlyUsed)
}
