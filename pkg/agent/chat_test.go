package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/llm"
)

const (
	chatWait = 2 * time.Second
	chatPoll = 5 * time.Millisecond
)

func newChatHarness(t *testing.T, client llm.Client) (*Chat, *harness) {
	t.Helper()
	h := newHarness(t, client, nil, smallConfig(), roomyBudget())
	return NewChat(h.runner, h.bus, testLogger()), h
}

func waitIdle(t *testing.T, c *Chat) {
	t.Helper()
	require.Eventually(t, func() bool { return c.ActiveRuns() == 0 },
		chatWait, chatPoll)
}

func TestChatRunsUserMessage(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Chunk{
		&llm.TextChunk{Content: "Hi there."},
	})
	chat, h := newChatHarness(t, client)

	require.NoError(t, chat.HandleUserMessage(context.Background(), "sess-1", "hello"))
	waitIdle(t, chat)

	calls := client.Calls()
	require.Len(t, calls, 1)
	msgs := calls[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Equal(t, "hello", msgs[1].Content)

	deltas := h.collect(t)
	require.NotEmpty(t, deltas)
	assert.Equal(t, bus.InitiatorChat, deltas[0].Initiator)
	end := firstOf(deltas, bus.DeltaRunEnd)
	require.NotNil(t, end)
	assert.Equal(t, "Hi there.", end.Summary.FinalText)
}

func TestChatBusyWhileRunInFlight(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.Chunk{&llm.TextChunk{Content: "slow answer"}},
		[]llm.Chunk{&llm.TextChunk{Content: "next answer"}},
	)
	client.SetChunkDelay(80 * time.Millisecond)
	chat, _ := newChatHarness(t, client)

	require.NoError(t, chat.HandleUserMessage(context.Background(), "sess-1", "first"))
	err := chat.HandleUserMessage(context.Background(), "sess-1", "second")
	require.Error(t, err)
	assert.Equal(t, "Agent is busy, please wait.", err.Error())

	waitIdle(t, chat)
	require.NoError(t, chat.HandleUserMessage(context.Background(), "sess-1", "third"))
	waitIdle(t, chat)
	assert.Len(t, client.Calls(), 2, "rejected message must not start a run")
}

func TestChatSessionKeepsHistory(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.Chunk{&llm.TextChunk{Content: "Hi there."}},
		[]llm.Chunk{&llm.TextChunk{Content: "Still fine."}},
	)
	chat, _ := newChatHarness(t, client)
	ctx := context.Background()

	require.NoError(t, chat.HandleUserMessage(ctx, "sess-1", "how is the host?"))
	waitIdle(t, chat)
	require.NoError(t, chat.HandleUserMessage(ctx, "sess-1", "and now?"))
	waitIdle(t, chat)

	calls := client.Calls()
	require.Len(t, calls, 2)
	msgs := calls[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Hi there.", msgs[2].Content)
	assert.Equal(t, "and now?", msgs[3].Content)
}

func TestChatSessionsAreIndependent(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.Chunk{&llm.TextChunk{Content: "a"}},
		[]llm.Chunk{&llm.TextChunk{Content: "b"}},
	)
	chat, _ := newChatHarness(t, client)
	ctx := context.Background()

	require.NoError(t, chat.HandleUserMessage(ctx, "sess-1", "one"))
	waitIdle(t, chat)
	require.NoError(t, chat.HandleUserMessage(ctx, "sess-2", "two"))
	waitIdle(t, chat)

	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].Messages, 2, "second session must start fresh")
}

func TestChatUnconfiguredProviderReplies(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicReactDelta, "test", 64)
	t.Cleanup(sub.Unsubscribe)
	chat := NewChat(nil, b, testLogger())

	require.NoError(t, chat.HandleUserMessage(context.Background(), "sess-1", "hello"))

	var deltas []*bus.RunDelta
	for len(sub.C) > 0 {
		msg := <-sub.C
		deltas = append(deltas, msg.Payload.(*bus.RunDelta))
	}
	require.Len(t, deltas, 3)
	assert.Equal(t, []bus.DeltaKind{
		bus.DeltaMessageStart, bus.DeltaMessageChunk, bus.DeltaMessageEnd,
	}, kindsOf(deltas))
	assert.Equal(t, unconfiguredReply, deltas[1].Text)
	assert.Equal(t, bus.InitiatorChat, deltas[0].Initiator)
}

func TestChatCancelRun(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Chunk{
		&llm.TextChunk{Content: "never"},
		&llm.TextChunk{Content: " finishes"},
		&llm.TextChunk{Content: " on its own"},
	})
	client.SetChunkDelay(60 * time.Millisecond)
	chat, h := newChatHarness(t, client)

	require.NoError(t, chat.HandleUserMessage(context.Background(), "sess-1", "go"))

	var collected []*bus.RunDelta
	var runID string
	require.Eventually(t, func() bool {
		collected = append(collected, h.collect(t)...)
		for _, d := range collected {
			if d.Kind == bus.DeltaRunStart {
				runID = d.RunID
			}
		}
		return runID != ""
	}, chatWait, chatPoll)

	assert.False(t, chat.CancelRun("no-such-run"))
	assert.True(t, chat.CancelRun(runID))
	waitIdle(t, chat)

	collected = append(collected, h.collect(t)...)
	errDelta := firstOf(collected, bus.DeltaRunError)
	require.NotNil(t, errDelta)
	assert.Equal(t, "cancelled", errDelta.Error.Code)
}

func TestChatDisconnectCancelsRunAndDropsSession(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.Chunk{
			&llm.TextChunk{Content: "long"},
			&llm.TextChunk{Content: " ramble"},
		},
		[]llm.Chunk{&llm.TextChunk{Content: "fresh start"}},
	)
	client.SetChunkDelay(60 * time.Millisecond)
	chat, _ := newChatHarness(t, client)

	connCtx, disconnect := context.WithCancel(context.Background())
	require.NoError(t, chat.HandleUserMessage(connCtx, "sess-1", "first"))
	disconnect()

	waitIdle(t, chat)
	require.Eventually(t, func() bool {
		chat.mu.Lock()
		defer chat.mu.Unlock()
		_, ok := chat.sessions["sess-1"]
		return !ok
	}, chatWait, chatPoll, "disconnect must reap the session")

	// Reconnecting under the same id starts from a clean history.
	require.NoError(t, chat.HandleUserMessage(context.Background(), "sess-1", "second"))
	waitIdle(t, chat)
	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].Messages, 2)
}
