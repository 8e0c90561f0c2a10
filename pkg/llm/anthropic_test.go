package llm

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventDecoder feeds a fixed event sequence to an ssestream.Stream.
type eventDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *eventDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *eventDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *eventDecoder) Close() error { return nil }
func (d *eventDecoder) Err() error   { return nil }

type stubMessages struct {
	lastParams sdk.MessageNewParams
	events     []ssestream.Event
}

func (s *stubMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&eventDecoder{events: s.events}, nil)
}

func sse(eventType, data string) ssestream.Event {
	return ssestream.Event{Type: eventType, Data: []byte(data)}
}

func testAnthropic(stub *stubMessages) *anthropicClient {
	return &anthropicClient{
		messages: stub,
		cfg:      Config{Provider: ProviderAnthropic, Model: "claude-sonnet-4-5", APIKey: "test-key"},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// collect drains a chunk stream, failing the test if it never closes.
func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-deadline:
			t.Fatal("chunk stream never closed")
		}
	}
}

func TestAnthropicStreamsTextThinkingAndToolCall(t *testing.T) {
	stub := &stubMessages{events: []ssestream.Event{
		sse("message_start", `{"type":"message_start","message":{"id":"m1","role":"assistant"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"disk pressure?"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking "}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"logs."}}`),
		sse("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"log_search"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"oom\"}"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":42,"output_tokens":17}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	client := testAnthropic(stub)

	ch, err := client.Generate(context.Background(), &GenerateInput{
		Messages: []ConversationMessage{{Role: RoleUser, Content: "why is api-server slow?"}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 5)

	thinking, ok := chunks[0].(*ThinkingChunk)
	require.True(t, ok)
	assert.Equal(t, "disk pressure?", thinking.Content)

	text1 := chunks[1].(*TextChunk)
	text2 := chunks[2].(*TextChunk)
	assert.Equal(t, "Checking logs.", text1.Content+text2.Content)

	call, ok := chunks[3].(*ToolCallChunk)
	require.True(t, ok)
	assert.Equal(t, "toolu_1", call.CallID)
	assert.Equal(t, "log_search", call.Name)
	assert.JSONEq(t, `{"query":"oom"}`, call.Arguments)

	usage, ok := chunks[4].(*UsageChunk)
	require.True(t, ok)
	assert.Equal(t, 42, usage.InputTokens)
	assert.Equal(t, 17, usage.OutputTokens)
	assert.Equal(t, 59, usage.TotalTokens)
}

func TestAnthropicEmptyToolArgumentsBecomeEmptyObject(t *testing.T) {
	stub := &stubMessages{events: []ssestream.Event{
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_2","name":"process_list"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	client := testAnthropic(stub)

	ch, err := client.Generate(context.Background(), &GenerateInput{
		Messages: []ConversationMessage{{Role: RoleUser, Content: "list processes"}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	call := chunks[0].(*ToolCallChunk)
	assert.Equal(t, "{}", call.Arguments)
}

func TestAnthropicBuildParams(t *testing.T) {
	stub := &stubMessages{}
	client := testAnthropic(stub)

	params, err := client.buildParams(&GenerateInput{
		MaxTokens: 512,
		Messages: []ConversationMessage{
			{Role: RoleSystem, Content: "you are an sre assistant"},
			{Role: RoleUser, Content: "check the disk"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "toolu_9", Name: "system_metrics", Arguments: `{"metric":"disk"}`}}},
			{Role: RoleTool, ToolCallID: "toolu_9", ToolName: "system_metrics", Content: `{"disk_percent":93.5}`},
		},
		Tools: []ToolDefinition{{
			Name:             "system_metrics",
			Description:      "Read current system metrics",
			ParametersSchema: `{"type":"object","properties":{"metric":{"type":"string"}}}`,
		}},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 512, params.MaxTokens)
	assert.EqualValues(t, "claude-sonnet-4-5", params.Model)
	require.Len(t, params.System, 1)
	assert.Equal(t, "you are an sre assistant", params.System[0].Text)
	// System messages are lifted out; user + assistant + tool result remain.
	assert.Len(t, params.Messages, 3)
	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Tools[0].OfTool)
	assert.EqualValues(t, "system_metrics", params.Tools[0].OfTool.Name)
}

func TestAnthropicRejectsBadInput(t *testing.T) {
	client := testAnthropic(&stubMessages{})

	_, err := client.Generate(context.Background(), &GenerateInput{})
	assert.Error(t, err)

	_, err = client.Generate(context.Background(), &GenerateInput{
		Messages: []ConversationMessage{{Role: "supervisor", Content: "hi"}},
	})
	assert.Error(t, err)

	_, err = client.Generate(context.Background(), &GenerateInput{
		Messages: []ConversationMessage{{Role: RoleTool, Content: "missing id"}},
	})
	assert.Error(t, err)
}
