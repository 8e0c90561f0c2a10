package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) (*openaiClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := newOpenAIClient(Config{
		Provider: ProviderOpenAI,
		Model:    "gpt-4o-mini",
		APIKey:   "test-key",
		BaseURL:  srv.URL + "/v1",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return client, srv
}

func writeSSE(t *testing.T, w http.ResponseWriter, lines ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	for _, line := range lines {
		_, err := fmt.Fprintf(w, "data: %s\n\n", line)
		require.NoError(t, err)
	}
}

func TestOpenAIStreamsTextToolCallsAndUsage(t *testing.T) {
	var gotBody map[string]any
	client, _ := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		writeSSE(t, w,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Disk "}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"is filling."}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"log_search","arguments":"{\"query\":"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"disk full\"}"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":30,"completion_tokens":12,"total_tokens":42}}`,
			`[DONE]`,
		)
	})

	ch, err := client.Generate(context.Background(), &GenerateInput{
		Messages: []ConversationMessage{
			{Role: RoleSystem, Content: "you are an sre assistant"},
			{Role: RoleUser, Content: "why is the disk filling?"},
		},
		Tools: []ToolDefinition{{
			Name:             "log_search",
			Description:      "Search indexed logs",
			ParametersSchema: `{"type":"object","properties":{"query":{"type":"string"}}}`,
		}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 4)
	assert.Equal(t, "Disk ", chunks[0].(*TextChunk).Content)
	assert.Equal(t, "is filling.", chunks[1].(*TextChunk).Content)

	call := chunks[2].(*ToolCallChunk)
	assert.Equal(t, "call_1", call.CallID)
	assert.Equal(t, "log_search", call.Name)
	assert.JSONEq(t, `{"query":"disk full"}`, call.Arguments)

	usage := chunks[3].(*UsageChunk)
	assert.Equal(t, 30, usage.InputTokens)
	assert.Equal(t, 12, usage.OutputTokens)
	assert.Equal(t, 42, usage.TotalTokens)

	// Request carried the full conversation, the tool schema, and usage opt-in.
	msgs, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
	tools, ok := gotBody["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	streamOpts, ok := gotBody["stream_options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, streamOpts["include_usage"])
}

func TestOpenAIRateLimitBecomesRetryableError(t *testing.T) {
	client, _ := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"requests"}}`))
	})

	ch, err := client.Generate(context.Background(), &GenerateInput{
		Messages: []ConversationMessage{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	errChunk, ok := chunks[0].(*ErrorChunk)
	require.True(t, ok)
	assert.Equal(t, CodeRateLimited, errChunk.Code)
	assert.True(t, errChunk.Retryable)
}

func TestOpenAIUnauthorizedIsNotRetryable(t *testing.T) {
	client, _ := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	})

	ch, err := client.Generate(context.Background(), &GenerateInput{
		Messages: []ConversationMessage{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	errChunk := chunks[0].(*ErrorChunk)
	assert.Equal(t, CodeUnauthorized, errChunk.Code)
	assert.False(t, errChunk.Retryable)
}

func TestOpenAIToolResultEncoding(t *testing.T) {
	client, err := newOpenAIClient(Config{
		Provider: ProviderOpenAI, Model: "gpt-4o-mini", APIKey: "k",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	req, err := client.buildRequest(&GenerateInput{
		Messages: []ConversationMessage{
			{Role: RoleUser, Content: "restart it"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_7", Name: "restart_service", Arguments: `{"service":"nginx"}`}}},
			{Role: RoleTool, ToolCallID: "call_7", ToolName: "restart_service", Content: `{"ok":true}`},
		},
	})
	require.NoError(t, err)

	require.Len(t, req.Messages, 3)
	asst := req.Messages[1]
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "call_7", asst.ToolCalls[0].ID)
	assert.Equal(t, "restart_service", asst.ToolCalls[0].Function.Name)

	result := req.Messages[2]
	assert.Equal(t, "tool", result.Role)
	assert.Equal(t, "call_7", result.ToolCallID)
	assert.Equal(t, "restart_service", result.Name)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
}
