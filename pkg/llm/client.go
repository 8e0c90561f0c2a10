// Package llm abstracts the reasoning model behind a channel-based streaming
// client. Providers (anthropic, openai, gemini) translate their wire formats
// into a common chunk stream; the run loop consumes chunks without knowing
// which provider produced them.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Client is the streaming interface all providers implement.
type Client interface {
	// Generate sends a conversation to the model and returns a stream of
	// chunks. The returned channel is closed when the stream completes.
	// Provider failures are delivered as ErrorChunk values in the channel;
	// Generate itself only errors on malformed input.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases provider resources.
	Close() error
}

// GenerateInput is one model turn: the conversation so far plus the tools
// the model may call.
type GenerateInput struct {
	ConversationID string
	RunID          string
	Messages       []ConversationMessage
	Tools          []ToolDefinition // nil = no tools
	MaxTokens      int              // 0 = provider default
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ConversationMessage is one entry of the conversation history.
type ConversationMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // for assistant messages
	ToolCallID string     // for tool result messages
	ToolName   string     // for tool result messages
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a fragment of the model's text response.
type TextChunk struct{ Content string }

// ThinkingChunk is a fragment of the model's internal reasoning.
type ThinkingChunk struct{ Content string }

// ToolCallChunk signals the model wants to call a tool. Arguments are the
// complete JSON payload; providers buffer partial argument deltas and emit
// one chunk per call.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this model call.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// ErrorChunk signals a provider failure. Retryable errors (rate limits,
// upstream outages) may be retried by the RetryClient wrapper when no
// content has streamed yet.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ThinkingChunk) chunkType() ChunkType { return ChunkTypeThinking }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// Stable error codes carried on ErrorChunk.
const (
	CodeRateLimited         = "rate_limited"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUnauthorized        = "unauthorized"
	CodeInvalidRequest      = "invalid_request"
	CodeCancelled           = "cancelled"
	CodeInternal            = "internal"
)

// classifyStatus maps a provider HTTP status to an error code and whether
// the call may be retried.
func classifyStatus(status int) (code string, retryable bool) {
	switch {
	case status == 429:
		return CodeRateLimited, true
	case status == 401 || status == 403:
		return CodeUnauthorized, false
	case status >= 500:
		return CodeUpstreamUnavailable, true
	case status >= 400:
		return CodeInvalidRequest, false
	default:
		return CodeUpstreamUnavailable, true
	}
}

// errorChunkFromContext converts a context termination into an ErrorChunk.
func errorChunkFromContext(ctx context.Context) *ErrorChunk {
	code := CodeCancelled
	msg := "generation cancelled"
	if ctx.Err() == context.DeadlineExceeded {
		code = CodeUpstreamUnavailable
		msg = "generation deadline exceeded"
	}
	return &ErrorChunk{Message: msg, Code: code, Retryable: false}
}

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Config selects and parameterizes a provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string // optional endpoint override
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration // per-request HTTP timeout for REST providers
}

// DefaultMaxTokens caps a single model response when the config does not
// say otherwise.
const DefaultMaxTokens = 4096

func (c Config) validate() error {
	if c.Model == "" {
		return fmt.Errorf("llm: model is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("llm: api key is required")
	}
	return nil
}

func (c Config) maxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return DefaultMaxTokens
}

// chunkBuffer is the channel capacity used by all providers. Generation
// blocks once the consumer falls this far behind.
const chunkBuffer = 32
