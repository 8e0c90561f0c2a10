package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessagesClient captures the subset of the Anthropic SDK used here so tests
// can substitute a scripted stream.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

type anthropicClient struct {
	messages MessagesClient
	cfg      Config
	logger   *slog.Logger
}

func newAnthropicClient(cfg Config, logger *slog.Logger) (*anthropicClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	ac := sdk.NewClient(opts...)
	return &anthropicClient{messages: &ac.Messages, cfg: cfg, logger: logger}, nil
}

func (c *anthropicClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	params, err := c.buildParams(input)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk, chunkBuffer)
	stream := c.messages.NewStreaming(ctx, *params)
	go c.pump(ctx, stream, out)
	return out, nil
}

func (c *anthropicClient) Close() error { return nil }

func (c *anthropicClient) buildParams(input *GenerateInput) (*sdk.MessageNewParams, error) {
	if input == nil || len(input.Messages) == 0 {
		return nil, fmt.Errorf("llm: messages are required")
	}
	conversation, system, err := encodeAnthropicMessages(input.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := input.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.maxTokens()
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
		Model:     sdk.Model(c.cfg.Model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools, err := encodeAnthropicTools(input.Tools); err != nil {
		return nil, err
	} else if len(tools) > 0 {
		params.Tools = tools
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = sdk.Float(c.cfg.Temperature)
	}
	return &params, nil
}

// encodeAnthropicMessages splits the history into the system prompt blocks
// and the user/assistant conversation. Tool results become user messages
// carrying tool_result blocks, which is how the Messages API expects them.
func encodeAnthropicMessages(msgs []ConversationMessage) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, fmt.Errorf("llm: tool result message missing tool call id")
			}
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, nil, fmt.Errorf("llm: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, fmt.Errorf("llm: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeAnthropicTools(defs []ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := anthropicInputSchema(def.ParametersSchema)
		if err != nil {
			return nil, fmt.Errorf("llm: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func anthropicInputSchema(raw string) (sdk.ToolInputSchemaParam, error) {
	if strings.TrimSpace(raw) == "" {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// pump translates Messages streaming events into chunks. Tool argument
// deltas are buffered per content block and released as a single
// ToolCallChunk on block stop.
func (c *anthropicClient) pump(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], out chan<- Chunk) {
	defer close(out)
	defer func() { _ = stream.Close() }()

	toolBlocks := make(map[int]*anthropicToolBuffer)
	var usage UsageChunk
	sawStop := false

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[int(ev.Index)] = &anthropicToolBuffer{id: tu.ID, name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !send(ctx, out, &TextChunk{Content: delta.Text}) {
					return
				}
			case sdk.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				if !send(ctx, out, &ThinkingChunk{Content: delta.Thinking}) {
					return
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb := toolBlocks[int(ev.Index)]; tb != nil {
				delete(toolBlocks, int(ev.Index))
				if !send(ctx, out, &ToolCallChunk{CallID: tb.id, Name: tb.name, Arguments: tb.arguments()}) {
					return
				}
			}
		case sdk.MessageDeltaEvent:
			usage.InputTokens = int(ev.Usage.InputTokens)
			usage.OutputTokens = int(ev.Usage.OutputTokens)
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		case sdk.MessageStopEvent:
			sawStop = true
		}
		if sawStop {
			break
		}
	}

	if err := stream.Err(); err != nil {
		send(ctx, out, anthropicErrorChunk(err))
		return
	}
	if ctx.Err() != nil {
		send(ctx, out, errorChunkFromContext(ctx))
		return
	}
	if usage.TotalTokens > 0 {
		send(ctx, out, &usage)
	}
}

func anthropicErrorChunk(err error) *ErrorChunk {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		code, retryable := classifyStatus(apiErr.StatusCode)
		return &ErrorChunk{Message: err.Error(), Code: code, Retryable: retryable}
	}
	if errors.Is(err, context.Canceled) {
		return &ErrorChunk{Message: err.Error(), Code: CodeCancelled}
	}
	// Network-level failures have no status; treat as a retryable outage.
	return &ErrorChunk{Message: err.Error(), Code: CodeUpstreamUnavailable, Retryable: true}
}

type anthropicToolBuffer struct {
	id, name  string
	fragments []string
}

func (tb *anthropicToolBuffer) arguments() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

// send delivers a chunk unless the consumer has gone away.
func send(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
