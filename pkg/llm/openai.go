package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type openaiClient struct {
	chat   *openai.Client
	cfg    Config
	logger *slog.Logger
}

func newOpenAIClient(cfg Config, logger *slog.Logger) (*openaiClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &openaiClient{chat: openai.NewClientWithConfig(oc), cfg: cfg, logger: logger}, nil
}

func (c *openaiClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	req, err := c.buildRequest(input)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk, chunkBuffer)
	go c.pump(ctx, req, out)
	return out, nil
}

func (c *openaiClient) Close() error { return nil }

func (c *openaiClient) buildRequest(input *GenerateInput) (*openai.ChatCompletionRequest, error) {
	if input == nil || len(input.Messages) == 0 {
		return nil, fmt.Errorf("llm: messages are required")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(input.Messages))
	for _, m := range input.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: m.Content,
			})
		case RoleUser:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		case RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			messages = append(messages, msg)
		case RoleTool:
			if m.ToolCallID == "" {
				return nil, fmt.Errorf("llm: tool result message missing tool call id")
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				Name:       m.ToolName,
				ToolCallID: m.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("llm: unsupported message role %q", m.Role)
		}
	}

	maxTokens := input.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.maxTokens()
	}
	req := openai.ChatCompletionRequest{
		Model:         c.cfg.Model,
		Messages:      messages,
		MaxTokens:     maxTokens,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if c.cfg.Temperature > 0 {
		req.Temperature = float32(c.cfg.Temperature)
	}
	for _, def := range input.Tools {
		if def.Name == "" {
			continue
		}
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(def.ParametersSchema),
			},
		})
	}
	return &req, nil
}

// pump streams the chat completion. Tool call arguments arrive fragmented
// across deltas keyed by index; they are buffered and emitted whole once the
// stream ends, in first-seen order.
func (c *openaiClient) pump(ctx context.Context, req *openai.ChatCompletionRequest, out chan<- Chunk) {
	defer close(out)

	stream, err := c.chat.CreateChatCompletionStream(ctx, *req)
	if err != nil {
		send(ctx, out, openaiErrorChunk(err))
		return
	}
	defer func() { _ = stream.Close() }()

	type toolBuffer struct {
		id, name string
		args     strings.Builder
	}
	buffers := make(map[int]*toolBuffer)
	var order []int
	var usage *UsageChunk

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(ctx, out, openaiErrorChunk(err))
			return
		}
		if resp.Usage != nil {
			usage = &UsageChunk{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			if !send(ctx, out, &TextChunk{Content: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			buf := buffers[idx]
			if buf == nil {
				buf = &toolBuffer{}
				buffers[idx] = buf
				order = append(order, idx)
			}
			if tc.ID != "" {
				buf.id = tc.ID
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				buf.args.WriteString(tc.Function.Arguments)
			}
		}
	}

	for _, idx := range order {
		buf := buffers[idx]
		if buf.name == "" {
			continue
		}
		id := buf.id
		if id == "" {
			id = fmt.Sprintf("call_%d", idx)
		}
		args := buf.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		if !send(ctx, out, &ToolCallChunk{CallID: id, Name: buf.name, Arguments: args}) {
			return
		}
	}
	if usage != nil {
		send(ctx, out, usage)
	}
}

func openaiErrorChunk(err error) *ErrorChunk {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code, retryable := classifyStatus(apiErr.HTTPStatusCode)
		return &ErrorChunk{Message: err.Error(), Code: code, Retryable: retryable}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		code, retryable := classifyStatus(reqErr.HTTPStatusCode)
		return &ErrorChunk{Message: err.Error(), Code: code, Retryable: retryable}
	}
	if errors.Is(err, context.Canceled) {
		return &ErrorChunk{Message: err.Error(), Code: CodeCancelled}
	}
	return &ErrorChunk{Message: err.Error(), Code: CodeUpstreamUnavailable, Retryable: true}
}
