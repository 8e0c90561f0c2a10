package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiClient speaks the Generative Language REST API directly; there is
// no official Go SDK surface for SSE streaming worth the dependency.
type geminiClient struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func newGeminiClient(cfg Config, logger *slog.Logger) (*geminiClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &geminiClient{
		cfg:        cfg,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger,
	}, nil
}

func (c *geminiClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	body, err := c.buildBody(input)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal gemini body: %w", err)
	}
	out := make(chan Chunk, chunkBuffer)
	go c.pump(ctx, payload, out)
	return out, nil
}

func (c *geminiClient) Close() error { return nil }

// buildBody assembles the generateContent request. System messages fold into
// systemInstruction; assistant tool calls become model functionCall parts and
// tool results become user functionResponse parts, correlated by function
// name as the API requires.
func (c *geminiClient) buildBody(input *GenerateInput) (map[string]any, error) {
	if input == nil || len(input.Messages) == 0 {
		return nil, fmt.Errorf("llm: messages are required")
	}

	var systemParts []string
	var contents []map[string]any

	for _, m := range input.Messages {
		switch {
		case m.Role == RoleSystem:
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}

		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			parts := make([]map[string]any, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args any = map[string]any{}
				if strings.TrimSpace(tc.Arguments) != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
						args = map[string]any{}
					}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": tc.Name, "args": args},
				})
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})

		case m.Role == RoleTool:
			name := m.ToolName
			if name == "" {
				name = m.ToolCallID
			}
			if name == "" {
				return nil, fmt.Errorf("llm: tool result message missing tool name")
			}
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"result": m.Content},
					},
				}},
			})

		case m.Role == RoleUser || m.Role == RoleAssistant:
			role := "user"
			if m.Role == RoleAssistant {
				role = "model"
			}
			// The API rejects content entries without parts, so an empty
			// text part stands in for empty content.
			contents = append(contents, map[string]any{
				"role":  role,
				"parts": []map[string]any{{"text": m.Content}},
			})

		default:
			return nil, fmt.Errorf("llm: unsupported message role %q", m.Role)
		}
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("llm: at least one user or assistant message is required")
	}

	body := map[string]any{"contents": contents}
	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(systemParts, "\n\n")}},
		}
	}

	if len(input.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(input.Tools))
		for _, def := range input.Tools {
			if def.Name == "" {
				continue
			}
			var params any = map[string]any{}
			if strings.TrimSpace(def.ParametersSchema) != "" {
				if err := json.Unmarshal([]byte(def.ParametersSchema), &params); err != nil {
					return nil, fmt.Errorf("llm: tool %q schema: %w", def.Name, err)
				}
			}
			declarations = append(declarations, map[string]any{
				"name":        def.Name,
				"description": def.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": declarations}}
	}

	maxTokens := input.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.maxTokens()
	}
	genConfig := map[string]any{"maxOutputTokens": maxTokens}
	if c.cfg.Temperature > 0 {
		genConfig["temperature"] = c.cfg.Temperature
	}
	body["generationConfig"] = genConfig

	return body, nil
}

func (c *geminiClient) pump(ctx context.Context, payload []byte, out chan<- Chunk) {
	defer close(out)

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		c.baseURL, c.cfg.Model, c.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		send(ctx, out, &ErrorChunk{Message: err.Error(), Code: CodeInternal})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			send(ctx, out, errorChunkFromContext(ctx))
			return
		}
		send(ctx, out, &ErrorChunk{Message: err.Error(), Code: CodeUpstreamUnavailable, Retryable: true})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		code, retryable := classifyStatus(resp.StatusCode)
		send(ctx, out, &ErrorChunk{Message: geminiErrorMessage(resp.StatusCode, raw), Code: code, Retryable: retryable})
		return
	}

	var usage *UsageChunk
	var buf strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			buf.Reset()
			buf.WriteString(strings.TrimPrefix(line, "data: "))
		case buf.Len() > 0 && line != "":
			// Continuation of a payload that spans lines.
			buf.WriteString(line)
		default:
			continue
		}

		var chunk geminiStreamChunk
		if err := json.Unmarshal([]byte(buf.String()), &chunk); err != nil {
			continue // incomplete JSON, keep accumulating
		}
		buf.Reset()
		if !c.emitChunk(ctx, &chunk, out, &usage) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			send(ctx, out, errorChunkFromContext(ctx))
			return
		}
		send(ctx, out, &ErrorChunk{Message: err.Error(), Code: CodeUpstreamUnavailable, Retryable: true})
		return
	}
	if usage != nil {
		send(ctx, out, usage)
	}
}

func (c *geminiClient) emitChunk(ctx context.Context, chunk *geminiStreamChunk, out chan<- Chunk, usage **UsageChunk) bool {
	if chunk.UsageMetadata != nil {
		total := chunk.UsageMetadata.TotalTokenCount
		if total == 0 {
			total = chunk.UsageMetadata.PromptTokenCount + chunk.UsageMetadata.CandidatesTokenCount
		}
		*usage = &UsageChunk{
			InputTokens:  chunk.UsageMetadata.PromptTokenCount,
			OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  total,
		}
	}
	if len(chunk.Candidates) == 0 {
		return true
	}
	for _, part := range chunk.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args := "{}"
			if len(part.FunctionCall.Args) > 0 {
				args = string(part.FunctionCall.Args)
			}
			// The API carries no call ids; the function name doubles as the
			// correlation key for the matching functionResponse.
			if !send(ctx, out, &ToolCallChunk{
				CallID:    part.FunctionCall.Name,
				Name:      part.FunctionCall.Name,
				Arguments: args,
			}) {
				return false
			}
		case part.Text != nil && *part.Text != "":
			if part.Thought {
				if !send(ctx, out, &ThinkingChunk{Content: *part.Text}) {
					return false
				}
			} else if !send(ctx, out, &TextChunk{Content: *part.Text}) {
				return false
			}
		}
	}
	return true
}

func geminiErrorMessage(status int, body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return fmt.Sprintf("gemini: status %d: %s", status, envelope.Error.Message)
	}
	return fmt.Sprintf("gemini: status %d", status)
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiPart struct {
	Text         *string `json:"text,omitempty"`
	Thought      bool    `json:"thought,omitempty"`
	FunctionCall *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCall,omitempty"`
}
