package agent

import (
	"encoding/json"

	"github.com/precious112/Argus/pkg/llm"
)

// maxHistoryMessages caps the conversation carried between chat turns. Older
// turns fall off the front while the system prompt stays pinned, keeping long
// sessions inside the context window.
const maxHistoryMessages = 48

// trimHistory drops the oldest entries beyond max, keeping the leading system
// message. The cut never lands on a tool result, so the model never sees an
// observation without the call that produced it.
func trimHistory(msgs []llm.ConversationMessage, max int) []llm.ConversationMessage {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	var system []llm.ConversationMessage
	rest := msgs
	if msgs[0].Role == llm.RoleSystem {
		system = msgs[:1]
		rest = msgs[1:]
	}
	keep := max - len(system)
	if keep < 0 {
		keep = 0
	}
	start := len(rest) - keep
	if start < 0 {
		start = 0
	}
	for start < len(rest) && rest[start].Role == llm.RoleTool {
		start++
	}
	out := make([]llm.ConversationMessage, 0, len(system)+len(rest)-start)
	out = append(out, system...)
	out = append(out, rest[start:]...)
	return out
}

// transcriptMessage is the persisted form of one conversation entry.
type transcriptMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content,omitempty"`
	ToolCalls  []transcriptToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	ToolName   string               `json:"tool_name,omitempty"`
}

type transcriptToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// encodeTranscript renders a finished conversation for the catalog.
func encodeTranscript(msgs []llm.ConversationMessage) string {
	out := make([]transcriptMessage, len(msgs))
	for i, m := range msgs {
		tm := transcriptMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			tm.ToolCalls = append(tm.ToolCalls, transcriptToolCall{
				ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
			})
		}
		out[i] = tm
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(data)
}
