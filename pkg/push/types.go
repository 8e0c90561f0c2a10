// Package push delivers realtime envelopes to WebSocket clients and routes
// client messages (chat, approvals, cancellation) back into the agent.
package push

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/precious112/Argus/pkg/models"
)

// Server to client message types.
const (
	TypeConnected             = "connected"
	TypeSystemStatus          = "system_status"
	TypeThinkingStart         = "thinking_start"
	TypeThinkingEnd           = "thinking_end"
	TypeAssistantMessageStart = "assistant_message_start"
	TypeAssistantMessageDelta = "assistant_message_delta"
	TypeAssistantMessageEnd   = "assistant_message_end"
	TypeToolCall              = "tool_call"
	TypeToolResult            = "tool_result"
	TypeActionRequest         = "action_request"
	TypeActionExecuting       = "action_executing"
	TypeActionComplete        = "action_complete"
	TypeAlert                 = "alert"
	TypeAlertStateChange      = "alert_state_change"
	TypeBudgetUpdate          = "budget_update"
	TypeInvestigationStart    = "investigation_start"
	TypeInvestigationUpdate   = "investigation_update"
	TypeInvestigationEnd      = "investigation_end"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Client to server message types.
const (
	TypeUserMessage    = "user_message"
	TypeActionResponse = "action_response"
	TypeCancel         = "cancel"
	TypePing           = "ping"
)

// critical reports whether a message type must survive queue overflow.
// Critical messages evict buffered chat traffic instead of being dropped.
func critical(msgType string) bool {
	switch msgType {
	case TypeAlert, TypeActionRequest, TypeActionComplete, TypeError:
		return true
	}
	return false
}

// Envelope is the wire frame for every message in either direction.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// NewEnvelope stamps a payload with a fresh id and the current time.
func NewEnvelope(msgType string, data any) *Envelope {
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func errorEnvelope(code, message, correlationID string) *Envelope {
	return NewEnvelope(TypeError, &errorPayload{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	})
}

// clientMessage is the inbound envelope. Data is decoded per type.
type clientMessage struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type userMessageData struct {
	Content string `json:"content"`
}

type actionResponseData struct {
	ActionID string `json:"action_id"`
	Approved bool   `json:"approved"`
	User     string `json:"user"`
	// Authorized is the client's fresh-authorization marker. CRITICAL
	// actions are rejected without it even when approved.
	Authorized bool `json:"authorized"`
}

type cancelData struct {
	RunID string `json:"run_id"`
}

// Wire payloads for envelopes whose bus form does not match the client
// contract one to one.

type connectedPayload struct {
	ConnectionID string   `json:"connection_id"`
	Message      string   `json:"message"`
	Capabilities []string `json:"capabilities"`
}

type alertPayload struct {
	ID              string             `json:"id"`
	RuleID          string             `json:"rule_id"`
	RuleName        string             `json:"rule_name"`
	DedupKey        string             `json:"dedup_key,omitempty"`
	Severity        models.Severity    `json:"severity"`
	Status          models.AlertStatus `json:"status"`
	Title           string             `json:"title"`
	Summary         string             `json:"summary,omitempty"`
	Source          string             `json:"source,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
	InvestigationID string             `json:"investigation_id,omitempty"`
}

type runRefPayload struct {
	RunID string `json:"run_id"`
}

type messageDeltaPayload struct {
	RunID   string `json:"run_id"`
	Content string `json:"content"`
}

type toolCallPayload struct {
	RunID     string `json:"run_id"`
	CallID    string `json:"call_id"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments,omitempty"`
}

type toolResultPayload struct {
	RunID       string `json:"run_id"`
	CallID      string `json:"call_id"`
	Tool        string `json:"tool"`
	DisplayType string `json:"display_type,omitempty"`
	Payload     any    `json:"payload,omitempty"`
	IsError     bool   `json:"is_error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Message     string `json:"message,omitempty"`
}

type errorPayload struct {
	RunID         string `json:"run_id,omitempty"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type investigationStartPayload struct {
	RunID string `json:"run_id"`
	Text  string `json:"text,omitempty"`
}

type investigationEndPayload struct {
	RunID       string                   `json:"run_id"`
	Termination models.TerminationReason `json:"termination"`
	FinalText   string                   `json:"final_text,omitempty"`
	TokensUsed  int                      `json:"tokens_used"`
	Steps       int                      `json:"steps"`
}
