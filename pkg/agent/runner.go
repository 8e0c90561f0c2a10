// Package agent runs the reasoning loop: multi-turn LLM conversations that
// interleave text with tool calls. Each turn is admitted against the token
// budget before the model is called and settled with actuals after; progress
// streams onto the bus as ordered run deltas the push layer fans out.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/precious112/Argus/pkg/budget"
	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/llm"
	"github.com/precious112/Argus/pkg/metrics"
	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/storage"
	"github.com/precious112/Argus/pkg/tools"
)

const (
	// DefaultMaxSteps caps the LLM turns in one run before a forced summary.
	DefaultMaxSteps = 12

	// DefaultTurnTimeout bounds a single streaming model call.
	DefaultTurnTimeout = 120 * time.Second

	// persistTimeout bounds the catalog write after a run ends. The run's
	// own context may already be cancelled by then.
	persistTimeout = 5 * time.Second
)

// Stable error codes carried on run_error deltas.
const (
	codeBudgetExhausted = "budget_exhausted"
	codeCancelled       = "cancelled"
	codeInternal        = "internal"
)

// Config tunes the run loop.
type Config struct {
	MaxSteps    int
	TurnTimeout time.Duration
	ResponsePad int    // tokens reserved for the model's reply each turn
	Provider    string // metrics label
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultTurnTimeout
	}
	if c.ResponsePad <= 0 {
		c.ResponsePad = llm.DefaultMaxTokens
	}
	if c.Provider == "" {
		c.Provider = "unknown"
	}
	return c
}

// RunParams describes one reasoning run. Messages is the full conversation
// to date: system prompt, prior turns, and the new user message last.
type RunParams struct {
	RunID          string
	ConversationID string // persistence identity; falls back to RunID
	Initiator      string // bus.InitiatorChat or bus.InitiatorInvestigation
	Priority       models.BudgetPriority
	Messages       []llm.ConversationMessage
}

// RunResult is the terminal outcome of a run. Messages carries the final
// transcript so chat sessions can continue from it.
type RunResult struct {
	Termination models.TerminationReason
	FinalText   string
	TokensUsed  int
	Steps       int
	Messages    []llm.ConversationMessage
}

// Runner executes reasoning runs. It holds no per-run state; callers own
// conversation history and concurrency.
type Runner struct {
	client    llm.Client
	registry  *tools.Registry
	dispatch  *tools.Dispatcher
	budget    *budget.Manager
	bus       *bus.Bus
	metrics   *metrics.Metrics
	estimator *Estimator
	logger    *slog.Logger
	cfg       Config

	conversations *storage.ConversationStore // nil skips persistence
}

// Option customizes a Runner.
type Option func(*Runner)

// WithConversationStore enables transcript persistence on run completion.
func WithConversationStore(s *storage.ConversationStore) Option {
	return func(r *Runner) { r.conversations = s }
}

// NewRunner wires the run loop to its collaborators.
func NewRunner(client llm.Client, reg *tools.Registry, disp *tools.Dispatcher,
	bm *budget.Manager, b *bus.Bus, m *metrics.Metrics, logger *slog.Logger,
	cfg Config, opts ...Option) *Runner {
	r := &Runner{
		client:    client,
		registry:  reg,
		dispatch:  disp,
		budget:    bm,
		bus:       b,
		metrics:   m,
		estimator: NewEstimator(),
		logger:    logger.With("component", "agent"),
		cfg:       cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives one reasoning run to termination. It always emits a final
// run_end delta with the summary, whatever the outcome, and never returns
// before the budget is settled for every admitted turn.
func (r *Runner) Run(ctx context.Context, p RunParams) *RunResult {
	startedAt := time.Now().UTC()
	em := &emitter{bus: r.bus, runID: p.RunID, initiator: p.Initiator}
	msgs := make([]llm.ConversationMessage, len(p.Messages))
	copy(msgs, p.Messages)

	res := &RunResult{}
	em.runStart(latestUserText(msgs))
	r.logger.Info("Run started",
		"run_id", p.RunID, "initiator", p.Initiator, "priority", p.Priority)

	defs := r.registry.Definitions()
	for res.Steps < r.cfg.MaxSteps {
		turn, done := r.step(ctx, p, em, msgs, defs, res)
		if done {
			break
		}

		if len(turn.toolCalls) == 0 {
			res.Termination = models.TerminationFinalAnswer
			res.FinalText = turn.text
			msgs = append(msgs, llm.ConversationMessage{
				Role: llm.RoleAssistant, Content: turn.text,
			})
			break
		}

		msgs = append(msgs, llm.ConversationMessage{
			Role:      llm.RoleAssistant,
			Content:   turn.text,
			ToolCalls: turn.toolCalls,
		})
		cancelled := false
		for _, tc := range turn.toolCalls {
			result, err := r.dispatch.Execute(ctx, tools.Call{
				ID:        tc.ID,
				RunID:     p.RunID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
			if err != nil {
				// Only run cancellation escapes the dispatcher.
				r.finishCancelled(em, res)
				cancelled = true
				break
			}
			em.toolResult(toolResultInfo(result))
			msgs = append(msgs, llm.ConversationMessage{
				Role:       llm.RoleTool,
				Content:    result.Content,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}
		if cancelled {
			break
		}
	}

	if res.Termination == "" {
		// Step cap reached with the model still asking for tools.
		msgs = r.forceSummary(ctx, p, em, msgs, res)
	}

	res.Messages = msgs
	em.runEnd(&bus.RunSummary{
		Termination: res.Termination,
		FinalText:   res.FinalText,
		TokensUsed:  res.TokensUsed,
		Steps:       res.Steps,
	})
	r.logger.Info("Run finished",
		"run_id", p.RunID,
		"termination", res.Termination,
		"steps", res.Steps,
		"tokens_used", res.TokensUsed)
	r.persist(p, res, startedAt)
	return res
}

// step runs one budget-admitted model turn and, on success, hands the turn
// back for tool dispatch. done reports that the run reached a terminal state
// inside the step (refusal, provider failure, or cancellation).
func (r *Runner) step(ctx context.Context, p RunParams, em *emitter,
	msgs []llm.ConversationMessage, defs []llm.ToolDefinition, res *RunResult) (*turnResult, bool) {

	promptTokens := r.estimator.CountMessages(msgs)
	token, err := r.budget.Reserve(p.Priority, promptTokens+r.cfg.ResponsePad)
	if err != nil {
		r.finishRefused(em, res, err)
		return nil, true
	}

	turn, genErr := r.turn(ctx, em, &llm.GenerateInput{
		ConversationID: p.ConversationID,
		RunID:          p.RunID,
		Messages:       msgs,
		Tools:          defs,
		MaxTokens:      r.cfg.ResponsePad,
	})
	if genErr != nil {
		// The request never went out; release the full reservation.
		if serr := r.budget.Settle(token, 0); serr != nil {
			r.logger.Warn("Budget settle failed", "error", serr)
		}
		if ctx.Err() != nil {
			r.finishCancelled(em, res)
			return nil, true
		}
		corr := uuid.New().String()
		r.logger.Error("Model call failed",
			"run_id", p.RunID, "correlation_id", corr, "error", genErr)
		em.runError(codeInternal, "The reasoning model is unavailable.", corr)
		res.Termination = models.TerminationToolErrorFatal
		return nil, true
	}
	r.settle(token, promptTokens, turn, res)
	res.Steps++
	if ec := turn.errChunk; ec != nil {
		if ctx.Err() != nil || ec.Code == llm.CodeCancelled {
			r.finishCancelled(em, res)
			return nil, true
		}
		corr := uuid.New().String()
		r.logger.Error("Model stream failed",
			"run_id", p.RunID, "code", ec.Code, "correlation_id", corr, "error", ec.Message)
		em.runError(ec.Code, "The reasoning model returned an error.", corr)
		res.Termination = models.TerminationToolErrorFatal
		return nil, true
	}
	return turn, false
}

// forceSummary runs one last tool-less turn so the client gets a conclusion
// instead of a dangling tool request. The summary turn is budget-admitted
// like any other; a refusal downgrades the termination to budget_exhausted.
func (r *Runner) forceSummary(ctx context.Context, p RunParams, em *emitter,
	msgs []llm.ConversationMessage, res *RunResult) []llm.ConversationMessage {

	msgs = append(msgs, llm.ConversationMessage{Role: llm.RoleUser, Content: conclusionPrompt})

	promptTokens := r.estimator.CountMessages(msgs)
	token, err := r.budget.Reserve(p.Priority, promptTokens+r.cfg.ResponsePad)
	if err != nil {
		r.finishRefused(em, res, err)
		return msgs
	}

	turn, genErr := r.turn(ctx, em, &llm.GenerateInput{
		ConversationID: p.ConversationID,
		RunID:          p.RunID,
		Messages:       msgs,
		MaxTokens:      r.cfg.ResponsePad,
	})
	if genErr != nil {
		if serr := r.budget.Settle(token, 0); serr != nil {
			r.logger.Warn("Budget settle failed", "error", serr)
		}
	} else {
		r.settle(token, promptTokens, turn, res)
	}

	if genErr != nil || turn.errChunk != nil {
		if ctx.Err() != nil {
			r.finishCancelled(em, res)
			return msgs
		}
		corr := uuid.New().String()
		r.logger.Error("Summary turn failed", "run_id", p.RunID, "correlation_id", corr)
		em.runError(codeInternal, "The reasoning model is unavailable.", corr)
		res.Termination = models.TerminationToolErrorFatal
		return msgs
	}

	res.Termination = models.TerminationMaxSteps
	res.FinalText = turn.text
	return append(msgs, llm.ConversationMessage{Role: llm.RoleAssistant, Content: turn.text})
}

// turn sends one streaming model call and relays its chunks as deltas.
// thinking_start always opens the turn; assistant_message_start is emitted
// lazily before the first text delta; boundary deltas are suppressed after a
// stream error so the error is the last thing the client sees.
func (r *Runner) turn(ctx context.Context, em *emitter, input *llm.GenerateInput) (*turnResult, error) {
	turnCtx, cancel := context.WithTimeout(ctx, r.cfg.TurnTimeout)
	defer cancel()

	start := time.Now()
	stream, err := r.client.Generate(turnCtx, input)
	if err != nil {
		return &turnResult{}, err
	}

	em.thinkingStart()
	thinkingOpen := true
	messageOpen := false
	out := &turnResult{}
	var text, thinking strings.Builder

	closeThinking := func() {
		if thinkingOpen {
			em.thinkingEnd()
			thinkingOpen = false
		}
	}

	for chunk := range stream {
		switch c := chunk.(type) {
		case *llm.ThinkingChunk:
			thinking.WriteString(c.Content)
		case *llm.TextChunk:
			closeThinking()
			if !messageOpen {
				em.messageStart()
				messageOpen = true
			}
			em.messageDelta(c.Content)
			text.WriteString(c.Content)
		case *llm.ToolCallChunk:
			closeThinking()
			em.toolCall(c.CallID, c.Name, c.Arguments)
			out.toolCalls = append(out.toolCalls, llm.ToolCall{
				ID: c.CallID, Name: c.Name, Arguments: c.Arguments,
			})
		case *llm.UsageChunk:
			out.usage = c
		case *llm.ErrorChunk:
			out.errChunk = c
		}
	}
	if out.errChunk == nil {
		closeThinking()
		if messageOpen {
			em.messageEnd()
		}
	}
	out.text = text.String()
	out.thinking = thinking.String()

	if r.metrics != nil {
		r.metrics.LLMRequestSeconds.WithLabelValues(r.cfg.Provider).
			Observe(time.Since(start).Seconds())
	}
	return out, nil
}

type turnResult struct {
	text      string
	thinking  string
	toolCalls []llm.ToolCall
	usage     *llm.UsageChunk
	errChunk  *llm.ErrorChunk
}

// settle replaces the turn's reservation with actuals. Providers that report
// usage win; otherwise consumption is re-estimated from the prompt plus what
// actually streamed, so an interrupted turn is not charged the full pad.
func (r *Runner) settle(token string, promptTokens int, turn *turnResult, res *RunResult) {
	actual := 0
	switch {
	case turn.usage != nil && turn.usage.TotalTokens > 0:
		actual = turn.usage.TotalTokens
	default:
		actual = promptTokens + r.estimator.Count(turn.text) + r.estimator.Count(turn.thinking)
		for _, tc := range turn.toolCalls {
			actual += r.estimator.Count(tc.Name) + r.estimator.Count(tc.Arguments)
		}
	}
	if err := r.budget.Settle(token, actual); err != nil {
		r.logger.Warn("Budget settle failed", "error", err)
	}
	res.TokensUsed += actual

	if r.metrics != nil && turn.usage != nil {
		r.metrics.LLMTokens.WithLabelValues(r.cfg.Provider, "prompt").
			Add(float64(turn.usage.InputTokens))
		r.metrics.LLMTokens.WithLabelValues(r.cfg.Provider, "completion").
			Add(float64(turn.usage.OutputTokens))
	}
}

func (r *Runner) finishRefused(em *emitter, res *RunResult, err error) {
	if errors.Is(err, budget.ErrRefused) {
		em.runError(codeBudgetExhausted, "Token budget exhausted, try again later.", "")
		res.Termination = models.TerminationBudgetExhausted
		return
	}
	corr := uuid.New().String()
	r.logger.Error("Budget admission failed", "correlation_id", corr, "error", err)
	em.runError(codeInternal, "Budget admission failed.", corr)
	res.Termination = models.TerminationToolErrorFatal
}

func (r *Runner) finishCancelled(em *emitter, res *RunResult) {
	em.runError(codeCancelled, "Run cancelled.", "")
	res.Termination = models.TerminationCancelled
}

func (r *Runner) persist(p RunParams, res *RunResult, startedAt time.Time) {
	if r.conversations == nil {
		return
	}
	id := p.ConversationID
	if id == "" {
		id = p.RunID
	}
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:          id,
		Initiator:   p.Initiator,
		Priority:    p.Priority,
		Transcript:  encodeTranscript(res.Messages),
		Termination: res.Termination,
		TokensUsed:  res.TokensUsed,
		Steps:       res.Steps,
		CreatedAt:   startedAt,
		CompletedAt: &now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.conversations.Save(ctx, conv); err != nil {
		r.logger.Error("Failed to persist conversation",
			"conversation_id", id, "error", err)
	}
}

// latestUserText returns the content of the newest user message, which seeds
// the run_start delta (investigation clients render it as the trigger).
func latestUserText(msgs []llm.ConversationMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

// toolResultInfo converts a dispatch result into its delta payload.
func toolResultInfo(res *tools.ToolResult) *bus.ToolResultInfo {
	info := &bus.ToolResultInfo{
		CallID:      res.CallID,
		Tool:        res.Name,
		DisplayType: string(res.DisplayType),
		IsError:     res.IsError,
		ErrorCode:   res.Code,
	}
	var payload any
	if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
		return info
	}
	if res.IsError {
		if m, ok := payload.(map[string]any); ok {
			if msg, ok := m["message"].(string); ok {
				info.Message = msg
			}
		}
		return info
	}
	info.Payload = payload
	return info
}

// emitter publishes a run's deltas with a monotonic sequence. Runs are
// single-goroutine, so no locking is needed.
type emitter struct {
	bus       *bus.Bus
	runID     string
	initiator string
	seq       int64
}

func (em *emitter) emit(kind bus.DeltaKind, fill func(*bus.RunDelta)) {
	em.seq++
	d := &bus.RunDelta{
		RunID:     em.runID,
		Initiator: em.initiator,
		Seq:       em.seq,
		Kind:      kind,
	}
	if fill != nil {
		fill(d)
	}
	em.bus.Publish(bus.TopicReactDelta, d)
}

func (em *emitter) runStart(text string) {
	em.emit(bus.DeltaRunStart, func(d *bus.RunDelta) { d.Text = text })
}

func (em *emitter) thinkingStart() { em.emit(bus.DeltaThinkingStart, nil) }
func (em *emitter) thinkingEnd()   { em.emit(bus.DeltaThinkingEnd, nil) }
func (em *emitter) messageStart()  { em.emit(bus.DeltaMessageStart, nil) }
func (em *emitter) messageEnd()    { em.emit(bus.DeltaMessageEnd, nil) }

func (em *emitter) messageDelta(text string) {
	em.emit(bus.DeltaMessageChunk, func(d *bus.RunDelta) { d.Text = text })
}

func (em *emitter) toolCall(callID, tool, args string) {
	em.emit(bus.DeltaToolCall, func(d *bus.RunDelta) {
		d.ToolCall = &bus.ToolCallInfo{CallID: callID, Tool: tool, Arguments: args}
	})
}

func (em *emitter) toolResult(info *bus.ToolResultInfo) {
	em.emit(bus.DeltaToolResult, func(d *bus.RunDelta) { d.ToolResult = info })
}

func (em *emitter) runError(code, message, correlationID string) {
	em.emit(bus.DeltaRunError, func(d *bus.RunDelta) {
		d.Error = &bus.RunError{Code: code, Message: message, CorrelationID: correlationID}
	})
}

func (em *emitter) runEnd(summary *bus.RunSummary) {
	em.emit(bus.DeltaRunEnd, func(d *bus.RunDelta) { d.Summary = summary })
}
