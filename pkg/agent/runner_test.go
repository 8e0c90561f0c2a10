package agent

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precious112/Argus/pkg/budget"
	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/llm"
	"github.com/precious112/Argus/pkg/metrics"
	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/storage"
	"github.com/precious112/Argus/pkg/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires a runner to a real bus, budget manager, and dispatcher so
// tests observe the same delta stream clients would.
type harness struct {
	bus    *bus.Bus
	sub    *bus.Subscription
	budget *budget.Manager
	runner *Runner
}

func newHarness(t *testing.T, client llm.Client, reg *tools.Registry, cfg Config, bcfg budget.Config, opts ...Option) *harness {
	t.Helper()
	b := bus.New()
	sub := b.Subscribe(bus.TopicReactDelta, "test", 256)
	t.Cleanup(sub.Unsubscribe)

	bm := budget.NewManager(bcfg, nil)
	bm.Start()
	t.Cleanup(bm.Stop)

	if reg == nil {
		reg = tools.NewRegistry()
	}
	m := metrics.New()
	disp := tools.NewDispatcher(reg, m, testLogger())
	return &harness{
		bus:    b,
		sub:    sub,
		budget: bm,
		runner: NewRunner(client, reg, disp, bm, b, m, testLogger(), cfg, opts...),
	}
}

func roomyBudget() budget.Config {
	return budget.Config{HourlyLimit: 1_000_000, DailyLimit: 10_000_000}
}

func smallConfig() Config {
	return Config{ResponsePad: 64, TurnTimeout: 5 * time.Second}
}

// collect drains the deltas already published. Run is synchronous and the
// bus enqueues before Publish returns, so no waiting is needed.
func (h *harness) collect(t *testing.T) []*bus.RunDelta {
	t.Helper()
	var out []*bus.RunDelta
	for {
		select {
		case msg := <-h.sub.C:
			d, ok := msg.Payload.(*bus.RunDelta)
			require.True(t, ok, "unexpected payload type on react.delta")
			out = append(out, d)
		default:
			return out
		}
	}
}

func kindsOf(deltas []*bus.RunDelta) []bus.DeltaKind {
	out := make([]bus.DeltaKind, len(deltas))
	for i, d := range deltas {
		out[i] = d.Kind
	}
	return out
}

func firstOf(deltas []*bus.RunDelta, kind bus.DeltaKind) *bus.RunDelta {
	for _, d := range deltas {
		if d.Kind == kind {
			return d
		}
	}
	return nil
}

func countOf(deltas []*bus.RunDelta, kind bus.DeltaKind) int {
	n := 0
	for _, d := range deltas {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

func metricsRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Spec{
		Name:        "query_metrics",
		Description: "Query recent metric readings.",
		Risk:        models.RiskReadOnly,
		DisplayType: tools.DisplayMetricsChart,
		Handler: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return &tools.Result{Payload: map[string]any{"cpu_percent": 97.2}}, nil
		},
	}))
	return reg
}

func chatParams(content string) RunParams {
	return RunParams{
		RunID:          "run-1",
		ConversationID: "run-1",
		Initiator:      bus.InitiatorChat,
		Priority:       models.PriorityRoutine,
		Messages: []llm.ConversationMessage{
			{Role: llm.RoleSystem, Content: chatSystemPrompt},
			{Role: llm.RoleUser, Content: content},
		},
	}
}

func TestRunFinalAnswer(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Chunk{
		&llm.TextChunk{Content: "The disk "},
		&llm.TextChunk{Content: "is full."},
		&llm.UsageChunk{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
	})
	h := newHarness(t, client, nil, smallConfig(), roomyBudget())

	res := h.runner.Run(context.Background(), chatParams("Why is the disk alert firing?"))

	assert.Equal(t, models.TerminationFinalAnswer, res.Termination)
	assert.Equal(t, "The disk is full.", res.FinalText)
	assert.Equal(t, 1, res.Steps)
	assert.Equal(t, 120, res.TokensUsed)
	assert.Equal(t, llm.RoleAssistant, res.Messages[len(res.Messages)-1].Role)

	deltas := h.collect(t)
	assert.Equal(t, []bus.DeltaKind{
		bus.DeltaRunStart,
		bus.DeltaThinkingStart,
		bus.DeltaThinkingEnd,
		bus.DeltaMessageStart,
		bus.DeltaMessageChunk,
		bus.DeltaMessageChunk,
		bus.DeltaMessageEnd,
		bus.DeltaRunEnd,
	}, kindsOf(deltas))

	end := deltas[len(deltas)-1]
	require.NotNil(t, end.Summary)
	assert.Equal(t, models.TerminationFinalAnswer, end.Summary.Termination)
	assert.Equal(t, 120, end.Summary.TokensUsed)

	st, err := h.budget.Status()
	require.NoError(t, err)
	assert.Equal(t, 120, st.HourlyUsed, "settle should replace the reservation with actuals")
	assert.Zero(t, st.Outstanding)
}

func TestRunSequenceIsMonotonic(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Chunk{
		&llm.TextChunk{Content: "ok"},
	})
	h := newHarness(t, client, nil, smallConfig(), roomyBudget())

	h.runner.Run(context.Background(), chatParams("hello"))

	deltas := h.collect(t)
	for i := 1; i < len(deltas); i++ {
		assert.Greater(t, deltas[i].Seq, deltas[i-1].Seq)
		assert.Equal(t, "run-1", deltas[i].RunID)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.Chunk{
			&llm.ThinkingChunk{Content: "need a reading"},
			&llm.ToolCallChunk{CallID: "call-1", Name: "query_metrics", Arguments: `{"name":"cpu_percent"}`},
			&llm.UsageChunk{TotalTokens: 80},
		},
		[]llm.Chunk{
			&llm.TextChunk{Content: "CPU is at 97%."},
			&llm.UsageChunk{TotalTokens: 60},
		},
	)
	h := newHarness(t, client, metricsRegistry(t), smallConfig(), roomyBudget())

	res := h.runner.Run(context.Background(), chatParams("How is the CPU?"))

	assert.Equal(t, models.TerminationFinalAnswer, res.Termination)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, 140, res.TokensUsed)

	deltas := h.collect(t)
	call := firstOf(deltas, bus.DeltaToolCall)
	require.NotNil(t, call)
	assert.Equal(t, "call-1", call.ToolCall.CallID)
	assert.Equal(t, "query_metrics", call.ToolCall.Tool)

	result := firstOf(deltas, bus.DeltaToolResult)
	require.NotNil(t, result)
	assert.Equal(t, "call-1", result.ToolResult.CallID)
	assert.Equal(t, string(tools.DisplayMetricsChart), result.ToolResult.DisplayType)
	assert.False(t, result.ToolResult.IsError)
	assert.Greater(t, result.Seq, call.Seq, "result must follow its call")

	// The observation went back into the conversation for the second turn.
	calls := client.Calls()
	require.Len(t, calls, 2)
	second := calls[1].Messages
	toolMsg := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "cpu_percent")

	// A turn with no text produces no message boundaries.
	assert.Equal(t, 1, countOf(deltas, bus.DeltaMessageStart))
	assert.Equal(t, 1, countOf(deltas, bus.DeltaMessageEnd))
}

func TestRunToolErrorIsObservedNotFatal(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Spec{
		Name:        "query_metrics",
		Description: "Query recent metric readings.",
		Risk:        models.RiskReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return nil, tools.Errorf(tools.CodeToolFailed, "store unavailable")
		},
	}))
	client := llm.NewScriptedClient(
		[]llm.Chunk{&llm.ToolCallChunk{CallID: "call-1", Name: "query_metrics", Arguments: `{}`}},
		[]llm.Chunk{&llm.TextChunk{Content: "Could not read metrics."}},
	)
	h := newHarness(t, client, reg, smallConfig(), roomyBudget())

	res := h.runner.Run(context.Background(), chatParams("check cpu"))

	assert.Equal(t, models.TerminationFinalAnswer, res.Termination)

	deltas := h.collect(t)
	result := firstOf(deltas, bus.DeltaToolResult)
	require.NotNil(t, result)
	assert.True(t, result.ToolResult.IsError)
	assert.Equal(t, tools.CodeToolFailed, result.ToolResult.ErrorCode)
	assert.Equal(t, "store unavailable", result.ToolResult.Message)
	assert.Nil(t, firstOf(deltas, bus.DeltaRunError))
}

func TestRunUnknownToolContinues(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.Chunk{&llm.ToolCallChunk{CallID: "call-1", Name: "no_such_tool", Arguments: `{}`}},
		[]llm.Chunk{&llm.TextChunk{Content: "That tool does not exist."}},
	)
	h := newHarness(t, client, nil, smallConfig(), roomyBudget())

	res := h.runner.Run(context.Background(), chatParams("do something"))

	assert.Equal(t, models.TerminationFinalAnswer, res.Termination)
	deltas := h.collect(t)
	result := firstOf(deltas, bus.DeltaToolResult)
	require.NotNil(t, result)
	assert.Equal(t, tools.CodeUnknownTool, result.ToolResult.ErrorCode)
}

func TestRunBudgetRefusalTerminatesCleanly(t *testing.T) {
	client := llm.NewScriptedClient()
	h := newHarness(t, client, nil, smallConfig(), budget.Config{HourlyLimit: 10, DailyLimit: 10})

	res := h.runner.Run(context.Background(), chatParams("hello"))

	assert.Equal(t, models.TerminationBudgetExhausted, res.Termination)
	assert.Zero(t, res.Steps)
	assert.Zero(t, res.TokensUsed)
	assert.Empty(t, client.Calls(), "refused turns must not reach the provider")

	deltas := h.collect(t)
	assert.Equal(t, []bus.DeltaKind{
		bus.DeltaRunStart, bus.DeltaRunError, bus.DeltaRunEnd,
	}, kindsOf(deltas))
	assert.Equal(t, "budget_exhausted", deltas[1].Error.Code)

	st, err := h.budget.Status()
	require.NoError(t, err)
	assert.Zero(t, st.HourlyUsed, "refusal must not consume budget")
}

func TestRunMaxStepsForcesSummary(t *testing.T) {
	toolTurn := []llm.Chunk{
		&llm.ToolCallChunk{CallID: "call-1", Name: "query_metrics", Arguments: `{}`},
		&llm.UsageChunk{TotalTokens: 50},
	}
	client := llm.NewScriptedClient(
		toolTurn,
		toolTurn,
		[]llm.Chunk{
			&llm.TextChunk{Content: "Summary: CPU saturated by process x."},
			&llm.UsageChunk{TotalTokens: 40},
		},
	)
	cfg := smallConfig()
	cfg.MaxSteps = 2
	h := newHarness(t, client, metricsRegistry(t), cfg, roomyBudget())

	res := h.runner.Run(context.Background(), chatParams("investigate"))

	assert.Equal(t, models.TerminationMaxSteps, res.Termination)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, 140, res.TokensUsed, "summary turn tokens still count")
	assert.Contains(t, res.FinalText, "Summary:")

	calls := client.Calls()
	require.Len(t, calls, 3)
	last := calls[2]
	assert.Empty(t, last.Tools, "summary turn must not offer tools")
	assert.Equal(t, conclusionPrompt, last.Messages[len(last.Messages)-1].Content)
}

func TestRunCancelMidStream(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Chunk{
		&llm.TextChunk{Content: "thinking about"},
		&llm.TextChunk{Content: " this at length"},
		&llm.TextChunk{Content: " and more"},
		&llm.TextChunk{Content: " and more"},
	})
	client.SetChunkDelay(40 * time.Millisecond)
	h := newHarness(t, client, nil, smallConfig(), roomyBudget())

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	start := time.Now()
	res := h.runner.Run(ctx, chatParams("ramble"))

	assert.Equal(t, models.TerminationCancelled, res.Termination)
	assert.Less(t, time.Since(start), 2*time.Second, "teardown must be bounded")

	deltas := h.collect(t)
	require.GreaterOrEqual(t, len(deltas), 3)
	assert.Equal(t, bus.DeltaRunEnd, deltas[len(deltas)-1].Kind)
	errDelta := deltas[len(deltas)-2]
	assert.Equal(t, bus.DeltaRunError, errDelta.Kind)
	assert.Equal(t, "cancelled", errDelta.Error.Code)
	assert.Equal(t, 1, countOf(deltas, bus.DeltaRunError))
	assert.Zero(t, countOf(deltas, bus.DeltaMessageEnd),
		"an interrupted message must not be closed")

	st, err := h.budget.Status()
	require.NoError(t, err)
	assert.Zero(t, st.Outstanding, "cancelled turns must still settle")
	assert.Equal(t, res.TokensUsed, st.HourlyUsed,
		"budget reflects only what the run consumed")
}

func TestRunProviderFailureIsFatal(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Chunk{
		&llm.ErrorChunk{Message: "upstream 500", Code: llm.CodeUpstreamUnavailable},
	})
	h := newHarness(t, client, nil, smallConfig(), roomyBudget())

	res := h.runner.Run(context.Background(), chatParams("hello"))

	assert.Equal(t, models.TerminationToolErrorFatal, res.Termination)

	deltas := h.collect(t)
	errDelta := firstOf(deltas, bus.DeltaRunError)
	require.NotNil(t, errDelta)
	assert.Equal(t, llm.CodeUpstreamUnavailable, errDelta.Error.Code)
	assert.NotEmpty(t, errDelta.Error.CorrelationID)
	assert.Equal(t, bus.DeltaRunEnd, deltas[len(deltas)-1].Kind)
}

func TestRunPersistsConversation(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewClient(ctx, storage.Config{
		Backend: storage.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "catalog.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := llm.NewScriptedClient([]llm.Chunk{
		&llm.TextChunk{Content: "All quiet."},
		&llm.UsageChunk{TotalTokens: 30},
	})
	h := newHarness(t, client, nil, smallConfig(), roomyBudget(),
		WithConversationStore(store.Conversations))

	p := chatParams("status?")
	p.ConversationID = "conv-9"
	h.runner.Run(ctx, p)

	conv, err := store.Conversations.Get(ctx, "conv-9")
	require.NoError(t, err)
	assert.Equal(t, bus.InitiatorChat, conv.Initiator)
	assert.Equal(t, models.TerminationFinalAnswer, conv.Termination)
	assert.Equal(t, 30, conv.TokensUsed)
	assert.Equal(t, 1, conv.Steps)
	assert.Contains(t, conv.Transcript, "All quiet.")
	assert.NotNil(t, conv.CompletedAt)
}

func TestRunStartCarriesTriggerText(t *testing.T) {
	client := llm.NewScriptedClient([]llm.Chunk{
		&llm.TextChunk{Content: "done"},
	})
	h := newHarness(t, client, nil, smallConfig(), roomyBudget())

	p := RunParams{
		RunID:     "run-inv",
		Initiator: bus.InitiatorInvestigation,
		Priority:  models.PriorityUrgent,
		Messages: []llm.ConversationMessage{
			{Role: llm.RoleSystem, Content: investigationSystemPrompt},
			{Role: llm.RoleUser, Content: "An alert fired on this host."},
		},
	}
	h.runner.Run(context.Background(), p)

	deltas := h.collect(t)
	require.NotEmpty(t, deltas)
	assert.Equal(t, bus.DeltaRunStart, deltas[0].Kind)
	assert.Equal(t, "An alert fired on this host.", deltas[0].Text)
	assert.Equal(t, bus.InitiatorInvestigation, deltas[0].Initiator)
}
