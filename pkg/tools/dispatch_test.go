package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precious112/Argus/pkg/metrics"
	"github.com/precious112/Argus/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, reg *Registry) (*Dispatcher, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return NewDispatcher(reg, m, testLogger()), m
}

func decodeContent(t *testing.T, res *ToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	return out
}

func TestExecuteSuccess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name:             "echo",
		ParametersSchema: `{"type": "object", "properties": {"msg": {"type": "string"}}, "required": ["msg"]}`,
		Risk:             models.RiskReadOnly,
		DisplayType:      DisplayCodeBlock,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			return &Result{Payload: map[string]any{"msg": args["msg"]}}, nil
		},
	}))
	d, m := newTestDispatcher(t, reg)

	res, err := d.Execute(context.Background(), Call{ID: "c1", Name: "echo", Arguments: `{"msg": "hi"}`})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, "echo", res.Name)
	assert.Equal(t, DisplayCodeBlock, res.DisplayType)
	assert.Equal(t, "hi", decodeContent(t, res)["msg"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("echo", "ok")))
}

func TestExecuteUnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(t, NewRegistry())

	res, err := d.Execute(context.Background(), Call{ID: "c1", Name: "vanish"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, CodeUnknownTool, res.Code)
	assert.Equal(t, DisplayJSONTree, res.DisplayType)
	assert.Contains(t, decodeContent(t, res)["message"], "vanish")
}

func TestExecuteInvalidArguments(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name:             "strict",
		ParametersSchema: `{"type": "object", "properties": {"n": {"type": "integer"}}, "required": ["n"]}`,
		Risk:             models.RiskReadOnly,
		Handler:          nopHandler,
	}))
	d, m := newTestDispatcher(t, reg)

	res, err := d.Execute(context.Background(), Call{Name: "strict", Arguments: `{}`})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, CodeInvalidArguments, res.Code)

	res, err = d.Execute(context.Background(), Call{Name: "strict", Arguments: `{"n": "three"}`})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidArguments, res.Code)

	res, err = d.Execute(context.Background(), Call{Name: "strict", Arguments: `{broken`})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidArguments, res.Code)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("strict", "error")))
}

func TestExecuteEmptyArgumentsMeansEmptyObject(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name:             "lenient",
		ParametersSchema: `{"type": "object"}`,
		Risk:             models.RiskReadOnly,
		Handler:          nopHandler,
	}))
	d, _ := newTestDispatcher(t, reg)

	res, err := d.Execute(context.Background(), Call{Name: "lenient"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
}

func TestExecuteResultDisplayOverride(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name:        "shifty",
		Risk:        models.RiskReadOnly,
		DisplayType: DisplayJSONTree,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			return &Result{DisplayType: DisplayTable, Payload: map[string]any{}}, nil
		},
	}))
	d, _ := newTestDispatcher(t, reg)

	res, err := d.Execute(context.Background(), Call{Name: "shifty"})
	require.NoError(t, err)
	assert.Equal(t, DisplayTable, res.DisplayType)
}

func TestExecuteHandlerErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name: "plain",
		Risk: models.RiskReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			return nil, errors.New("disk exploded")
		},
	}))
	require.NoError(t, reg.Register(Spec{
		Name: "coded",
		Risk: models.RiskReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			return nil, Errorf(CodeInvalidArguments, "since is malformed")
		},
	}))
	d, _ := newTestDispatcher(t, reg)

	res, err := d.Execute(context.Background(), Call{Name: "plain"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, CodeToolFailed, res.Code)
	assert.Contains(t, decodeContent(t, res)["message"], "disk exploded")

	res, err = d.Execute(context.Background(), Call{Name: "coded"})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidArguments, res.Code)
}

func TestExecuteTimeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name:    "slow",
		Risk:    models.RiskReadOnly,
		Timeout: 30 * time.Millisecond,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	d, m := newTestDispatcher(t, reg)

	res, err := d.Execute(context.Background(), Call{Name: "slow"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, CodeToolTimeout, res.Code)
	assert.Contains(t, decodeContent(t, res)["message"], "timeout")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("slow", "timeout")))
}

func TestExecuteRunCancellation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name: "blocked",
		Risk: models.RiskReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	d, _ := newTestDispatcher(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := d.Execute(ctx, Call{Name: "blocked"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteHandlerPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name: "bomb",
		Risk: models.RiskReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			panic("boom")
		},
	}))
	d, _ := newTestDispatcher(t, reg)

	res, err := d.Execute(context.Background(), Call{Name: "bomb"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, CodeToolFailed, res.Code)
	assert.Contains(t, decodeContent(t, res)["message"], "panicked")
}

func TestExecuteResultTooLarge(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name: "firehose",
		Risk: models.RiskReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			return &Result{Payload: map[string]any{"blob": strings.Repeat("x", maxResultBytes+1)}}, nil
		},
	}))
	d, _ := newTestDispatcher(t, reg)

	res, err := d.Execute(context.Background(), Call{Name: "firehose"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, CodeResultTooLarge, res.Code)
}

func TestExecuteAttachesCallMeta(t *testing.T) {
	var seen CallMeta
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name: "introspect",
		Risk: models.RiskReadOnly,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			seen = MetaFrom(ctx)
			return &Result{Payload: map[string]any{}}, nil
		},
	}))
	d, _ := newTestDispatcher(t, reg)

	_, err := d.Execute(context.Background(), Call{ID: "call-9", RunID: "run-3", Name: "introspect"})
	require.NoError(t, err)
	assert.Equal(t, CallMeta{CallID: "call-9", RunID: "run-3", Tool: "introspect"}, seen)
}
