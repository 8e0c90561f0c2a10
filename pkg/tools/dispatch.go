package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/precious112/Argus/pkg/metrics"
)

const (
	// DefaultTimeout bounds a handler invocation unless the spec overrides it.
	DefaultTimeout = 30 * time.Second

	// maxResultBytes caps the encoded result size. Oversized results are
	// replaced with an error so a single call cannot flood the conversation.
	maxResultBytes = 64 << 10
)

// Dispatcher validates and executes tool calls against a registry. Tool
// failures come back as error results the model can observe; Execute returns
// a non-nil error only when the surrounding run is cancelled.
type Dispatcher struct {
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDefaultTimeout overrides the default handler timeout.
func WithDefaultTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// NewDispatcher wires a dispatcher to a registry.
func NewDispatcher(registry *Registry, m *metrics.Metrics, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		metrics:  m,
		logger:   logger.With("component", "tools"),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs one tool call end to end: argument validation, handler
// invocation under the timeout, and result encoding.
func (d *Dispatcher) Execute(ctx context.Context, call Call) (*ToolResult, error) {
	start := time.Now()
	res, err := d.dispatch(ctx, call)
	if err != nil {
		return nil, err
	}

	outcome := "ok"
	switch {
	case res.Code == CodeToolTimeout:
		outcome = "timeout"
	case res.IsError:
		outcome = "error"
	}
	d.metrics.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
	d.logger.Debug("tool dispatched",
		"tool", call.Name,
		"call_id", call.ID,
		"outcome", outcome,
		"duration", time.Since(start))
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, call Call) (*ToolResult, error) {
	tool, ok := d.registry.lookup(call.Name)
	if !ok {
		return errorResult(call, CodeUnknownTool, fmt.Sprintf("unknown tool %q", call.Name)), nil
	}
	spec := tool.spec

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return errorResult(call, CodeInvalidArguments, "arguments are not a JSON object: "+err.Error()), nil
		}
	}
	if tool.schema != nil {
		if err := tool.schema.Validate(args); err != nil {
			return errorResult(call, CodeInvalidArguments, "invalid arguments: "+err.Error()), nil
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	hctx := withMeta(ctx, CallMeta{CallID: call.ID, RunID: call.RunID, Tool: call.Name})
	hctx, cancel := context.WithTimeout(hctx, timeout)
	defer cancel()

	type handlerReturn struct {
		res *Result
		err error
	}
	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("tool handler panicked",
					"tool", call.Name, "panic", rec, "stack", string(debug.Stack()))
				done <- handlerReturn{err: Errorf(CodeToolFailed, "tool %s panicked: %v", call.Name, rec)}
			}
		}()
		res, err := spec.Handler(hctx, args)
		done <- handlerReturn{res: res, err: err}
	}()

	select {
	case <-hctx.Done():
		if ctx.Err() != nil {
			// The run itself is going away, not just this call.
			return nil, ctx.Err()
		}
		return errorResult(call, CodeToolTimeout,
			fmt.Sprintf("tool %s exceeded its %s timeout", call.Name, timeout)), nil
	case out := <-done:
		return d.encode(call, spec, out.res, out.err), nil
	}
}

func (d *Dispatcher) encode(call Call, spec Spec, res *Result, err error) *ToolResult {
	if err != nil {
		code := CodeToolFailed
		var terr *ToolError
		if errors.As(err, &terr) && terr.Code != "" {
			code = terr.Code
		}
		return errorResult(call, code, err.Error())
	}

	display := spec.DisplayType
	payload := map[string]any{}
	if res != nil {
		if res.DisplayType != "" {
			display = res.DisplayType
		}
		if res.Payload != nil {
			payload = res.Payload
		}
	}
	content, merr := json.Marshal(payload)
	if merr != nil {
		return errorResult(call, CodeToolFailed, "encode result: "+merr.Error())
	}
	if len(content) > maxResultBytes {
		d.logger.Warn("tool result over size limit", "tool", call.Name, "bytes", len(content))
		return errorResult(call, CodeResultTooLarge,
			fmt.Sprintf("tool result was %d bytes, over the %d byte limit; narrow the query",
				len(content), maxResultBytes))
	}
	return &ToolResult{
		CallID:      call.ID,
		Name:        call.Name,
		Content:     string(content),
		DisplayType: display,
	}
}

// Error results always render as a JSON tree; the declared display hint only
// applies to real payloads.
func errorResult(call Call, code, message string) *ToolResult {
	content, _ := json.Marshal(map[string]string{"code": code, "message": message})
	return &ToolResult{
		CallID:      call.ID,
		Name:        call.Name,
		Content:     string(content),
		IsError:     true,
		Code:        code,
		DisplayType: DisplayJSONTree,
	}
}
