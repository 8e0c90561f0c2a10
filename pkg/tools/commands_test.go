package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precious112/Argus/pkg/models"
)

type stubRunner struct {
	lastReq CommandRequest
	outcome *CommandOutcome
	err     error
}

func (s *stubRunner) Submit(ctx context.Context, req CommandRequest) (*CommandOutcome, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.outcome, nil
}

func commandRegistry(t *testing.T, runner CommandRunner) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, registerCommandTools(reg, runner))
	return reg
}

func executedOutcome() *CommandOutcome {
	return &CommandOutcome{
		ActionID: "act-1",
		State:    models.ActionExecuted,
		ExitCode: 0,
		Stdout:   "Filesystem ...",
		Duration: 120 * time.Millisecond,
	}
}

func TestCommandToolsDeclareApprovalGates(t *testing.T) {
	reg := commandRegistry(t, &stubRunner{outcome: executedOutcome()})

	run, _ := reg.Get("run_command")
	assert.Equal(t, models.RiskHigh, run.Risk)
	assert.True(t, run.Risk.RequiresApproval())
	assert.Equal(t, commandTimeout, run.Timeout)

	restart, _ := reg.Get("restart_service")
	assert.Equal(t, models.RiskMedium, restart.Risk)
	assert.Equal(t, commandTimeout, restart.Timeout)

	kill, _ := reg.Get("kill_process")
	assert.Equal(t, models.RiskHigh, kill.Risk)
	assert.Equal(t, DisplayCommandOutput, kill.DisplayType)
}

func TestRunCommandSubmission(t *testing.T) {
	runner := &stubRunner{outcome: executedOutcome()}
	reg := commandRegistry(t, runner)
	d, _ := newTestDispatcher(t, reg)

	res, err := d.Execute(context.Background(), Call{
		ID: "c-1", RunID: "run-7", Name: "run_command",
		Arguments: `{"command": ["df", "-h"]}`,
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	assert.Equal(t, []string{"df", "-h"}, runner.lastReq.Command)
	assert.Equal(t, "run_command", runner.lastReq.Tool)
	assert.Equal(t, models.RiskHigh, runner.lastReq.Risk)
	assert.Equal(t, "run-7", runner.lastReq.RunID)
	assert.Equal(t, "Run: df -h", runner.lastReq.Description)
	assert.False(t, runner.lastReq.Reversible)

	payload := decodeContent(t, res)
	assert.Equal(t, "executed", payload["status"])
	assert.Equal(t, "act-1", payload["action_id"])
	assert.Equal(t, float64(0), payload["exit_code"])
	assert.Equal(t, float64(120), payload["duration_ms"])
}

func TestRunCommandRequiresArgv(t *testing.T) {
	runner := &stubRunner{outcome: executedOutcome()}
	reg := commandRegistry(t, runner)
	spec, _ := reg.Get("run_command")

	_, err := spec.Handler(context.Background(), map[string]any{})
	require.Error(t, err)
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeInvalidArguments, terr.Code)
}

func TestRestartServiceBuildsArgv(t *testing.T) {
	runner := &stubRunner{outcome: &CommandOutcome{
		ActionID: "act-2", State: models.ActionRejected, Reason: "not during the deploy freeze",
	}}
	reg := commandRegistry(t, runner)
	spec, _ := reg.Get("restart_service")

	res, err := spec.Handler(context.Background(), map[string]any{"service": "nginx"})
	require.NoError(t, err)

	assert.Equal(t, []string{"systemctl", "restart", "nginx"}, runner.lastReq.Command)
	assert.Equal(t, models.RiskMedium, runner.lastReq.Risk)
	assert.True(t, runner.lastReq.Reversible)
	assert.Equal(t, "Restart the nginx service", runner.lastReq.Description)

	assert.Equal(t, "rejected", res.Payload["status"])
	assert.Equal(t, "not during the deploy freeze", res.Payload["reason"])
}

func TestKillProcessBuildsArgv(t *testing.T) {
	runner := &stubRunner{outcome: executedOutcome()}
	reg := commandRegistry(t, runner)
	spec, _ := reg.Get("kill_process")

	_, err := spec.Handler(context.Background(), map[string]any{"pid": float64(4242)})
	require.NoError(t, err)
	assert.Equal(t, []string{"kill", "-15", "4242"}, runner.lastReq.Command)
	assert.False(t, runner.lastReq.Reversible)

	_, err = spec.Handler(context.Background(), map[string]any{"pid": float64(4242), "signal": float64(9)})
	require.NoError(t, err)
	assert.Equal(t, []string{"kill", "-9", "4242"}, runner.lastReq.Command)
}

func TestCommandOutcomePayloads(t *testing.T) {
	cases := []struct {
		name    string
		outcome *CommandOutcome
		wantKey string
		wantVal any
	}{
		{
			name: "timed out",
			outcome: &CommandOutcome{ActionID: "a", State: models.ActionTimedOut,
				Reason: "no operator decision within the approval window"},
			wantKey: "reason",
			wantVal: "no operator decision within the approval window",
		},
		{
			name: "failed",
			outcome: &CommandOutcome{ActionID: "a", State: models.ActionFailed,
				ExitCode: 1, Stderr: "unit not found", Reason: "command exited 1"},
			wantKey: "error",
			wantVal: "command exited 1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := commandPayload(tc.outcome)
			assert.Equal(t, string(tc.outcome.State), p["status"])
			assert.Equal(t, tc.wantVal, p[tc.wantKey])
		})
	}
}
