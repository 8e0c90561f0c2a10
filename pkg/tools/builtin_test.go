package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precious112/Argus/pkg/models"
)

func TestRegisterBuiltinsFullSet(t *testing.T) {
	reg := NewRegistry()
	err := RegisterBuiltins(reg, BuiltinDeps{
		Series:  newSeries(t),
		Alerts:  newStubDirectory(),
		Runner:  &stubRunner{outcome: executedOutcome()},
		LogRoot: t.TempDir(),
	})
	require.NoError(t, err)

	want := []string{
		"system_metrics", "process_list",
		"log_search", "log_tail",
		"query_traces", "query_slow_traces", "query_request_metrics",
		"query_error_analysis", "query_dependencies", "query_deploys",
		"list_alerts", "acknowledge_alert",
		"run_command", "restart_service", "kill_process",
	}
	assert.Equal(t, want, reg.Names())

	defs := reg.Definitions()
	require.Len(t, defs, len(want))
	for _, def := range defs {
		assert.NotEmpty(t, def.Description, "tool %s has no description", def.Name)
		assert.NotEmpty(t, def.ParametersSchema, "tool %s has no schema", def.Name)
	}
}

func TestRegisterBuiltinsSkipsUnwiredGroups(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, BuiltinDeps{LogRoot: t.TempDir()}))

	names := reg.Names()
	assert.Equal(t, []string{"system_metrics", "process_list", "log_search", "log_tail"}, names)
	for _, gone := range []string{"query_traces", "list_alerts", "run_command"} {
		_, ok := reg.Get(gone)
		assert.False(t, ok, "%s should not be registered without its dependency", gone)
	}
}

func TestBuiltinRiskAssignments(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, BuiltinDeps{
		Series:  newSeries(t),
		Alerts:  newStubDirectory(),
		Runner:  &stubRunner{outcome: executedOutcome()},
		LogRoot: t.TempDir(),
	}))

	gated := map[string]models.RiskLevel{
		"run_command":     models.RiskHigh,
		"restart_service": models.RiskMedium,
		"kill_process":    models.RiskHigh,
	}
	for name, want := range gated {
		spec, ok := reg.Get(name)
		require.True(t, ok)
		assert.Equal(t, want, spec.Risk)
		assert.True(t, spec.Risk.RequiresApproval(), "%s must require approval", name)
	}

	for _, name := range []string{
		"system_metrics", "process_list", "log_search", "log_tail",
		"query_traces", "query_slow_traces", "query_request_metrics",
		"query_error_analysis", "query_dependencies", "query_deploys", "list_alerts",
	} {
		spec, ok := reg.Get(name)
		require.True(t, ok)
		assert.Equal(t, models.RiskReadOnly, spec.Risk, "%s should be read-only", name)
		assert.False(t, spec.Risk.RequiresApproval())
	}

	ack, ok := reg.Get("acknowledge_alert")
	require.True(t, ok)
	assert.Equal(t, models.RiskLow, ack.Risk)
	assert.False(t, ack.Risk.RequiresApproval())
}
