package tools

import "github.com/precious112/Argus/pkg/timeseries"

// BuiltinDeps collects what the built-in tools need. A nil member disables
// the tool group depending on it, so a degraded deployment never advertises
// tools that cannot work.
type BuiltinDeps struct {
	Series  *timeseries.Store
	Alerts  AlertDirectory
	Runner  CommandRunner
	LogRoot string
}

// RegisterBuiltins installs the built-in tool set: host inspection, log
// access, telemetry queries, alert management, and gated commands.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	if err := registerSystemTools(reg, deps.Series); err != nil {
		return err
	}
	if err := registerLogTools(reg, deps.LogRoot); err != nil {
		return err
	}
	if deps.Series != nil {
		if err := registerQueryTools(reg, deps.Series); err != nil {
			return err
		}
	}
	if deps.Alerts != nil {
		if err := registerAlertTools(reg, deps.Alerts); err != nil {
			return err
		}
	}
	if deps.Runner != nil {
		if err := registerCommandTools(reg, deps.Runner); err != nil {
			return err
		}
	}
	return nil
}
