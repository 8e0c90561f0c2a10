package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/precious112/Argus/pkg/models"
)

// commandTimeout covers the approval wait plus execution, so it must be
// longer than the plain dispatch default.
const commandTimeout = 3 * time.Minute

const runCommandSchema = `{
	"type": "object",
	"properties": {
		"command": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 1,
			"description": "Command and arguments as an argv array, e.g. [\"df\", \"-h\"]. No shell interpretation."
		},
		"description": {
			"type": "string",
			"description": "What the command is for, shown to the approver"
		}
	},
	"required": ["command"]
}`

const restartServiceSchema = `{
	"type": "object",
	"properties": {
		"service": {
			"type": "string",
			"pattern": "^[A-Za-z0-9@._:-]+$",
			"description": "systemd unit name, e.g. nginx or postgresql"
		}
	},
	"required": ["service"]
}`

const killProcessSchema = `{
	"type": "object",
	"properties": {
		"pid": {
			"type": "integer",
			"minimum": 1,
			"description": "Process ID to signal"
		},
		"signal": {
			"type": "integer",
			"enum": [15, 9],
			"description": "Signal number: 15 (SIGTERM, default) or 9 (SIGKILL)",
			"default": 15
		}
	},
	"required": ["pid"]
}`

func registerCommandTools(reg *Registry, runner CommandRunner) error {
	specs := []Spec{
		{
			Name: "run_command",
			Description: "Run an arbitrary command on the host. Requires operator approval " +
				"before anything executes.",
			ParametersSchema: runCommandSchema,
			Risk:             models.RiskHigh,
			DisplayType:      DisplayCommandOutput,
			Timeout:          commandTimeout,
			Handler:          runCommandHandler(runner),
		},
		{
			Name:             "restart_service",
			Description:      "Restart a systemd service. Requires operator approval.",
			ParametersSchema: restartServiceSchema,
			Risk:             models.RiskMedium,
			DisplayType:      DisplayCommandOutput,
			Timeout:          commandTimeout,
			Handler:          restartServiceHandler(runner),
		},
		{
			Name: "kill_process",
			Description: "Send a termination signal to a process. Not reversible. " +
				"Requires operator approval.",
			ParametersSchema: killProcessSchema,
			Risk:             models.RiskHigh,
			DisplayType:      DisplayCommandOutput,
			Timeout:          commandTimeout,
			Handler:          killProcessHandler(runner),
		},
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func runCommandHandler(runner CommandRunner) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		command := stringSliceArg(args, "command")
		if len(command) == 0 {
			return nil, Errorf(CodeInvalidArguments, "command must be a non-empty argv array")
		}
		description := stringArg(args, "description", "")
		if description == "" {
			description = "Run: " + strings.Join(command, " ")
		}
		return submitCommand(ctx, runner, CommandRequest{
			Tool:        "run_command",
			Command:     command,
			Description: description,
			Risk:        models.RiskHigh,
		})
	}
}

func restartServiceHandler(runner CommandRunner) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		service := stringArg(args, "service", "")
		return submitCommand(ctx, runner, CommandRequest{
			Tool:        "restart_service",
			Command:     []string{"systemctl", "restart", service},
			Description: fmt.Sprintf("Restart the %s service", service),
			Risk:        models.RiskMedium,
			Reversible:  true,
		})
	}
}

func killProcessHandler(runner CommandRunner) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		pid := intArg(args, "pid", 0)
		signal := intArg(args, "signal", 15)
		return submitCommand(ctx, runner, CommandRequest{
			Tool:        "kill_process",
			Command:     []string{"kill", fmt.Sprintf("-%d", signal), strconv.Itoa(pid)},
			Description: fmt.Sprintf("Send signal %d to PID %d", signal, pid),
			Risk:        models.RiskHigh,
		})
	}
}

// submitCommand routes a command through the approval engine and maps the
// outcome onto a payload. Denials and timeouts are ordinary results; the
// reasoning loop is expected to read them and move on.
func submitCommand(ctx context.Context, runner CommandRunner, req CommandRequest) (*Result, error) {
	req.RunID = MetaFrom(ctx).RunID
	outcome, err := runner.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Payload: commandPayload(outcome)}, nil
}

func commandPayload(o *CommandOutcome) map[string]any {
	p := map[string]any{
		"status":    string(o.State),
		"action_id": o.ActionID,
	}
	switch o.State {
	case models.ActionExecuted:
		p["exit_code"] = o.ExitCode
		p["stdout"] = o.Stdout
		p["stderr"] = o.Stderr
		p["duration_ms"] = o.Duration.Milliseconds()
	case models.ActionFailed:
		p["error"] = o.Reason
		p["exit_code"] = o.ExitCode
		if o.Stderr != "" {
			p["stderr"] = o.Stderr
		}
	default:
		p["reason"] = o.Reason
	}
	return p
}
