// Package actions gates side-effecting commands behind operator approval and
// executes the approved ones. Tool handlers submit a command and suspend; the
// engine classifies it against an allowlist, collects a decision over the
// push layer, runs it in a no-shell sandbox, and audits every transition.
package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gobwas/glob"

	"github.com/precious112/Argus/pkg/models"
)

// ExecTimeout bounds how long an approved command may run.
const ExecTimeout = 30 * time.Second

// maxCapturedOutput caps the stdout and stderr kept from a command. The push
// layer applies a tighter cap for broadcast payloads; the requesting tool
// sees up to this much.
const maxCapturedOutput = 10_000

// Refusal reasons. Both are soft from the reasoning loop's point of view:
// the tool reports them as data and the run continues.
var (
	ErrBlocked    = errors.New("command blocked by safety filter")
	ErrNotAllowed = errors.New("command not in the allowlist")
)

// blocklist entries are refused wherever they appear in a command, before
// and regardless of approval.
var blocklist = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	"chmod -R 777 /",
	"> /dev/sd",
	":(){", // fork bomb
}

// Rule maps a command glob to the risk of running a matching command.
type Rule struct {
	Pattern string
	Risk    models.RiskLevel
}

// DefaultAllowlist enumerates every command shape the engine will run at
// all. First match wins; unmatched commands are refused outright.
func DefaultAllowlist() []Rule {
	return []Rule{
		// Read-only diagnostics.
		{"df *", models.RiskReadOnly},
		{"free *", models.RiskReadOnly},
		{"uptime", models.RiskReadOnly},
		{"ps *", models.RiskReadOnly},
		{"top -b -n 1*", models.RiskReadOnly},
		{"cat /proc/*", models.RiskReadOnly},
		{"ls *", models.RiskReadOnly},
		{"netstat *", models.RiskReadOnly},
		{"ss *", models.RiskReadOnly},
		{"ip *", models.RiskReadOnly},
		{"dig *", models.RiskReadOnly},
		{"nslookup *", models.RiskReadOnly},
		{"ping -c *", models.RiskReadOnly},
		{"curl *", models.RiskReadOnly},
		{"journalctl *", models.RiskReadOnly},
		{"systemctl status *", models.RiskReadOnly},
		{"docker ps*", models.RiskReadOnly},
		{"docker logs *", models.RiskReadOnly},

		{"echo *", models.RiskLow},

		// Service lifecycle.
		{"systemctl restart *", models.RiskMedium},
		{"systemctl reload *", models.RiskMedium},
		{"docker restart *", models.RiskMedium},
		{"docker stop *", models.RiskMedium},
		{"docker start *", models.RiskMedium},
		{"service * restart", models.RiskMedium},
		{"service * reload", models.RiskMedium},

		// Process control and targeted deletion.
		{"kill *", models.RiskHigh},
		{"pkill *", models.RiskHigh},
		{"find * -delete", models.RiskHigh},
		{"find * -exec rm *", models.RiskHigh},

		// Destructive.
		{"rm -rf *", models.RiskCritical},
		{"rm -r *", models.RiskCritical},
		{"reboot", models.RiskCritical},
		{"shutdown *", models.RiskCritical},
	}
}

type compiledRule struct {
	matcher glob.Glob
	risk    models.RiskLevel
}

// Sandbox classifies commands against an allowlist and runs approved ones
// via direct exec, never through a shell.
type Sandbox struct {
	rules   []compiledRule
	timeout time.Duration
}

// NewSandbox compiles an allowlist into a sandbox. Nil rules means
// DefaultAllowlist; a non-positive timeout means ExecTimeout.
func NewSandbox(rules []Rule, timeout time.Duration) (*Sandbox, error) {
	if rules == nil {
		rules = DefaultAllowlist()
	}
	if timeout <= 0 {
		timeout = ExecTimeout
	}
	s := &Sandbox{timeout: timeout, rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if !r.Risk.Valid() {
			return nil, fmt.Errorf("allowlist pattern %q: unknown risk %q", r.Pattern, r.Risk)
		}
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile allowlist pattern %q: %w", r.Pattern, err)
		}
		s.rules = append(s.rules, compiledRule{matcher: g, risk: r.Risk})
	}
	return s, nil
}

// Classify returns the risk of running command. ErrBlocked means a blocklist
// substring matched, ErrNotAllowed that no allowlist rule did; refused
// commands classify as CRITICAL.
func (s *Sandbox) Classify(command []string) (models.RiskLevel, error) {
	joined := strings.Join(command, " ")
	for _, sub := range blocklist {
		if strings.Contains(joined, sub) {
			return models.RiskCritical, fmt.Errorf("%w: matches %q", ErrBlocked, sub)
		}
	}
	for _, r := range s.rules {
		if r.matcher.Match(joined) {
			return r.risk, nil
		}
	}
	return models.RiskCritical, ErrNotAllowed
}

// Execute runs an already-approved command and captures its outcome. The
// result always has Duration and FinishedAt set; Err is non-empty when the
// command could not run to completion. A non-zero exit code is not an Err,
// it is data for the caller.
func (s *Sandbox) Execute(ctx context.Context, command []string) *models.ActionResult {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	res := &models.ActionResult{
		Stdout:     truncate(stdout.String(), maxCapturedOutput),
		Stderr:     truncate(stderr.String(), maxCapturedOutput),
		Duration:   time.Since(start),
		FinishedAt: time.Now().UTC(),
	}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Err = "command cancelled before completion"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Err = fmt.Sprintf("command timed out after %s", s.timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err.Error()
		}
	}
	return res
}

// truncate caps s at n bytes, backing up so a multi-byte rune is never
// split mid-sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n... (truncated)"
}
