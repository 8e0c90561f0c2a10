package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/precious112/Argus/pkg/bus"
)

// chatSystemPrompt seeds interactive operator sessions.
const chatSystemPrompt = `## Argus Host Assistant

You are Argus, an SRE assistant watching over a single host. You have
tools for querying live metrics, searching logs, inspecting processes,
reviewing alerts, and (with operator approval) running commands.

Guidelines:
1. Ground every claim in tool output, not in assumptions
2. Prefer fresh data; query current readings when the question needs them
3. Be specific: name the process, the metric, the time window
4. If a remediation needs a command, propose it and let the approval flow decide
5. Keep answers concise; the operator is reading them in a terminal`

// investigationSystemPrompt seeds auto-investigation runs.
const investigationSystemPrompt = `## Argus Incident Investigator

You are Argus, an SRE agent investigating an alert that just fired on this
host. Work the incident the way an on-call engineer would:

1. Confirm the alert condition with fresh metric or log data
2. Identify the process or subsystem responsible
3. Look for the trigger: error bursts, resource exhaustion, recent deploys
4. Finish with a concise incident summary: root cause, evidence, and
   recommended remediation

Use tools for every factual claim. Do not run state-changing commands
unless they are clearly required and reversible.`

// conclusionPrompt forces a final text-only turn once the step cap is hit.
const conclusionPrompt = `You have reached the step limit for this run. Stop
investigating and write your final summary now, based only on what you have
already observed: findings, root cause if known, and recommended next steps.
Do not request any more tools.`

// unconfiguredReply is streamed verbatim when no LLM provider is set up.
const unconfiguredReply = "LLM provider not configured. Set your API key in " +
	"the configuration (ARGUS_LLM_API_KEY environment variable) and restart " +
	"the server."

// ChatSystemPrompt returns the system message for operator chat sessions.
func ChatSystemPrompt() string { return chatSystemPrompt }

// InvestigationSystemPrompt returns the system message for auto-investigations.
func InvestigationSystemPrompt() string { return investigationSystemPrompt }

// AlertBriefing renders the compact alert description that seeds an
// auto-investigation: rule, source, and the readings captured when it fired.
func AlertBriefing(fired *bus.AlertFired) string {
	a := fired.Alert
	var sb strings.Builder
	sb.WriteString("An alert fired on this host and needs investigation.\n\n")
	fmt.Fprintf(&sb, "Rule: %s\n", fired.RuleName)
	fmt.Fprintf(&sb, "Severity: %s\n", a.Severity)
	fmt.Fprintf(&sb, "Source: %s\n", a.Source)
	fmt.Fprintf(&sb, "Summary: %s\n", a.Summary)
	fmt.Fprintf(&sb, "Fired at: %s\n", a.Timestamp.UTC().Format(time.RFC3339))

	if ev := fired.Event; ev != nil && len(ev.Data) > 0 {
		sb.WriteString("\nReadings at alert time:\n")
		keys := make([]string, 0, len(ev.Data))
		for k := range ev.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %v\n", k, ev.Data[k])
		}
	}

	sb.WriteString("\nInvestigate the root cause and finish with an incident summary.")
	return sb.String()
}
