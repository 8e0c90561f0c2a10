package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go template
// syntax ({{.VAR_NAME}}) rather than $VAR. Literal $ characters are common
// in the file (regex patterns in log paths, passwords inside DSNs) and must
// survive untouched.
//
// Examples:
//   - {{.SLACK_BOT_TOKEN}} → value of SLACK_BOT_TOKEN
//   - postgres://argus:{{.PGPASSWORD}}@db/argus → password expanded
//   - pattern: "^err.*$" → preserved literally
//
// Missing variables expand to an empty string; validation catches required
// fields that end up empty. On a malformed template the original bytes are
// returned so the YAML parser can report the real problem.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("argus.yaml").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
