package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/precious112/Argus/pkg/models"
)

const (
	maxLogLine       = 500
	maxSearchResults = 100
	maxTailLines     = 200
	maxScanBuffer    = 1 << 20
)

const logSearchSchema = `{
	"type": "object",
	"properties": {
		"file": {
			"type": "string",
			"description": "Log file path, absolute or relative to the log root"
		},
		"pattern": {
			"type": "string",
			"description": "Regular expression to search for"
		},
		"case_insensitive": {
			"type": "boolean",
			"description": "Case-insensitive matching (default: true)",
			"default": true
		},
		"context_before": {
			"type": "integer",
			"minimum": 0,
			"maximum": 10,
			"description": "Lines of context before each match (default: 2)",
			"default": 2
		},
		"context_after": {
			"type": "integer",
			"minimum": 0,
			"maximum": 10,
			"description": "Lines of context after each match (default: 2)",
			"default": 2
		},
		"max_results": {
			"type": "integer",
			"minimum": 1,
			"description": "Max matches to return (default: 50, max: 100)",
			"default": 50
		}
	},
	"required": ["file", "pattern"]
}`

const logTailSchema = `{
	"type": "object",
	"properties": {
		"file": {
			"type": "string",
			"description": "Log file path, absolute or relative to the log root"
		},
		"lines": {
			"type": "integer",
			"minimum": 1,
			"description": "Number of trailing lines (default: 100, max: 200)",
			"default": 100
		}
	},
	"required": ["file"]
}`

func registerLogTools(reg *Registry, logRoot string) error {
	specs := []Spec{
		{
			Name: "log_search",
			Description: "Search a log file with a regex pattern. Returns matching lines " +
				"with surrounding context, like grep -B/-A.",
			ParametersSchema: logSearchSchema,
			Risk:             models.RiskReadOnly,
			DisplayType:      DisplayLogViewer,
			Handler:          logSearchHandler(logRoot),
		},
		{
			Name:             "log_tail",
			Description:      "Read the last N lines of a log file.",
			ParametersSchema: logTailSchema,
			Risk:             models.RiskReadOnly,
			DisplayType:      DisplayLogViewer,
			Handler:          logTailHandler(logRoot),
		},
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// boundContext keeps a context window in [0, 10]. Zero is a valid choice, so
// this cannot go through clampInt.
func boundContext(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// resolveLogPath confines file access to the log root. Relative paths are
// joined to the root; absolute paths must already live under it.
func resolveLogPath(root, p string) (string, bool) {
	if root == "" {
		root = "/var/log"
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(rootAbs, full)
	}
	full = filepath.Clean(full)
	if full != rootAbs && !strings.HasPrefix(full, rootAbs+string(os.PathSeparator)) {
		return "", false
	}
	return full, true
}

func openLogFile(root, name string) (*os.File, string, *Result) {
	path, ok := resolveLogPath(root, name)
	if !ok {
		return nil, "", softError(fmt.Sprintf("Access denied: %s is outside the log root", name))
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", softError(fmt.Sprintf("File not found: %s", path))
		}
		if os.IsPermission(err) {
			return nil, "", softError(fmt.Sprintf("Permission denied: %s", path))
		}
		return nil, "", softError(fmt.Sprintf("Failed to read %s: %v", path, err))
	}
	if info.IsDir() {
		return nil, "", softError(fmt.Sprintf("Not a file: %s", path))
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, "", softError(fmt.Sprintf("Permission denied: %s", path))
		}
		return nil, "", softError(fmt.Sprintf("Failed to open %s: %v", path, err))
	}
	return f, path, nil
}

type searchLine struct {
	LineNumber int    `json:"line_number"`
	Text       string `json:"text"`
	IsMatch    bool   `json:"is_match"`
}

type logMatch struct {
	LineNumber int          `json:"line_number"`
	Text       string       `json:"text"`
	Context    []searchLine `json:"context"`

	pendingAfter int
}

func logSearchHandler(logRoot string) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		file := stringArg(args, "file", "")
		pattern := stringArg(args, "pattern", "")
		caseInsensitive := boolArg(args, "case_insensitive", true)
		before := boundContext(intArg(args, "context_before", 2))
		after := boundContext(intArg(args, "context_after", 2))
		maxResults := clampInt(intArg(args, "max_results", 50), 50, maxSearchResults)

		if caseInsensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return softError(fmt.Sprintf("Invalid regex pattern: %v", err)), nil
		}

		f, path, soft := openLogFile(logRoot, file)
		if soft != nil {
			return soft, nil
		}
		defer f.Close()

		var (
			matches   []*logMatch
			open      []*logMatch
			ring      []searchLine
			lineNo    int
			truncated bool
		)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), maxScanBuffer)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			lineNo++
			text := scanner.Text()
			if len(text) > maxLogLine {
				text = text[:maxLogLine]
			}

			// Feed open after-context windows first so overlapping matches
			// each get their own view of this line.
			remaining := open[:0]
			for _, m := range open {
				m.Context = append(m.Context, searchLine{LineNumber: lineNo, Text: text})
				m.pendingAfter--
				if m.pendingAfter > 0 {
					remaining = append(remaining, m)
				}
			}
			open = remaining

			matched := re.MatchString(text)
			if matched && len(matches) < maxResults {
				m := &logMatch{LineNumber: lineNo, Text: text, pendingAfter: after}
				m.Context = append(m.Context, ring...)
				m.Context = append(m.Context, searchLine{LineNumber: lineNo, Text: text, IsMatch: true})
				matches = append(matches, m)
				if m.pendingAfter > 0 {
					open = append(open, m)
				}
			}

			if before > 0 {
				ring = append(ring, searchLine{LineNumber: lineNo, Text: text, IsMatch: matched})
				if len(ring) > before {
					ring = ring[1:]
				}
			}

			if len(matches) >= maxResults && len(open) == 0 {
				truncated = true
				break
			}
		}
		if err := scanner.Err(); err != nil {
			return softError(fmt.Sprintf("Failed to read %s: %v", path, err)), nil
		}

		if matches == nil {
			matches = []*logMatch{}
		}
		return &Result{Payload: map[string]any{
			"file":          path,
			"pattern":       stringArg(args, "pattern", ""),
			"matches_found": len(matches),
			"truncated":     truncated,
			"lines_scanned": lineNo,
			"matches":       matches,
		}}, nil
	}
}

type tailLine struct {
	LineNumber int    `json:"line_number"`
	Text       string `json:"text"`
}

func logTailHandler(logRoot string) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		file := stringArg(args, "file", "")
		n := clampInt(intArg(args, "lines", 100), 100, maxTailLines)

		f, path, soft := openLogFile(logRoot, file)
		if soft != nil {
			return soft, nil
		}
		defer f.Close()

		var (
			tail   []tailLine
			lineNo int
		)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), maxScanBuffer)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			lineNo++
			text := scanner.Text()
			if len(text) > maxLogLine {
				text = text[:maxLogLine]
			}
			tail = append(tail, tailLine{LineNumber: lineNo, Text: text})
			if len(tail) > n {
				tail = tail[1:]
			}
		}
		if err := scanner.Err(); err != nil {
			return softError(fmt.Sprintf("Failed to read %s: %v", path, err)), nil
		}

		if tail == nil {
			tail = []tailLine{}
		}
		return &Result{Payload: map[string]any{
			"file":        path,
			"total_lines": lineNo,
			"lines":       tail,
		}}, nil
	}
}
