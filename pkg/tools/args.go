package tools

import (
	"math"
	"time"
)

// Argument accessors. Arguments arrive as a decoded JSON object, so numbers
// are float64 and arrays are []any; these helpers coerce with defaults.

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func floatArg(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// clampInt bounds v to [1, max], substituting def when v is unset or absurd.
func clampInt(v, def, max int) int {
	if v <= 0 {
		v = def
	}
	if v > max {
		v = max
	}
	return v
}

// resolveWindow converts since_minutes / since / until arguments into a
// concrete window. An explicit ISO since overrides the look-back; a zero
// until means now.
func resolveWindow(args map[string]any, defMinutes int) (time.Time, time.Time, error) {
	since := time.Now().UTC().Add(-time.Duration(intArg(args, "since_minutes", defMinutes)) * time.Minute)
	var until time.Time

	if s := stringArg(args, "since", ""); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, Errorf(CodeInvalidArguments, "since is not an RFC 3339 timestamp: %v", err)
		}
		since = t.UTC()
	}
	if s := stringArg(args, "until", ""); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, Errorf(CodeInvalidArguments, "until is not an RFC 3339 timestamp: %v", err)
		}
		until = t.UTC()
	}
	return since, until, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// pct picks the q-th percentile from an ascending-sorted slice, matching the
// nearest-rank convention the store uses.
func pct(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// Row value coercion for time-series query results.

func rowString(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func rowFloat(row map[string]any, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func rowTime(row map[string]any, key string) time.Time {
	if t, ok := row[key].(time.Time); ok {
		return t
	}
	return time.Time{}
}
