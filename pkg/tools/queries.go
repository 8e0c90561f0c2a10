package tools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/timeseries"
)

// sampleLimit is how many rows a query tool pulls before grouping in process.
// It matches the store's own row cap, so a pull can never exceed it anyway.
const sampleLimit = 1000

const (
	maxGroupRows    = 50
	maxErrorMessage = 200
	traceLookback   = 7 * 24 * time.Hour
)

const queryTracesSchema = `{
	"type": "object",
	"properties": {
		"trace_id": {
			"type": "string",
			"description": "Fetch every span of one trace, assembled into a parent/child tree"
		},
		"service": {"type": "string", "description": "Filter by service name"},
		"name": {"type": "string", "description": "Filter by span name"},
		"status": {"type": "string", "enum": ["ok", "error"]},
		"min_duration_ms": {"type": "number", "minimum": 0, "description": "Only spans at least this slow"},
		"since_minutes": {"type": "integer", "minimum": 1, "description": "Look-back window (default: 60)", "default": 60},
		"since": {"type": "string", "description": "RFC 3339 window start, overrides since_minutes"},
		"until": {"type": "string", "description": "RFC 3339 window end (default: now)"},
		"limit": {"type": "integer", "minimum": 1, "description": "Max spans (default: 50, max: 200)", "default": 50}
	}
}`

const querySlowTracesSchema = `{
	"type": "object",
	"properties": {
		"service": {"type": "string", "description": "Filter by service name"},
		"since_minutes": {"type": "integer", "minimum": 1, "description": "Look-back window (default: 60)", "default": 60},
		"limit": {"type": "integer", "minimum": 1, "description": "Max spans in slowest_spans (default: 20, max: 100)", "default": 20}
	}
}`

const queryRequestMetricsSchema = `{
	"type": "object",
	"properties": {
		"service": {"type": "string", "description": "Filter by service name"},
		"path": {"type": "string", "description": "Filter by request path (substring match)"},
		"method": {"type": "string", "description": "Filter by HTTP method"},
		"since_minutes": {"type": "integer", "minimum": 1, "description": "Look-back window (default: 60)", "default": 60},
		"interval_minutes": {"type": "integer", "minimum": 1, "description": "Bucket width (default: 5)", "default": 5}
	}
}`

const queryErrorAnalysisSchema = `{
	"type": "object",
	"properties": {
		"service": {"type": "string", "description": "Filter by service name"},
		"since_minutes": {"type": "integer", "minimum": 1, "description": "Look-back window (default: 60)", "default": 60}
	}
}`

const queryDependenciesSchema = `{
	"type": "object",
	"properties": {
		"service": {"type": "string", "description": "Filter by calling service"},
		"dep_type": {"type": "string", "description": "Filter by dependency type, e.g. postgresql, redis, http"},
		"since_minutes": {"type": "integer", "minimum": 1, "description": "Look-back window (default: 60)", "default": 60}
	}
}`

const queryDeploysSchema = `{
	"type": "object",
	"properties": {
		"service": {"type": "string", "description": "Filter by service name"},
		"environment": {"type": "string", "description": "Filter by environment, e.g. production"},
		"since_minutes": {"type": "integer", "minimum": 1, "description": "Look-back window (default: 1440)", "default": 1440},
		"limit": {"type": "integer", "minimum": 1, "description": "Max deploys (default: 20, max: 100)", "default": 20}
	}
}`

func registerQueryTools(reg *Registry, series *timeseries.Store) error {
	specs := []Spec{
		{
			Name: "query_traces",
			Description: "Query distributed traces. Pass trace_id for one full trace as a span tree, " +
				"or filter recent spans by service, name, status, and duration.",
			ParametersSchema: queryTracesSchema,
			Risk:             models.RiskReadOnly,
			DisplayType:      DisplayJSONTree,
			Handler:          queryTracesHandler(series),
		},
		{
			Name: "query_slow_traces",
			Description: "Find the slowest spans in a window, plus per-operation latency " +
				"percentiles grouped by service and span name.",
			ParametersSchema: querySlowTracesSchema,
			Risk:             models.RiskReadOnly,
			DisplayType:      DisplayTable,
			Handler:          querySlowTracesHandler(series),
		},
		{
			Name: "query_request_metrics",
			Description: "HTTP request rate, error rate, and latency percentiles over time, " +
				"bucketed by interval. Built from server spans.",
			ParametersSchema: queryRequestMetricsSchema,
			Risk:             models.RiskReadOnly,
			DisplayType:      DisplayChart,
			Handler:          queryRequestMetricsHandler(series),
		},
		{
			Name: "query_error_analysis",
			Description: "Group recent exceptions by type with counts, first/last seen, " +
				"and a sample message.",
			ParametersSchema: queryErrorAnalysisSchema,
			Risk:             models.RiskReadOnly,
			DisplayType:      DisplayTable,
			Handler:          queryErrorAnalysisHandler(series),
		},
		{
			Name: "query_dependencies",
			Description: "Latency and error rates of outbound dependency calls (databases, " +
				"caches, HTTP), grouped by dependency and target.",
			ParametersSchema: queryDependenciesSchema,
			Risk:             models.RiskReadOnly,
			DisplayType:      DisplayTable,
			Handler:          queryDependenciesHandler(series),
		},
		{
			Name:             "query_deploys",
			Description:      "Recent deployment events, newest first. Useful for correlating incidents with releases.",
			ParametersSchema: queryDeploysSchema,
			Risk:             models.RiskReadOnly,
			DisplayType:      DisplayTable,
			Handler:          queryDeploysHandler(series),
		},
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

type spanNode struct {
	Timestamp    time.Time   `json:"timestamp"`
	TraceID      string      `json:"trace_id"`
	SpanID       string      `json:"span_id"`
	ParentSpanID string      `json:"parent_span_id,omitempty"`
	Service      string      `json:"service"`
	Name         string      `json:"name"`
	Kind         string      `json:"kind,omitempty"`
	DurationMS   float64     `json:"duration_ms"`
	Status       string      `json:"status"`
	ErrorType    string      `json:"error_type,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Children     []*spanNode `json:"children,omitempty"`
}

func spanFromRow(row map[string]any) *spanNode {
	return &spanNode{
		Timestamp:    rowTime(row, "timestamp"),
		TraceID:      rowString(row, "trace_id"),
		SpanID:       rowString(row, "span_id"),
		ParentSpanID: rowString(row, "parent_span_id"),
		Service:      rowString(row, "service"),
		Name:         rowString(row, "name"),
		Kind:         rowString(row, "kind"),
		DurationMS:   rowFloat(row, "duration_ms"),
		Status:       rowString(row, "status"),
		ErrorType:    rowString(row, "error_type"),
		ErrorMessage: rowString(row, "error_message"),
	}
}

func queryTracesHandler(series *timeseries.Store) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		if traceID := stringArg(args, "trace_id", ""); traceID != "" {
			return fetchTrace(ctx, series, traceID)
		}

		since, until, err := resolveWindow(args, 60)
		if err != nil {
			return nil, err
		}
		limit := clampInt(intArg(args, "limit", 50), 50, 200)
		minDuration := floatArg(args, "min_duration_ms", 0)

		filters := map[string]any{}
		for _, col := range []string{"service", "name", "status"} {
			if v := stringArg(args, col, ""); v != "" {
				filters[col] = v
			}
		}

		pull := limit
		if minDuration > 0 {
			pull = sampleLimit
		}
		res, err := series.Query(ctx, timeseries.QuerySpec{
			Kind:      timeseries.KindSpans,
			Filters:   filters,
			Since:     since,
			Until:     until,
			OrderDesc: true,
			Limit:     pull,
		})
		if err != nil {
			return nil, err
		}

		spans := make([]*spanNode, 0, limit)
		for _, row := range res.Rows {
			s := spanFromRow(row)
			if minDuration > 0 && s.DurationMS < minDuration {
				continue
			}
			spans = append(spans, s)
			if len(spans) == limit {
				break
			}
		}
		return &Result{Payload: map[string]any{
			"spans":     spans,
			"count":     len(spans),
			"truncated": res.Truncated || len(spans) == limit,
		}}, nil
	}
}

// fetchTrace assembles one trace into a tree. Spans whose parent is missing
// from the window (orphans) are promoted to roots rather than dropped.
func fetchTrace(ctx context.Context, series *timeseries.Store, traceID string) (*Result, error) {
	res, err := series.Query(ctx, timeseries.QuerySpec{
		Kind:    timeseries.KindSpans,
		Filters: map[string]any{"trace_id": traceID},
		Since:   time.Now().UTC().Add(-traceLookback),
		Limit:   sampleLimit,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return softError("No spans found for trace " + traceID), nil
	}

	byID := make(map[string]*spanNode, len(res.Rows))
	ordered := make([]*spanNode, 0, len(res.Rows))
	for _, row := range res.Rows {
		s := spanFromRow(row)
		byID[s.SpanID] = s
		ordered = append(ordered, s)
	}

	roots := make([]*spanNode, 0, 1)
	for _, s := range ordered {
		parent := byID[s.ParentSpanID]
		if s.ParentSpanID == "" || parent == nil || parent == s {
			roots = append(roots, s)
			continue
		}
		parent.Children = append(parent.Children, s)
	}

	return &Result{Payload: map[string]any{
		"trace_id":    traceID,
		"spans":       roots,
		"root_spans":  len(roots),
		"total_spans": len(ordered),
		"truncated":   res.Truncated,
	}}, nil
}

type slowSpan struct {
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id"`
	SpanID     string    `json:"span_id"`
	Service    string    `json:"service"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	Status     string    `json:"status"`
	ErrorType  string    `json:"error_type,omitempty"`
}

type spanGroup struct {
	Service    string  `json:"service"`
	Name       string  `json:"name"`
	Kind       string  `json:"kind,omitempty"`
	Count      int     `json:"count"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	P99MS      float64 `json:"p99_ms"`
	ErrorCount int     `json:"error_count"`
}

func querySlowTracesHandler(series *timeseries.Store) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		since, until, err := resolveWindow(args, 60)
		if err != nil {
			return nil, err
		}
		limit := clampInt(intArg(args, "limit", 20), 20, 100)

		filters := map[string]any{}
		if svc := stringArg(args, "service", ""); svc != "" {
			filters["service"] = svc
		}
		res, err := series.Query(ctx, timeseries.QuerySpec{
			Kind:      timeseries.KindSpans,
			Filters:   filters,
			Since:     since,
			Until:     until,
			OrderDesc: true,
			Limit:     sampleLimit,
		})
		if err != nil {
			return nil, err
		}

		spans := make([]*spanNode, 0, len(res.Rows))
		for _, row := range res.Rows {
			spans = append(spans, spanFromRow(row))
		}

		bySlowest := append([]*spanNode(nil), spans...)
		sort.Slice(bySlowest, func(i, j int) bool { return bySlowest[i].DurationMS > bySlowest[j].DurationMS })
		if len(bySlowest) > limit {
			bySlowest = bySlowest[:limit]
		}
		slowest := make([]slowSpan, 0, len(bySlowest))
		for _, s := range bySlowest {
			slowest = append(slowest, slowSpan{
				Timestamp:  s.Timestamp,
				TraceID:    s.TraceID,
				SpanID:     s.SpanID,
				Service:    s.Service,
				Name:       s.Name,
				Kind:       s.Kind,
				DurationMS: s.DurationMS,
				Status:     s.Status,
				ErrorType:  s.ErrorType,
			})
		}

		type acc struct {
			group     spanGroup
			durations []float64
		}
		groups := map[string]*acc{}
		for _, s := range spans {
			key := s.Service + "\x00" + s.Name + "\x00" + s.Kind
			a := groups[key]
			if a == nil {
				a = &acc{group: spanGroup{Service: s.Service, Name: s.Name, Kind: s.Kind}}
				groups[key] = a
			}
			a.durations = append(a.durations, s.DurationMS)
			if s.Status != "ok" {
				a.group.ErrorCount++
			}
		}
		summary := make([]spanGroup, 0, len(groups))
		for _, a := range groups {
			g := a.group
			g.Count = len(a.durations)
			g.AvgMS, g.P50MS, g.P95MS, g.P99MS = summarize(a.durations)
			summary = append(summary, g)
		}
		sort.Slice(summary, func(i, j int) bool { return summary[i].AvgMS > summary[j].AvgMS })
		if len(summary) > maxGroupRows {
			summary = summary[:maxGroupRows]
		}

		return &Result{Payload: map[string]any{
			"slowest_spans":   slowest,
			"summary_by_name": summary,
			"sample_size":     len(spans),
			"sampled":         res.Truncated,
		}}, nil
	}
}

type requestBucket struct {
	Bucket       time.Time `json:"bucket"`
	RequestCount int       `json:"request_count"`
	ErrorCount   int       `json:"error_count"`
	ErrorRate    float64   `json:"error_rate"`
	AvgMS        float64   `json:"avg_ms"`
	P50MS        float64   `json:"p50_ms"`
	P95MS        float64   `json:"p95_ms"`
	P99MS        float64   `json:"p99_ms"`
}

func queryRequestMetricsHandler(series *timeseries.Store) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		since, until, err := resolveWindow(args, 60)
		if err != nil {
			return nil, err
		}
		interval := time.Duration(clampInt(intArg(args, "interval_minutes", 5), 5, 1440)) * time.Minute
		pathFilter := stringArg(args, "path", "")
		methodFilter := strings.ToUpper(stringArg(args, "method", ""))

		filters := map[string]any{"kind": "server"}
		if svc := stringArg(args, "service", ""); svc != "" {
			filters["service"] = svc
		}
		res, err := series.Query(ctx, timeseries.QuerySpec{
			Kind:      timeseries.KindSpans,
			Filters:   filters,
			Since:     since,
			Until:     until,
			OrderDesc: true,
			Limit:     sampleLimit,
		})
		if err != nil {
			return nil, err
		}

		type acc struct {
			durations []float64
			errors    int
		}
		byBucket := map[time.Time]*acc{}
		totalRequests, totalErrors := 0, 0

		for _, row := range res.Rows {
			if pathFilter != "" || methodFilter != "" {
				var data map[string]any
				if raw := rowString(row, "data"); raw != "" {
					_ = json.Unmarshal([]byte(raw), &data)
				}
				if pathFilter != "" {
					p, _ := data["path"].(string)
					if !strings.Contains(p, pathFilter) {
						continue
					}
				}
				if methodFilter != "" {
					m, _ := data["method"].(string)
					if !strings.EqualFold(m, methodFilter) {
						continue
					}
				}
			}

			ts := rowTime(row, "timestamp").Truncate(interval)
			a := byBucket[ts]
			if a == nil {
				a = &acc{}
				byBucket[ts] = a
			}
			a.durations = append(a.durations, rowFloat(row, "duration_ms"))
			totalRequests++
			if rowString(row, "status") != "ok" {
				a.errors++
				totalErrors++
			}
		}

		keys := make([]time.Time, 0, len(byBucket))
		for k := range byBucket {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

		buckets := make([]requestBucket, 0, len(keys))
		for _, k := range keys {
			a := byBucket[k]
			b := requestBucket{
				Bucket:       k,
				RequestCount: len(a.durations),
				ErrorCount:   a.errors,
				ErrorRate:    ratePct(a.errors, len(a.durations)),
			}
			b.AvgMS, b.P50MS, b.P95MS, b.P99MS = summarize(a.durations)
			buckets = append(buckets, b)
		}

		return &Result{Payload: map[string]any{
			"interval_minutes": int(interval / time.Minute),
			"buckets":          buckets,
			"total_requests":   totalRequests,
			"total_errors":     totalErrors,
			"error_rate":       ratePct(totalErrors, totalRequests),
			"sampled":          res.Truncated,
		}}, nil
	}
}

type errorGroup struct {
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Count        int       `json:"count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Service      string    `json:"service"`
}

func queryErrorAnalysisHandler(series *timeseries.Store) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		since, until, err := resolveWindow(args, 60)
		if err != nil {
			return nil, err
		}

		filters := map[string]any{"event_type": "exception"}
		if svc := stringArg(args, "service", ""); svc != "" {
			filters["service"] = svc
		}
		res, err := series.Query(ctx, timeseries.QuerySpec{
			Kind:      timeseries.KindSDKEvents,
			Filters:   filters,
			Since:     since,
			Until:     until,
			OrderDesc: true,
			Limit:     sampleLimit,
		})
		if err != nil {
			return nil, err
		}

		groups := map[string]*errorGroup{}
		for _, row := range res.Rows {
			var data map[string]any
			if raw := rowString(row, "data"); raw != "" {
				_ = json.Unmarshal([]byte(raw), &data)
			}
			errType, _ := data["type"].(string)
			if errType == "" {
				errType = "Unknown"
			}
			service := rowString(row, "service")
			ts := rowTime(row, "timestamp")

			key := service + "\x00" + errType
			g := groups[key]
			if g == nil {
				msg, _ := data["message"].(string)
				if len(msg) > maxErrorMessage {
					msg = msg[:maxErrorMessage]
				}
				// Rows arrive newest first, so the first message seen is the
				// most recent occurrence.
				g = &errorGroup{ErrorType: errType, ErrorMessage: msg, Service: service, FirstSeen: ts, LastSeen: ts}
				groups[key] = g
			}
			g.Count++
			if ts.Before(g.FirstSeen) {
				g.FirstSeen = ts
			}
			if ts.After(g.LastSeen) {
				g.LastSeen = ts
			}
		}

		out := make([]*errorGroup, 0, len(groups))
		for _, g := range groups {
			out = append(out, g)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Count != out[j].Count {
				return out[i].Count > out[j].Count
			}
			return out[i].ErrorType < out[j].ErrorType
		})
		if len(out) > maxGroupRows {
			out = out[:maxGroupRows]
		}

		return &Result{Payload: map[string]any{
			"total_errors": len(res.Rows),
			"unique_types": len(groups),
			"error_groups": out,
			"sampled":      res.Truncated,
		}}, nil
	}
}

type dependencyGroup struct {
	DepType    string  `json:"dep_type"`
	Target     string  `json:"target"`
	Count      int     `json:"count"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	ErrorCount int     `json:"error_count"`
	ErrorRate  float64 `json:"error_rate"`
}

func queryDependenciesHandler(series *timeseries.Store) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		since, until, err := resolveWindow(args, 60)
		if err != nil {
			return nil, err
		}

		filters := map[string]any{}
		if svc := stringArg(args, "service", ""); svc != "" {
			filters["service"] = svc
		}
		if dt := stringArg(args, "dep_type", ""); dt != "" {
			filters["dep_type"] = dt
		}
		res, err := series.Query(ctx, timeseries.QuerySpec{
			Kind:      timeseries.KindDependencyCalls,
			Filters:   filters,
			Since:     since,
			Until:     until,
			OrderDesc: true,
			Limit:     sampleLimit,
		})
		if err != nil {
			return nil, err
		}

		type acc struct {
			group     dependencyGroup
			durations []float64
		}
		groups := map[string]*acc{}
		for _, row := range res.Rows {
			depType := rowString(row, "dep_type")
			target := rowString(row, "target")
			key := depType + "\x00" + target
			a := groups[key]
			if a == nil {
				a = &acc{group: dependencyGroup{DepType: depType, Target: target}}
				groups[key] = a
			}
			a.durations = append(a.durations, rowFloat(row, "duration_ms"))
			if rowString(row, "status") != "ok" {
				a.group.ErrorCount++
			}
		}

		out := make([]dependencyGroup, 0, len(groups))
		for _, a := range groups {
			g := a.group
			g.Count = len(a.durations)
			g.AvgMS, g.P50MS, g.P95MS, _ = summarize(a.durations)
			g.ErrorRate = ratePct(g.ErrorCount, g.Count)
			out = append(out, g)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Count != out[j].Count {
				return out[i].Count > out[j].Count
			}
			return out[i].Target < out[j].Target
		})
		if len(out) > maxGroupRows {
			out = out[:maxGroupRows]
		}

		return &Result{Payload: map[string]any{
			"dependencies": out,
			"total_calls":  len(res.Rows),
			"sampled":      res.Truncated,
		}}, nil
	}
}

type deployEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	Service         string    `json:"service"`
	Version         string    `json:"version"`
	GitSHA          string    `json:"git_sha,omitempty"`
	Environment     string    `json:"environment,omitempty"`
	PreviousVersion string    `json:"previous_version,omitempty"`
}

func queryDeploysHandler(series *timeseries.Store) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		since, until, err := resolveWindow(args, 1440)
		if err != nil {
			return nil, err
		}
		limit := clampInt(intArg(args, "limit", 20), 20, 100)

		filters := map[string]any{}
		if svc := stringArg(args, "service", ""); svc != "" {
			filters["service"] = svc
		}
		if env := stringArg(args, "environment", ""); env != "" {
			filters["environment"] = env
		}
		res, err := series.Query(ctx, timeseries.QuerySpec{
			Kind:      timeseries.KindDeployEvents,
			Filters:   filters,
			Since:     since,
			Until:     until,
			OrderDesc: true,
			Limit:     limit,
		})
		if err != nil {
			return nil, err
		}

		deploys := make([]deployEvent, 0, len(res.Rows))
		for _, row := range res.Rows {
			deploys = append(deploys, deployEvent{
				Timestamp:       rowTime(row, "timestamp"),
				Service:         rowString(row, "service"),
				Version:         rowString(row, "version"),
				GitSHA:          rowString(row, "git_sha"),
				Environment:     rowString(row, "environment"),
				PreviousVersion: rowString(row, "previous_version"),
			})
		}

		return &Result{Payload: map[string]any{
			"deploys":   deploys,
			"count":     len(deploys),
			"truncated": res.Truncated,
		}}, nil
	}
}

// summarize computes avg and latency percentiles from raw durations.
func summarize(durations []float64) (avg, p50, p95, p99 float64) {
	if len(durations) == 0 {
		return 0, 0, 0, 0
	}
	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	avg = round2(sum / float64(len(sorted)))
	return avg, round2(pct(sorted, 0.50)), round2(pct(sorted, 0.95)), round2(pct(sorted, 0.99))
}

// ratePct is an error percentage rounded to one decimal.
func ratePct(errors, total int) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(errors) / float64(total) * 100)
}
