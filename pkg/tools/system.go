package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/timeseries"
)

// Shortcut windows accepted by system_metrics.
var timeRanges = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

const systemMetricsSchema = `{
	"type": "object",
	"properties": {
		"metric": {
			"type": "string",
			"description": "Metric name. Options: cpu_percent, memory_percent, disk_percent, load_1m, load_5m, load_15m, swap_percent, net_bytes_sent_per_sec, net_bytes_recv_per_sec. Use 'all' for a full snapshot.",
			"default": "all"
		},
		"time_range": {
			"type": "string",
			"enum": ["5m", "15m", "30m", "1h", "6h", "24h", "7d"],
			"description": "Historical window; omit for current values"
		},
		"include_summary": {
			"type": "boolean",
			"description": "Include min/max/avg summary for historical queries (default: true)",
			"default": true
		}
	}
}`

const processListSchema = `{
	"type": "object",
	"properties": {
		"sort_by": {
			"type": "string",
			"enum": ["cpu_percent", "memory_percent", "pid"],
			"description": "Sort order (default: cpu_percent)",
			"default": "cpu_percent"
		},
		"limit": {
			"type": "integer",
			"minimum": 1,
			"description": "Max processes to return (default: 25, max: 100)",
			"default": 25
		},
		"filter_name": {
			"type": "string",
			"description": "Filter by process name or command line (substring match)"
		},
		"filter_user": {
			"type": "string",
			"description": "Filter by username"
		}
	}
}`

func registerSystemTools(reg *Registry, series *timeseries.Store) error {
	specs := []Spec{
		{
			Name: "system_metrics",
			Description: "Get system metrics (CPU, memory, disk, network, load). " +
				"Can show current values or historical data over a time range.",
			ParametersSchema: systemMetricsSchema,
			Risk:             models.RiskReadOnly,
			DisplayType:      DisplayMetricsChart,
			Handler:          systemMetricsHandler(series),
		},
		{
			Name: "process_list",
			Description: "List running processes with CPU and memory usage. " +
				"Sort by cpu_percent, memory_percent, or pid.",
			ParametersSchema: processListSchema,
			Risk:             models.RiskReadOnly,
			DisplayType:      DisplayProcessTable,
			Handler:          processListHandler,
		},
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func systemMetricsHandler(series *timeseries.Store) Handler {
	return func(ctx context.Context, args map[string]any) (*Result, error) {
		metric := stringArg(args, "metric", "all")
		timeRange := stringArg(args, "time_range", "")
		includeSummary := boolArg(args, "include_summary", true)

		if timeRange == "" {
			return &Result{Payload: currentSnapshot(ctx, metric)}, nil
		}

		window, ok := timeRanges[timeRange]
		if !ok {
			return softError("Invalid time_range. Use: 5m, 15m, 30m, 1h, 6h, 24h, 7d"), nil
		}
		if series == nil {
			return softError("metric history is not available"), nil
		}
		since := time.Now().UTC().Add(-window)

		if metric == "all" {
			summaries := map[string]any{}
			for _, m := range []string{"cpu_percent", "memory_percent", "disk_percent", "load_1m"} {
				s, err := metricSummary(ctx, series, m, since)
				if err != nil {
					return nil, err
				}
				summaries[m] = s
			}
			return &Result{Payload: map[string]any{
				"time_range": timeRange,
				"metrics":    summaries,
			}}, nil
		}

		payload := map[string]any{"metric": metric, "time_range": timeRange}
		if includeSummary {
			s, err := metricSummary(ctx, series, metric, since)
			if err != nil {
				return nil, err
			}
			payload["summary"] = s
		}
		points, err := metricPoints(ctx, series, metric, since)
		if err != nil {
			return nil, err
		}
		payload["data_points"] = points
		return &Result{Payload: payload}, nil
	}
}

// currentSnapshot reads live values from the host. Unreadable subsystems are
// skipped rather than failing the whole snapshot.
func currentSnapshot(ctx context.Context, metric string) map[string]any {
	out := map[string]any{}
	wants := func(names ...string) bool {
		if metric == "all" {
			return true
		}
		for _, n := range names {
			if metric == n {
				return true
			}
		}
		return false
	}

	if wants("cpu_percent") {
		if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
			out["cpu_percent"] = round2(pcts[0])
		}
		if n, err := cpu.CountsWithContext(ctx, true); err == nil {
			out["cpu_count"] = n
		}
		if per, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
			cores := make([]float64, len(per))
			for i, v := range per {
				cores[i] = round2(v)
			}
			out["cpu_per_core"] = cores
		}
	}

	if wants("memory_percent") {
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			out["memory_percent"] = round2(vm.UsedPercent)
			out["memory_used_gb"] = round2(float64(vm.Used) / (1 << 30))
			out["memory_total_gb"] = round2(float64(vm.Total) / (1 << 30))
			out["memory_available_gb"] = round2(float64(vm.Available) / (1 << 30))
		}
	}

	if wants("disk_percent") {
		if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
			out["disk_percent"] = round2(du.UsedPercent)
			out["disk_used_gb"] = round2(float64(du.Used) / (1 << 30))
			out["disk_total_gb"] = round2(float64(du.Total) / (1 << 30))
			out["disk_free_gb"] = round2(float64(du.Free) / (1 << 30))
		} else {
			out["disk_error"] = "Unable to read disk usage"
		}
	}

	if wants("load_1m", "load_5m", "load_15m") {
		if avg, err := load.AvgWithContext(ctx); err == nil {
			out["load_1m"] = round2(avg.Load1)
			out["load_5m"] = round2(avg.Load5)
			out["load_15m"] = round2(avg.Load15)
		}
	}

	if wants("swap_percent") {
		if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
			out["swap_percent"] = round2(sw.UsedPercent)
			out["swap_used_gb"] = round2(float64(sw.Used) / (1 << 30))
		}
	}

	return out
}

// metricSummary aggregates one metric over the window. Buckets are merged
// count-weighted so the summary covers every sample, not a row cap.
func metricSummary(ctx context.Context, series *timeseries.Store, name string, since time.Time) (map[string]any, error) {
	window := time.Since(since)
	if window < time.Minute {
		window = time.Minute
	}
	rows, err := series.Aggregate(ctx, timeseries.AggregateSpec{
		Kind:    timeseries.KindSystemMetrics,
		Bucket:  window,
		Aggs:    []string{"min", "max", "avg", "count"},
		Filters: map[string]any{"metric_name": name},
		Since:   since,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize %s: %w", name, err)
	}

	var minV, maxV, weighted, total float64
	first := true
	for _, r := range rows {
		n := r.Values["count"]
		if n == 0 {
			continue
		}
		if first || r.Values["min"] < minV {
			minV = r.Values["min"]
		}
		if first || r.Values["max"] > maxV {
			maxV = r.Values["max"]
		}
		weighted += r.Values["avg"] * n
		total += n
		first = false
	}
	if total == 0 {
		return map[string]any{"metric_name": name, "count": 0}, nil
	}
	return map[string]any{
		"metric_name": name,
		"min":         minV,
		"max":         maxV,
		"avg":         round2(weighted / total),
		"count":       int(total),
	}, nil
}

type metricPoint struct {
	Timestamp  time.Time         `json:"timestamp"`
	MetricName string            `json:"metric_name"`
	Value      float64           `json:"value"`
	Labels     map[string]string `json:"labels,omitempty"`
}

func metricPoints(ctx context.Context, series *timeseries.Store, name string, since time.Time) ([]metricPoint, error) {
	res, err := series.Query(ctx, timeseries.QuerySpec{
		Kind:      timeseries.KindSystemMetrics,
		Filters:   map[string]any{"metric_name": name},
		Since:     since,
		OrderDesc: true,
		Limit:     100,
	})
	if err != nil {
		return nil, fmt.Errorf("query %s points: %w", name, err)
	}
	points := make([]metricPoint, 0, len(res.Rows))
	for _, row := range res.Rows {
		p := metricPoint{
			Timestamp:  rowTime(row, "timestamp"),
			MetricName: rowString(row, "metric_name"),
			Value:      rowFloat(row, "value"),
		}
		if raw := rowString(row, "labels"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &p.Labels)
		}
		points = append(points, p)
	}
	return points, nil
}

type processEntry struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	Username      string  `json:"username"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Status        string  `json:"status"`
	Cmdline       string  `json:"cmdline"`
}

func processListHandler(ctx context.Context, args map[string]any) (*Result, error) {
	sortBy := stringArg(args, "sort_by", "cpu_percent")
	limit := clampInt(intArg(args, "limit", 25), 25, 100)
	filterName := strings.ToLower(stringArg(args, "filter_name", ""))
	filterUser := stringArg(args, "filter_user", "")

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	entries := make([]processEntry, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Process exited between the listing and the read.
			continue
		}
		entry := processEntry{PID: p.Pid, Name: name}
		if v, err := p.CPUPercentWithContext(ctx); err == nil {
			entry.CPUPercent = round2(v)
		}
		if v, err := p.MemoryPercentWithContext(ctx); err == nil {
			entry.MemoryPercent = round2(float64(v))
		}
		if v, err := p.UsernameWithContext(ctx); err == nil {
			entry.Username = v
		}
		if v, err := p.StatusWithContext(ctx); err == nil {
			entry.Status = strings.Join(v, ",")
		}
		if v, err := p.CmdlineWithContext(ctx); err == nil {
			entry.Cmdline = v
		}

		if filterName != "" &&
			!strings.Contains(strings.ToLower(entry.Name), filterName) &&
			!strings.Contains(strings.ToLower(entry.Cmdline), filterName) {
			continue
		}
		if filterUser != "" && entry.Username != filterUser {
			continue
		}
		entries = append(entries, entry)
	}

	switch sortBy {
	case "memory_percent":
		sort.Slice(entries, func(i, j int) bool { return entries[i].MemoryPercent > entries[j].MemoryPercent })
	case "pid":
		sort.Slice(entries, func(i, j int) bool { return entries[i].PID < entries[j].PID })
	default:
		sortBy = "cpu_percent"
		sort.Slice(entries, func(i, j int) bool { return entries[i].CPUPercent > entries[j].CPUPercent })
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return &Result{Payload: map[string]any{
		"total_processes": len(entries),
		"sort_by":         sortBy,
		"processes":       entries,
	}}, nil
}

// softError reports a recoverable condition as payload data, the way the
// query tools surface empty stores or missing files.
func softError(msg string) *Result {
	return &Result{DisplayType: DisplayJSONTree, Payload: map[string]any{"error": msg}}
}
