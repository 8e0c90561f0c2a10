package timeseries

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrClosed is returned when the store has been shut down.
	ErrClosed = errors.New("timeseries: store closed")
	// ErrInvalidQuery marks caller mistakes: unknown kind, column, or aggregate.
	ErrInvalidQuery = errors.New("timeseries: invalid query")
)

// queryColumns whitelists the filterable/selectable columns per table.
// Filter keys outside this set are rejected, never interpolated.
var queryColumns = map[Kind][]string{
	KindSystemMetrics:   {"metric_name", "value", "labels"},
	KindLogIndex:        {"file_path", "line_offset", "severity", "message_preview", "source"},
	KindSDKEvents:       {"service", "event_type", "data"},
	KindSpans:           {"trace_id", "span_id", "parent_span_id", "service", "name", "kind", "duration_ms", "status", "error_type", "error_message", "data"},
	KindDependencyCalls: {"trace_id", "span_id", "parent_span_id", "service", "dep_type", "target", "operation", "duration_ms", "status", "status_code", "error_message", "data"},
	KindSDKMetrics:      {"service", "metric_name", "value", "labels"},
	KindDeployEvents:    {"service", "version", "git_sha", "environment", "previous_version", "data"},
}

// numericColumn is the default aggregation target per table.
var numericColumn = map[Kind]string{
	KindSystemMetrics:   "value",
	KindSDKMetrics:      "value",
	KindSpans:           "duration_ms",
	KindDependencyCalls: "duration_ms",
}

func columnAllowed(kind Kind, col string) bool {
	for _, c := range queryColumns[kind] {
		if c == col {
			return true
		}
	}
	return false
}

// QuerySpec selects rows from one table inside a time window.
type QuerySpec struct {
	Kind      Kind
	Filters   map[string]any    // column equality
	Like      map[string]string // column LIKE pattern
	Since     time.Time
	Until     time.Time // zero = now
	OrderDesc bool
	Limit     int // default 100, capped at 1000
}

// QueryResult is a bounded result set. Truncated reports that more rows
// matched than the limit allowed.
type QueryResult struct {
	Rows      []map[string]any
	Truncated bool
}

// Query returns matching rows, newest or oldest first. The call is bounded
// by the store's hard query deadline regardless of the caller's context.
func (s *Store) Query(ctx context.Context, spec QuerySpec) (*QueryResult, error) {
	if _, ok := queryColumns[spec.Kind]; !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidQuery, spec.Kind)
	}
	limit := spec.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > defaultMaxLimit {
		limit = defaultMaxLimit
	}

	where, args, err := s.buildWhere(spec.Kind, spec.Filters, spec.Like, spec.Since, spec.Until)
	if err != nil {
		return nil, err
	}

	order := "ASC"
	if spec.OrderDesc {
		order = "DESC"
	}
	cols := append([]string{"timestamp"}, queryColumns[spec.Kind]...)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY timestamp %s LIMIT %d",
		strings.Join(cols, ", "), spec.Kind, where, order, limit+1)

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", spec.Kind, err)
	}
	defer rows.Close()

	out := &QueryResult{}
	for rows.Next() {
		if len(out.Rows) == limit {
			out.Truncated = true
			break
		}
		rec, err := scanRow(rows, cols)
		if err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", spec.Kind, err)
	}
	return out, nil
}

func (s *Store) buildWhere(kind Kind, filters map[string]any, like map[string]string, since, until time.Time) (string, []any, error) {
	if until.IsZero() {
		until = time.Now().UTC()
	}
	clauses := []string{"timestamp >= ? AND timestamp <= ?"}
	args := []any{toMS(since), toMS(until)}

	// Deterministic clause order keeps query plans stable across calls.
	for _, col := range sortedKeys(filters) {
		if !columnAllowed(kind, col) {
			return "", nil, fmt.Errorf("%w: column %q not filterable on %s", ErrInvalidQuery, col, kind)
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, filters[col])
	}
	for _, col := range sortedKeysStr(like) {
		if !columnAllowed(kind, col) {
			return "", nil, fmt.Errorf("%w: column %q not filterable on %s", ErrInvalidQuery, col, kind)
		}
		clauses = append(clauses, col+" LIKE ?")
		args = append(args, like[col])
	}
	return strings.Join(clauses, " AND "), args, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysStr(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scanRow(rows interface {
	Scan(dest ...any) error
}, cols []string) (map[string]any, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	rec := make(map[string]any, len(cols))
	for i, col := range cols {
		v := vals[i]
		if col == "timestamp" {
			if ms, ok := v.(int64); ok {
				rec[col] = fromMS(ms)
				continue
			}
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		rec[col] = v
	}
	return rec, nil
}

// AggregateSpec buckets a numeric column over time.
type AggregateSpec struct {
	Kind    Kind
	Column  string // defaults to the table's numeric column
	Bucket  time.Duration
	GroupBy []string
	Aggs    []string // avg, min, max, sum, count, p50, p95, p99
	Filters map[string]any
	Since   time.Time
	Until   time.Time
}

// AggRow is one time bucket for one group.
type AggRow struct {
	Bucket time.Time          `json:"bucket"`
	Group  map[string]string  `json:"group,omitempty"`
	Values map[string]float64 `json:"values"`
}

// Aggregate computes bucketed aggregates. Percentiles are computed in
// process from the bucket's raw values; plain aggregates push down to SQL.
func (s *Store) Aggregate(ctx context.Context, spec AggregateSpec) ([]AggRow, error) {
	if _, ok := queryColumns[spec.Kind]; !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidQuery, spec.Kind)
	}
	if spec.Bucket <= 0 {
		spec.Bucket = time.Minute
	}
	column := spec.Column
	if column == "" {
		column = numericColumn[spec.Kind]
	}
	if column == "" || !columnAllowed(spec.Kind, column) {
		return nil, fmt.Errorf("%w: no numeric column for %s", ErrInvalidQuery, spec.Kind)
	}
	for _, g := range spec.GroupBy {
		if !columnAllowed(spec.Kind, g) {
			return nil, fmt.Errorf("%w: cannot group by %q on %s", ErrInvalidQuery, g, spec.Kind)
		}
	}
	if len(spec.Aggs) == 0 {
		spec.Aggs = []string{"avg"}
	}

	if hasPercentile(spec.Aggs) {
		return s.aggregateInProcess(ctx, spec, column)
	}
	return s.aggregateSQL(ctx, spec, column)
}

func hasPercentile(aggs []string) bool {
	for _, a := range aggs {
		if strings.HasPrefix(a, "p") {
			return true
		}
	}
	return false
}

func (s *Store) aggregateSQL(ctx context.Context, spec AggregateSpec, column string) ([]AggRow, error) {
	bucketSec := int64(spec.Bucket / time.Second)
	sel := []string{fmt.Sprintf("(timestamp / 1000 / %d) * %d AS bucket", bucketSec, bucketSec)}
	sel = append(sel, spec.GroupBy...)

	for _, agg := range spec.Aggs {
		switch agg {
		case "avg", "min", "max", "sum", "count":
			sel = append(sel, fmt.Sprintf("%s(%s) AS %s_v", strings.ToUpper(agg), column, agg))
		default:
			return nil, fmt.Errorf("%w: unknown aggregate %q", ErrInvalidQuery, agg)
		}
	}

	where, args, err := s.buildWhere(spec.Kind, spec.Filters, nil, spec.Since, spec.Until)
	if err != nil {
		return nil, err
	}
	groupCols := append([]string{"bucket"}, spec.GroupBy...)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s GROUP BY %s ORDER BY bucket ASC",
		strings.Join(sel, ", "), spec.Kind, where, strings.Join(groupCols, ", "))

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", spec.Kind, err)
	}
	defer rows.Close()

	var out []AggRow
	for rows.Next() {
		scan := make([]any, 1+len(spec.GroupBy)+len(spec.Aggs))
		ptrs := make([]any, len(scan))
		for i := range scan {
			ptrs[i] = &scan[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}

		row := AggRow{Values: make(map[string]float64, len(spec.Aggs))}
		if sec, ok := scan[0].(int64); ok {
			row.Bucket = time.Unix(sec, 0).UTC()
		}
		if len(spec.GroupBy) > 0 {
			row.Group = make(map[string]string, len(spec.GroupBy))
			for i, g := range spec.GroupBy {
				row.Group[g] = asString(scan[1+i])
			}
		}
		for i, agg := range spec.Aggs {
			row.Values[agg] = asFloat(scan[1+len(spec.GroupBy)+i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// aggregateInProcess pulls raw samples and computes everything in Go. Bounded
// to keep a careless window from loading the world.
const aggSampleCap = 50000

func (s *Store) aggregateInProcess(ctx context.Context, spec AggregateSpec, column string) ([]AggRow, error) {
	where, args, err := s.buildWhere(spec.Kind, spec.Filters, nil, spec.Since, spec.Until)
	if err != nil {
		return nil, err
	}
	sel := append([]string{"timestamp", column}, spec.GroupBy...)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY timestamp ASC LIMIT %d",
		strings.Join(sel, ", "), spec.Kind, where, aggSampleCap)

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", spec.Kind, err)
	}
	defer rows.Close()

	type groupKey string
	bucketSec := int64(spec.Bucket / time.Second)
	samples := map[int64]map[groupKey][]float64{}
	groupVals := map[groupKey]map[string]string{}

	for rows.Next() {
		scan := make([]any, 2+len(spec.GroupBy))
		ptrs := make([]any, len(scan))
		for i := range scan {
			ptrs[i] = &scan[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		ms, _ := scan[0].(int64)
		bucket := (ms / 1000 / bucketSec) * bucketSec

		parts := make([]string, len(spec.GroupBy))
		gv := make(map[string]string, len(spec.GroupBy))
		for i, g := range spec.GroupBy {
			parts[i] = asString(scan[2+i])
			gv[g] = parts[i]
		}
		key := groupKey(strings.Join(parts, "\x00"))
		if samples[bucket] == nil {
			samples[bucket] = map[groupKey][]float64{}
		}
		samples[bucket][key] = append(samples[bucket][key], asFloat(scan[1]))
		groupVals[key] = gv
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	buckets := make([]int64, 0, len(samples))
	for b := range samples {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	var out []AggRow
	for _, b := range buckets {
		for key, vals := range samples[b] {
			row := AggRow{Bucket: time.Unix(b, 0).UTC(), Values: map[string]float64{}}
			if len(spec.GroupBy) > 0 {
				row.Group = groupVals[key]
			}
			sort.Float64s(vals)
			for _, agg := range spec.Aggs {
				v, err := computeAgg(agg, vals)
				if err != nil {
					return nil, err
				}
				row.Values[agg] = v
			}
			out = append(out, row)
		}
	}
	return out, nil
}

func computeAgg(agg string, sorted []float64) (float64, error) {
	if len(sorted) == 0 {
		return 0, nil
	}
	switch agg {
	case "count":
		return float64(len(sorted)), nil
	case "min":
		return sorted[0], nil
	case "max":
		return sorted[len(sorted)-1], nil
	case "sum", "avg":
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		if agg == "sum" {
			return sum, nil
		}
		return sum / float64(len(sorted)), nil
	case "p50", "p95", "p99":
		var q float64
		switch agg {
		case "p50":
			q = 0.50
		case "p95":
			q = 0.95
		case "p99":
			q = 0.99
		}
		idx := int(q * float64(len(sorted)-1))
		return sorted[idx], nil
	default:
		return 0, fmt.Errorf("%w: unknown aggregate %q", ErrInvalidQuery, agg)
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case []byte:
		var f float64
		fmt.Sscanf(string(n), "%g", &f)
		return f
	}
	return 0
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

// Purge deletes rows older than each kind's retention. Kinds absent from the
// policy keep everything.
func (s *Store) Purge(ctx context.Context, retention map[Kind]time.Duration) (map[Kind]int64, error) {
	deleted := make(map[Kind]int64, len(retention))
	now := time.Now().UTC()

	for _, kind := range Kinds() {
		keep, ok := retention[kind]
		if !ok || keep <= 0 {
			continue
		}
		cutoff := now.Add(-keep)

		ctxq, cancel := context.WithTimeout(ctx, s.queryTimeout)
		res, err := s.db.ExecContext(ctxq, fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", kind), toMS(cutoff))
		cancel()
		if err != nil {
			return deleted, fmt.Errorf("purge %s: %w", kind, err)
		}
		n, _ := res.RowsAffected()
		deleted[kind] = n
	}
	return deleted, nil
}
