package timeseries

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Rows is a typed batch bound for one table.
type Rows interface {
	Kind() Kind
	Len() int
	insert(tx *sql.Tx) error
}

// Timestamps are stored as integer unix milliseconds so range comparisons
// and bucketing stay exact across drivers.
func toMS(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UTC().UnixMilli()
	}
	return t.UTC().UnixMilli()
}

func fromMS(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func jsonText(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

// MetricRow is one host metric sample.
type MetricRow struct {
	TS     time.Time
	Name   string
	Value  float64
	Labels map[string]string
}

// MetricRows batches host metric samples.
type MetricRows []MetricRow

func (MetricRows) Kind() Kind { return KindSystemMetrics }
func (r MetricRows) Len() int { return len(r) }

func (r MetricRows) insert(tx *sql.Tx) error {
	stmt, err := tx.Prepare(`INSERT INTO system_metrics (timestamp, metric_name, value, labels) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range r {
		if _, err := stmt.Exec(toMS(row.TS), row.Name, row.Value, jsonText(row.Labels)); err != nil {
			return err
		}
	}
	return nil
}

// LogRow is one indexed log line.
type LogRow struct {
	TS             time.Time
	FilePath       string
	LineOffset     int64
	Severity       string
	MessagePreview string
	Source         string
}

// LogRows batches log lines.
type LogRows []LogRow

func (LogRows) Kind() Kind { return KindLogIndex }
func (r LogRows) Len() int { return len(r) }

func (r LogRows) insert(tx *sql.Tx) error {
	stmt, err := tx.Prepare(`INSERT INTO log_index (timestamp, file_path, line_offset, severity, message_preview, source) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range r {
		if _, err := stmt.Exec(toMS(row.TS), row.FilePath, row.LineOffset, row.Severity, row.MessagePreview, row.Source); err != nil {
			return err
		}
	}
	return nil
}

// SDKEventRow is one instrumented-application event.
type SDKEventRow struct {
	TS        time.Time
	Service   string
	EventType string
	Data      map[string]any
}

// SDKEventRows batches SDK events.
type SDKEventRows []SDKEventRow

func (SDKEventRows) Kind() Kind { return KindSDKEvents }
func (r SDKEventRows) Len() int { return len(r) }

func (r SDKEventRows) insert(tx *sql.Tx) error {
	stmt, err := tx.Prepare(`INSERT INTO sdk_events (timestamp, service, event_type, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range r {
		if _, err := stmt.Exec(toMS(row.TS), row.Service, row.EventType, jsonText(row.Data)); err != nil {
			return err
		}
	}
	return nil
}

// SpanRow is one trace span.
type SpanRow struct {
	TS           time.Time
	TraceID      string
	SpanID       string
	ParentSpanID string
	Service      string
	Name         string
	SpanKind     string
	DurationMS   float64
	Status       string
	ErrorType    string
	ErrorMessage string
	Data         map[string]any
}

// SpanRows batches spans.
type SpanRows []SpanRow

func (SpanRows) Kind() Kind { return KindSpans }
func (r SpanRows) Len() int { return len(r) }

func (r SpanRows) insert(tx *sql.Tx) error {
	stmt, err := tx.Prepare(`INSERT INTO spans (timestamp, trace_id, span_id, parent_span_id, service, name, kind, duration_ms, status, error_type, error_message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range r {
		if _, err := stmt.Exec(toMS(row.TS), row.TraceID, row.SpanID, row.ParentSpanID, row.Service, row.Name,
			row.SpanKind, row.DurationMS, row.Status, row.ErrorType, row.ErrorMessage, jsonText(row.Data)); err != nil {
			return err
		}
	}
	return nil
}

// DependencyRow is one outbound dependency call (db, http, cache, queue).
type DependencyRow struct {
	TS           time.Time
	TraceID      string
	SpanID       string
	ParentSpanID string
	Service      string
	DepType      string
	Target       string
	Operation    string
	DurationMS   float64
	Status       string
	StatusCode   int
	ErrorMessage string
	Data         map[string]any
}

// DependencyRows batches dependency calls.
type DependencyRows []DependencyRow

func (DependencyRows) Kind() Kind { return KindDependencyCalls }
func (r DependencyRows) Len() int { return len(r) }

func (r DependencyRows) insert(tx *sql.Tx) error {
	stmt, err := tx.Prepare(`INSERT INTO dependency_calls (timestamp, trace_id, span_id, parent_span_id, service, dep_type, target, operation, duration_ms, status, status_code, error_message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range r {
		if _, err := stmt.Exec(toMS(row.TS), row.TraceID, row.SpanID, row.ParentSpanID, row.Service, row.DepType,
			row.Target, row.Operation, row.DurationMS, row.Status, row.StatusCode, row.ErrorMessage, jsonText(row.Data)); err != nil {
			return err
		}
	}
	return nil
}

// SDKMetricRow is one application metric sample.
type SDKMetricRow struct {
	TS      time.Time
	Service string
	Name    string
	Value   float64
	Labels  map[string]string
}

// SDKMetricRows batches application metrics.
type SDKMetricRows []SDKMetricRow

func (SDKMetricRows) Kind() Kind { return KindSDKMetrics }
func (r SDKMetricRows) Len() int { return len(r) }

func (r SDKMetricRows) insert(tx *sql.Tx) error {
	stmt, err := tx.Prepare(`INSERT INTO sdk_metrics (timestamp, service, metric_name, value, labels) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range r {
		if _, err := stmt.Exec(toMS(row.TS), row.Service, row.Name, row.Value, jsonText(row.Labels)); err != nil {
			return err
		}
	}
	return nil
}

// DeployRow is one deployment marker.
type DeployRow struct {
	TS              time.Time
	Service         string
	Version         string
	GitSHA          string
	Environment     string
	PreviousVersion string
	Data            map[string]any
}

// DeployRows batches deploy events.
type DeployRows []DeployRow

func (DeployRows) Kind() Kind { return KindDeployEvents }
func (r DeployRows) Len() int { return len(r) }

func (r DeployRows) insert(tx *sql.Tx) error {
	stmt, err := tx.Prepare(`INSERT INTO deploy_events (timestamp, service, version, git_sha, environment, previous_version, data) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range r {
		if _, err := stmt.Exec(toMS(row.TS), row.Service, row.Version, row.GitSHA, row.Environment, row.PreviousVersion, jsonText(row.Data)); err != nil {
			return err
		}
	}
	return nil
}
