package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/classifier"
	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/timeseries"
)

// retryAfterSeconds is the delay hint returned with 429 while the store's
// append queue is above high water.
const retryAfterSeconds = "5"

// logPreviewLimit caps the message_preview column for ingested log events,
// matching the log watcher's indexing.
const logPreviewLimit = 200

// IngestEvent is one telemetry record in an ingest batch. Service falls back
// to the batch-level default; a missing timestamp is stamped at receipt.
type IngestEvent struct {
	Type      string         `json:"type"`
	Service   string         `json:"service,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data"`
}

// IngestRequest is the POST /ingest body.
type IngestRequest struct {
	Events  []IngestEvent `json:"events"`
	SDK     string        `json:"sdk,omitempty"`
	Service string        `json:"service,omitempty"`
}

// IngestRejection names one event that failed its kind schema.
type IngestRejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// IngestResponse reports partial acceptance: the count stored plus the
// index-tagged validation failures.
type IngestResponse struct {
	Accepted int               `json:"accepted"`
	Rejected []IngestRejection `json:"rejected"`
}

// ingestHandler handles POST /ingest. Accepted events are appended to the
// time-series store and published on telemetry.raw; rejected ones are
// reported back by index without failing the batch.
func (s *Server) ingestHandler(c *echo.Context) error {
	if s.series == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "telemetry store not available")
	}
	if s.series.Saturated() {
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return echo.NewHTTPError(http.StatusTooManyRequests, "ingest queue saturated, retry later")
	}

	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Events) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "events field is required")
	}
	maxBatch := 1000
	if s.cfg != nil && s.cfg.Ingest != nil && s.cfg.Ingest.MaxBatch > 0 {
		maxBatch = s.cfg.Ingest.MaxBatch
	}
	if len(req.Events) > maxBatch {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("Batch too large: %d events (max %d)", len(req.Events), maxBatch))
	}

	now := time.Now().UTC()
	resp := &IngestResponse{Rejected: []IngestRejection{}}
	batch := &rowBatch{}
	var publish []*models.Event

	for i, ev := range req.Events {
		if ev.Service == "" {
			ev.Service = req.Service
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		} else {
			ev.Timestamp = ev.Timestamp.UTC()
		}

		busEv, err := batch.add(ev)
		if err != nil {
			resp.Rejected = append(resp.Rejected, IngestRejection{Index: i, Error: err.Error()})
			continue
		}
		publish = append(publish, busEv)
		resp.Accepted++
	}

	commitStart := time.Now()
	if err := batch.append(c.Request().Context(), s.series); err != nil {
		return mapServiceError(err)
	}
	if s.metrics != nil && resp.Accepted > 0 {
		s.metrics.StoreAppendSeconds.Observe(time.Since(commitStart).Seconds())
	}

	// Rows are queued before any event becomes visible on the bus, so a
	// classifier-triggered tool query can always see what it was told about.
	for _, ev := range publish {
		s.bus.Publish(bus.TopicTelemetryRaw, ev)
		if s.metrics != nil {
			s.metrics.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// rowBatch accumulates validated events into per-table row groups.
type rowBatch struct {
	sdkMetrics timeseries.SDKMetricRows
	logs       timeseries.LogRows
	spans      timeseries.SpanRows
	deps       timeseries.DependencyRows
	deploys    timeseries.DeployRows
	sdkEvents  timeseries.SDKEventRows
}

// add validates one event against its kind schema, buffers its row, and
// returns the bus event it becomes. Unknown types land in sdk_events.
func (b *rowBatch) add(ev IngestEvent) (*models.Event, error) {
	if ev.Type == "" {
		return nil, fmt.Errorf("type is required")
	}
	if ev.Service == "" {
		return nil, fmt.Errorf("service is required")
	}

	switch ev.Type {
	case "metric", "runtime_metric":
		return b.addMetric(ev)
	case "log":
		return b.addLog(ev)
	case "span":
		return b.addSpan(ev)
	case "dependency":
		return b.addDependency(ev)
	case "deploy":
		return b.addDeploy(ev)
	default:
		return b.addSDKEvent(ev)
	}
}

func (b *rowBatch) addMetric(ev IngestEvent) (*models.Event, error) {
	name := dataString(ev.Data, "name", "metric_name")
	if name == "" {
		return nil, fmt.Errorf("metric event needs data.name")
	}
	value, ok := dataFloat(ev.Data, "value")
	if !ok {
		return nil, fmt.Errorf("metric event needs numeric data.value")
	}

	b.sdkMetrics = append(b.sdkMetrics, timeseries.SDKMetricRow{
		TS:      ev.Timestamp,
		Service: ev.Service,
		Name:    name,
		Value:   value,
		Labels:  dataLabels(ev.Data, "labels"),
	})
	return busEvent(ev, models.KindMetric, fmt.Sprintf("%s=%g", name, value)), nil
}

func (b *rowBatch) addLog(ev IngestEvent) (*models.Event, error) {
	message := dataString(ev.Data, "message", "line")
	if message == "" {
		return nil, fmt.Errorf("log event needs data.message")
	}

	severity := models.Severity(strings.ToUpper(dataString(ev.Data, "severity")))
	if !severity.Valid() {
		severity = classifier.LogSeverityHint(message)
	}

	preview := message
	if len(preview) > logPreviewLimit {
		cut := logPreviewLimit
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	b.logs = append(b.logs, timeseries.LogRow{
		TS:             ev.Timestamp,
		FilePath:       dataString(ev.Data, "path", "file"),
		Severity:       string(severity),
		MessagePreview: preview,
		Source:         ev.Service,
	})
	out := busEvent(ev, models.KindLog, message)
	return out, nil
}

func (b *rowBatch) addSpan(ev IngestEvent) (*models.Event, error) {
	name := dataString(ev.Data, "name")
	if name == "" {
		return nil, fmt.Errorf("span event needs data.name")
	}
	duration, _ := dataFloat(ev.Data, "duration_ms")

	b.spans = append(b.spans, timeseries.SpanRow{
		TS:           ev.Timestamp,
		TraceID:      dataString(ev.Data, "trace_id"),
		SpanID:       dataString(ev.Data, "span_id"),
		ParentSpanID: dataString(ev.Data, "parent_span_id"),
		Service:      ev.Service,
		Name:         name,
		SpanKind:     defaultString(dataString(ev.Data, "kind"), "internal"),
		DurationMS:   duration,
		Status:       defaultString(dataString(ev.Data, "status"), "ok"),
		ErrorType:    dataString(ev.Data, "error_type"),
		ErrorMessage: dataString(ev.Data, "error_message"),
		Data:         ev.Data,
	})
	return busEvent(ev, models.KindSpan, name), nil
}

func (b *rowBatch) addDependency(ev IngestEvent) (*models.Event, error) {
	target := dataString(ev.Data, "target")
	if target == "" {
		return nil, fmt.Errorf("dependency event needs data.target")
	}
	duration, _ := dataFloat(ev.Data, "duration_ms")
	statusCode, _ := dataFloat(ev.Data, "status_code")

	b.deps = append(b.deps, timeseries.DependencyRow{
		TS:           ev.Timestamp,
		TraceID:      dataString(ev.Data, "trace_id"),
		SpanID:       dataString(ev.Data, "span_id"),
		ParentSpanID: dataString(ev.Data, "parent_span_id"),
		Service:      ev.Service,
		DepType:      defaultString(dataString(ev.Data, "dep_type"), "unknown"),
		Target:       target,
		Operation:    dataString(ev.Data, "operation"),
		DurationMS:   duration,
		Status:       defaultString(dataString(ev.Data, "status"), "ok"),
		StatusCode:   int(statusCode),
		ErrorMessage: dataString(ev.Data, "error_message"),
		Data:         ev.Data,
	})
	return busEvent(ev, models.KindDependency, target), nil
}

func (b *rowBatch) addDeploy(ev IngestEvent) (*models.Event, error) {
	version := dataString(ev.Data, "version", "git_sha")
	if version == "" {
		return nil, fmt.Errorf("deploy event needs data.version")
	}

	b.deploys = append(b.deploys, timeseries.DeployRow{
		TS:              ev.Timestamp,
		Service:         ev.Service,
		Version:         dataString(ev.Data, "version"),
		GitSHA:          dataString(ev.Data, "git_sha"),
		Environment:     dataString(ev.Data, "environment"),
		PreviousVersion: dataString(ev.Data, "previous_version"),
		Data:            ev.Data,
	})
	out := busEvent(ev, models.KindSDKEvent, fmt.Sprintf("Deploy of %s: %s", ev.Service, version))
	out.Data["event_type"] = "deploy"
	return out, nil
}

func (b *rowBatch) addSDKEvent(ev IngestEvent) (*models.Event, error) {
	b.sdkEvents = append(b.sdkEvents, timeseries.SDKEventRow{
		TS:        ev.Timestamp,
		Service:   ev.Service,
		EventType: ev.Type,
		Data:      ev.Data,
	})
	message := dataString(ev.Data, "message")
	if ev.Type == "exception" && message != "" {
		message = fmt.Sprintf("Exception from %s: %s", ev.Service, message)
	}
	out := busEvent(ev, models.KindSDKEvent, message)
	out.Data["event_type"] = ev.Type
	return out, nil
}

// append queues every buffered row group on the store.
func (b *rowBatch) append(ctx context.Context, store *timeseries.Store) error {
	groups := []timeseries.Rows{b.sdkMetrics, b.logs, b.spans, b.deps, b.deploys, b.sdkEvents}
	for _, rows := range groups {
		if rows.Len() == 0 {
			continue
		}
		if err := store.Append(ctx, rows); err != nil {
			return fmt.Errorf("failed to queue %s rows: %w", rows.Kind(), err)
		}
	}
	return nil
}

// busEvent shapes the accepted event for the telemetry.raw topic. The payload
// map is reused, so later normalization (event_type) is visible to both the
// stored row and the classifier.
func busEvent(ev IngestEvent, kind models.EventKind, message string) *models.Event {
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	return &models.Event{
		ID:        uuid.NewString(),
		Timestamp: ev.Timestamp,
		Kind:      kind,
		Source:    ev.Service,
		Message:   message,
		Severity:  models.SeverityInfo,
		Data:      ev.Data,
	}
}

func dataString(d map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := d[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func dataFloat(d map[string]any, key string) (float64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func dataLabels(d map[string]any, key string) map[string]string {
	raw, ok := d[key].(map[string]any)
	if !ok {
		return nil
	}
	labels := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			labels[k] = s
		} else {
			labels[k] = fmt.Sprintf("%v", v)
		}
	}
	return labels
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
