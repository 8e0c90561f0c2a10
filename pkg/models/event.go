package models

import (
	"fmt"
	"time"
)

// EventKind identifies the shape of an event's payload and which telemetry
// table it lands in.
type EventKind string

const (
	KindLog          EventKind = "log"
	KindMetric       EventKind = "metric"
	KindSpan         EventKind = "span"
	KindDependency   EventKind = "dependency"
	KindProcess      EventKind = "process"
	KindSecurity     EventKind = "security_finding"
	KindSDKEvent     EventKind = "sdk_event"
	KindAlertDerived EventKind = "alert_derived"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindLog, KindMetric, KindSpan, KindDependency, KindProcess,
		KindSecurity, KindSDKEvent, KindAlertDerived:
		return true
	}
	return false
}

// Event is an immutable telemetry record. It is created on ingest or on a
// collector tick, persisted to the time-series store, published on the bus,
// and never mutated afterwards.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      EventKind      `json:"kind"`
	Source    string         `json:"source"` // host or service name
	Message   string         `json:"message,omitempty"`
	Severity  Severity       `json:"severity"`
	Data      map[string]any `json:"data,omitempty"`
}

// Float returns a numeric payload field, tolerating the json.Unmarshal habit
// of decoding every number as float64.
func (e *Event) Float(key string) (float64, bool) {
	v, ok := e.Data[key]
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

// Str returns a string payload field.
func (e *Event) Str(key string) string {
	if v, ok := e.Data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (e *Event) String() string {
	return fmt.Sprintf("%s/%s from %s at %s", e.Kind, e.Severity, e.Source, e.Timestamp.Format(time.RFC3339))
}
