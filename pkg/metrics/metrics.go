// Package metrics exposes Prometheus instrumentation for the agent server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the server updates. One instance lives on the
// Application and is passed to the components that record into it.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested *prometheus.CounterVec
	BusDropped     *prometheus.CounterVec
	AlertsFired    *prometheus.CounterVec

	StoreAppendSeconds prometheus.Histogram
	StoreQueueDepth    prometheus.Gauge
	RowsPurged         *prometheus.CounterVec

	LLMTokens         *prometheus.CounterVec
	LLMRequestSeconds *prometheus.HistogramVec

	ToolCalls       *prometheus.CounterVec
	ActionsResolved *prometheus.CounterVec

	Investigations *prometheus.CounterVec
	PushClients    prometheus.Gauge
	BudgetUsed     *prometheus.GaugeVec
}

// New creates a Metrics set on a fresh registry, including the standard Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_events_ingested_total",
			Help: "Telemetry events accepted by the ingestion path, by event kind.",
		}, []string{"kind"}),

		BusDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_bus_dropped_total",
			Help: "Bus messages dropped because a subscriber queue was full.",
		}, []string{"topic", "subscriber"}),

		AlertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_alerts_fired_total",
			Help: "Alerts fired, by rule name.",
		}, []string{"rule"}),

		StoreAppendSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "argus_store_append_seconds",
			Help:    "Latency of time-series batch commits.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		StoreQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "argus_store_queue_depth",
			Help: "Pending batches in the time-series append queue.",
		}),

		RowsPurged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_rows_purged_total",
			Help: "Rows deleted by the retention purge, by table.",
		}, []string{"table"}),

		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_llm_tokens_total",
			Help: "Tokens consumed, by provider and direction (prompt/completion).",
		}, []string{"provider", "direction"}),

		LLMRequestSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "argus_llm_request_seconds",
			Help:    "Wall time of LLM streaming calls, by provider.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),

		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_tool_calls_total",
			Help: "Tool dispatches, by tool name and outcome (ok/error/timeout).",
		}, []string{"tool", "outcome"}),

		ActionsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_actions_resolved_total",
			Help: "Action approval outcomes (approved/rejected/timed_out/blocked).",
		}, []string{"outcome"}),

		Investigations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_investigations_total",
			Help: "Auto-investigations, by terminal status.",
		}, []string{"status"}),

		PushClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "argus_push_clients",
			Help: "Currently connected realtime clients.",
		}),

		BudgetUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "argus_budget_tokens_used",
			Help: "Tokens consumed in the current window, by window (hourly/daily).",
		}, []string{"window"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
