package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	m := New()

	m.EventsIngested.WithLabelValues("metric").Add(3)
	m.EventsIngested.WithLabelValues("log").Inc()
	m.AlertsFired.WithLabelValues("cpu_critical").Inc()
	m.PushClients.Set(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("metric")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("log")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsFired.WithLabelValues("cpu_critical")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PushClients))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.ToolCalls.WithLabelValues("log_search", "ok").Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "argus_tool_calls_total")
	assert.Contains(t, body, `tool="log_search"`)
}
