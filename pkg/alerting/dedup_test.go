package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/precious112/Argus/pkg/models"
)

func TestDedupKeyPerKind(t *testing.T) {
	rule := &models.AlertRule{ID: "r1"}

	cases := []struct {
		name  string
		event *models.Event
		want  string
	}{
		{
			name: "sdk metric sample keys on metric name",
			event: &models.Event{Kind: models.KindMetric, Source: "api",
				Data: map[string]any{"name": "latency_p99"}},
			want: "r1:latency_p99",
		},
		{
			name: "collector snapshot keys on signal",
			event: &models.Event{Kind: models.KindMetric, Source: "system_metrics",
				Data: map[string]any{"signal": models.SignalCPUHigh}},
			want: "r1:cpu_high",
		},
		{
			name: "log keys on source and path",
			event: &models.Event{Kind: models.KindLog, Source: "log_watch",
				Data: map[string]any{"path": "/var/log/app.log"}},
			want: "r1:log_watch:/var/log/app.log",
		},
		{
			name: "process keys on process name",
			event: &models.Event{Kind: models.KindProcess, Source: "process_watch",
				Data: map[string]any{"name": "nginx"}},
			want: "r1:nginx",
		},
		{
			name: "security keys on check id",
			event: &models.Event{Kind: models.KindSecurity, Source: "security_scan",
				Data: map[string]any{"check": "new_open_port"}},
			want: "r1:new_open_port",
		},
		{
			name: "sdk event keys on service and error group",
			event: &models.Event{Kind: models.KindSDKEvent, Source: "checkout",
				Data: map[string]any{"error_type": "TimeoutError"}},
			want: "r1:checkout:TimeoutError",
		},
		{
			name:  "fallback keys on source",
			event: &models.Event{Kind: models.KindSpan, Source: "payments"},
			want:  "r1:payments",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DedupKey(rule, tc.event))
		})
	}
}

func TestDedupKeyVariesByRule(t *testing.T) {
	e := &models.Event{Kind: models.KindMetric, Source: "system_metrics",
		Data: map[string]any{"signal": models.SignalCPUHigh}}

	a := DedupKey(&models.AlertRule{ID: "cpu_critical"}, e)
	b := DedupKey(&models.AlertRule{ID: "resource_warning"}, e)

	assert.NotEqual(t, a, b, "rules cool down independently")
}
