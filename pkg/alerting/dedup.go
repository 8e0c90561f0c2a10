package alerting

import "github.com/precious112/Argus/pkg/models"

// DedupKey derives the identity under which firings of a rule collapse.
// Each event kind contributes its finest distinguishing field so separate
// incidents never share a cooldown: two services bursting errors at the same
// time are two alerts, not one.
func DedupKey(rule *models.AlertRule, e *models.Event) string {
	return rule.ID + ":" + kindKey(e)
}

func kindKey(e *models.Event) string {
	switch e.Kind {
	case models.KindMetric:
		// SDK samples carry a metric name; collector snapshots carry many
		// values, so the triggering signal is the finest grain available.
		if name := e.Str("name"); name != "" {
			return name
		}
		if sig := e.Signal(); sig != "" {
			return sig
		}
	case models.KindLog:
		if path := e.Str("path"); path != "" {
			return e.Source + ":" + path
		}
	case models.KindProcess:
		if name := e.Str("name"); name != "" {
			return name
		}
	case models.KindSecurity:
		if check := e.Str("check"); check != "" {
			return check
		}
	case models.KindSDKEvent:
		group := e.Str("error_type")
		if group == "" {
			group = e.Str("event_type")
		}
		if group != "" {
			return e.Source + ":" + group
		}
	}
	return e.Source
}
