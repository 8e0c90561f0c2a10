package models

import "time"

// AlertRule is a mutable catalog record describing when an alert fires.
// Rules are seeded at first start and mutated through operator endpoints.
type AlertRule struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Kinds           []EventKind   `json:"kinds"`
	Signals         []string      `json:"signals,omitempty"` // classifier signals; empty = any
	MinSeverity     Severity      `json:"min_severity"`
	MaxSeverity     Severity      `json:"max_severity,omitempty"` // empty = no cap
	Cooldown        time.Duration `json:"cooldown"`
	AutoInvestigate bool          `json:"auto_investigate"`
	MutedUntil      *time.Time    `json:"muted_until,omitempty"`
	Channels        []string      `json:"channels,omitempty"` // notification channel names; empty = all
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Muted reports whether the rule is muted at the given instant. Expired
// mutes reactivate lazily; callers should clear MutedUntil when they see an
// expired window.
func (r *AlertRule) Muted(now time.Time) bool {
	return r.MutedUntil != nil && now.Before(*r.MutedUntil)
}

// MatchesKind reports whether the rule covers the given event kind.
func (r *AlertRule) MatchesKind(kind EventKind) bool {
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// MatchesSignal reports whether the rule covers the given classifier signal.
// Rules with no signal filter match any signal, including none.
func (r *AlertRule) MatchesSignal(signal string) bool {
	if len(r.Signals) == 0 {
		return true
	}
	for _, s := range r.Signals {
		if s == signal {
			return true
		}
	}
	return false
}

// CoversSeverity reports whether the event severity falls inside the rule's
// (min, max) window. An empty max means the rule has no upper cap.
func (r *AlertRule) CoversSeverity(sev Severity) bool {
	if !sev.AtLeast(r.MinSeverity) {
		return false
	}
	if r.MaxSeverity != "" && !sev.AtMost(r.MaxSeverity) {
		return false
	}
	return true
}

// Alert is a single firing of a rule. At most one active alert exists per
// (rule id, dedup key) within the rule's cooldown.
type Alert struct {
	ID              string      `json:"id"`
	RuleID          string      `json:"rule_id"`
	DedupKey        string      `json:"dedup_key"`
	Severity        Severity    `json:"severity"`
	Title           string      `json:"title"`
	Summary         string      `json:"summary"`
	Source          string      `json:"source"`
	Timestamp       time.Time   `json:"timestamp"`
	Status          AlertStatus `json:"status"`
	AcknowledgedAt  *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string      `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	InvestigationID string      `json:"investigation_id,omitempty"`
}

// AlertFilters narrows alert listings.
type AlertFilters struct {
	Status   AlertStatus
	Severity Severity
	RuleID   string
	Page     int
	PerPage  int
}

// AlertPage is a paginated alert listing.
type AlertPage struct {
	Alerts     []*Alert `json:"alerts"`
	TotalCount int      `json:"total_count"`
	Page       int      `json:"page"`
	PerPage    int      `json:"per_page"`
}
