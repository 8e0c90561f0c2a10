// Package alerting matches classified events against operator-tunable rules
// and owns the fired alert lifecycle.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/metrics"
	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/storage"
)

// notifyTimeout bounds a single channel delivery so a stuck webhook cannot
// pile up goroutines.
const notifyTimeout = 10 * time.Second

// Engine subscribes to classified events and fires alerts per rule. It is
// the single writer of alert state; REST handlers and tools go through its
// methods so every transition is published exactly once.
type Engine struct {
	store   *storage.Client
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	notifiers     []Notifier
	onInvestigate func(*bus.AlertFired)
	onResolve     func(alertID string)
	keyFn         func(*models.AlertRule, *models.Event) string

	rulesMu sync.RWMutex
	rules   map[string]*models.AlertRule

	// lastFired is the cooldown ledger, keyed by dedup key. Hydrated from
	// persisted alerts at start so restarts do not re-fire storms.
	firedMu   sync.Mutex
	lastFired map[string]time.Time

	sub      *bus.Subscription
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifiers registers external notification channels.
func WithNotifiers(ns ...Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, ns...) }
}

// WithInvestigateHook is called for every firing whose rule requests
// auto-investigation on an URGENT event. The hook must not block.
func WithInvestigateHook(fn func(*bus.AlertFired)) Option {
	return func(e *Engine) { e.onInvestigate = fn }
}

// WithResolveHook is called after an alert transitions to resolved, so
// in-flight investigations can be cancelled.
func WithResolveHook(fn func(alertID string)) Option {
	return func(e *Engine) { e.onResolve = fn }
}

// WithKeyFunc replaces the dedup key derivation. The default is DedupKey.
func WithKeyFunc(fn func(*models.AlertRule, *models.Event) string) Option {
	return func(e *Engine) { e.keyFn = fn }
}

// NewEngine creates an alert engine. Call Start to seed rules and begin
// consuming classified events.
func NewEngine(store *storage.Client, b *bus.Bus, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		bus:       b,
		metrics:   m,
		logger:    logger.With("component", "alerting"),
		keyFn:     DedupKey,
		rules:     make(map[string]*models.AlertRule),
		lastFired: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start seeds default rules, hydrates cooldown state, and begins matching.
func (e *Engine) Start(ctx context.Context) error {
	seeded, err := e.store.Rules.Seed(ctx, DefaultRules())
	if err != nil {
		return fmt.Errorf("failed to seed alert rules: %w", err)
	}
	if err := e.reloadRules(ctx); err != nil {
		return err
	}
	if err := e.hydrateCooldowns(ctx); err != nil {
		return err
	}

	e.sub = e.bus.Subscribe(bus.TopicEventsClassified, "alerting", bus.DefaultQueueSize)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for msg := range e.sub.C {
			if ev, ok := msg.Payload.(*models.Event); ok {
				e.handleEvent(ctx, ev)
			}
		}
	}()

	e.logger.Info("Alert engine started",
		"rules", len(e.snapshotRules()), "seeded", seeded)
	return nil
}

// Stop detaches from the bus and waits for the matching goroutine.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.sub != nil {
			e.sub.Unsubscribe()
		}
		e.wg.Wait()
	})
}

func (e *Engine) reloadRules(ctx context.Context) error {
	rules, err := e.store.Rules.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alert rules: %w", err)
	}
	e.rulesMu.Lock()
	e.rules = make(map[string]*models.AlertRule, len(rules))
	for _, r := range rules {
		e.rules[r.ID] = r
	}
	e.rulesMu.Unlock()
	return nil
}

// hydrateCooldowns rebuilds the dedup ledger from persisted firings, looking
// back far enough to cover the longest rule cooldown.
func (e *Engine) hydrateCooldowns(ctx context.Context) error {
	lookback := time.Hour
	for _, r := range e.snapshotRules() {
		if r.Cooldown > lookback {
			lookback = r.Cooldown
		}
	}

	firings, err := e.store.Alerts.RecentFirings(ctx, time.Now().UTC().Add(-lookback))
	if err != nil {
		return fmt.Errorf("failed to hydrate alert cooldowns: %w", err)
	}
	e.firedMu.Lock()
	for _, f := range firings {
		if prev, ok := e.lastFired[f.DedupKey]; !ok || f.FiredAt.After(prev) {
			e.lastFired[f.DedupKey] = f.FiredAt
		}
	}
	e.firedMu.Unlock()
	return nil
}

func (e *Engine) snapshotRules() []*models.AlertRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	out := make([]*models.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

// handleEvent evaluates every rule against one classified event. Multiple
// matching rules fire independently.
func (e *Engine) handleEvent(ctx context.Context, ev *models.Event) {
	if !ev.Severity.AtLeast(models.SeverityNotable) {
		return
	}

	now := time.Now().UTC()
	for _, rule := range e.snapshotRules() {
		if !rule.MatchesKind(ev.Kind) || !rule.MatchesSignal(ev.Signal()) || !rule.CoversSeverity(ev.Severity) {
			continue
		}
		if rule.MutedUntil != nil {
			if rule.Muted(now) {
				continue
			}
			e.clearExpiredMute(ctx, rule)
		}

		key := e.keyFn(rule, ev)
		if !e.admitFiring(key, rule.Cooldown, now) {
			continue
		}
		e.fire(ctx, rule, ev, key, now)
	}
}

// admitFiring records the firing instant unless the key is still cooling
// down. Single check-and-set so concurrent matchers cannot double-fire.
func (e *Engine) admitFiring(key string, cooldown time.Duration, now time.Time) bool {
	e.firedMu.Lock()
	defer e.firedMu.Unlock()
	if last, ok := e.lastFired[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	e.lastFired[key] = now
	return true
}

// clearExpiredMute lazily reactivates a rule whose mute window has passed.
// Cached rules are replaced, never mutated, so concurrent matchers only ever
// see immutable snapshots.
func (e *Engine) clearExpiredMute(ctx context.Context, rule *models.AlertRule) {
	cleared := *rule
	cleared.MutedUntil = nil
	e.cacheRule(&cleared)
	if err := e.store.Rules.SetMuted(ctx, rule.ID, nil); err != nil {
		e.logger.Warn("Failed to clear expired mute", "rule", rule.ID, "error", err)
	}
}

func (e *Engine) fire(ctx context.Context, rule *models.AlertRule, ev *models.Event, key string, now time.Time) {
	summary := ev.Message
	if summary == "" {
		summary = fmt.Sprintf("%s event from %s", ev.Kind, ev.Source)
		if sig := ev.Signal(); sig != "" {
			summary = fmt.Sprintf("%s signal from %s", sig, ev.Source)
		}
	}

	alert := &models.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		DedupKey:  key,
		Severity:  ev.Severity,
		Title:     rule.Name,
		Summary:   summary,
		Source:    ev.Source,
		Timestamp: now,
		Status:    models.AlertActive,
	}
	if err := e.store.Alerts.Insert(ctx, alert); err != nil {
		// The alert still reaches clients and channels; only history is lost.
		e.logger.Error("Failed to persist alert", "alert_id", alert.ID, "error", err)
	}

	e.logger.Info("Alert fired",
		"rule", rule.ID, "severity", ev.Severity, "source", ev.Source, "dedup_key", key)
	if e.metrics != nil {
		e.metrics.AlertsFired.WithLabelValues(rule.ID).Inc()
	}

	fired := &bus.AlertFired{Alert: alert, RuleName: rule.Name, Event: ev}
	e.bus.Publish(bus.TopicAlertsFired, fired)

	if len(e.notifiers) > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.notify(rule, fired)
		}()
	}

	if rule.AutoInvestigate && ev.Severity == models.SeverityUrgent && e.onInvestigate != nil {
		e.onInvestigate(fired)
	}
}

// notify fans one firing out to the configured channels. Failures are
// logged and never block or undo the firing.
func (e *Engine) notify(rule *models.AlertRule, fired *bus.AlertFired) {
	for _, n := range e.notifiers {
		if !ruleWantsChannel(rule, n.Name()) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		err := n.Notify(ctx, fired)
		cancel()
		if err != nil {
			e.logger.Warn("Notification channel error",
				"channel", n.Name(), "alert_id", fired.Alert.ID, "error", err)
		}
	}
}

func ruleWantsChannel(rule *models.AlertRule, name string) bool {
	if len(rule.Channels) == 0 {
		return true
	}
	for _, c := range rule.Channels {
		if c == name {
			return true
		}
	}
	return false
}

// Acknowledge marks an active alert as acknowledged by an operator. It is
// idempotent for already-acknowledged alerts and rejects resolved ones. A
// state change is published only on an actual transition.
func (e *Engine) Acknowledge(ctx context.Context, id, by string) (*models.Alert, error) {
	prev, err := e.store.Alerts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	alert, err := e.store.Alerts.Acknowledge(ctx, id, by)
	if err != nil {
		return nil, err
	}
	if prev.Status != alert.Status {
		e.publishStateChange(prev.Status, alert, by)
	}
	return alert, nil
}

// Resolve moves an alert to its terminal state, clears its cooldown so a
// fresh incident can fire immediately, and cancels any in-flight
// investigation for it.
func (e *Engine) Resolve(ctx context.Context, id string) (*models.Alert, error) {
	prev, err := e.store.Alerts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	alert, err := e.store.Alerts.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != alert.Status {
		e.firedMu.Lock()
		delete(e.lastFired, alert.DedupKey)
		e.firedMu.Unlock()

		e.publishStateChange(prev.Status, alert, "")
		if e.onResolve != nil {
			e.onResolve(alert.ID)
		}
	}
	return alert, nil
}

func (e *Engine) publishStateChange(prev models.AlertStatus, alert *models.Alert, actor string) {
	e.bus.Publish(bus.TopicAlertsState, &bus.AlertStateChange{
		AlertID:  alert.ID,
		RuleID:   alert.RuleID,
		Previous: prev,
		Status:   alert.Status,
		Actor:    actor,
		At:       time.Now().UTC(),
	})
	e.logger.Info("Alert state changed",
		"alert_id", alert.ID, "from", prev, "to", alert.Status, "actor", actor)
}

// List returns a filtered page of alerts. Satisfies the tool directory used
// by the reasoning loop.
func (e *Engine) List(ctx context.Context, f models.AlertFilters) (*models.AlertPage, error) {
	return e.store.Alerts.List(ctx, f)
}

// Get returns one alert by id.
func (e *Engine) Get(ctx context.Context, id string) (*models.Alert, error) {
	return e.store.Alerts.Get(ctx, id)
}

// Mute silences a rule for the given duration. Overlapping mutes extend,
// never shorten: the later expiry wins.
func (e *Engine) Mute(ctx context.Context, ruleID string, d time.Duration) (*models.AlertRule, error) {
	if d <= 0 {
		return nil, storage.NewValidationError("duration", "mute duration must be positive")
	}
	rule, err := e.store.Rules.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	until := time.Now().UTC().Add(d)
	if rule.MutedUntil != nil && rule.MutedUntil.After(until) {
		until = *rule.MutedUntil
	}
	if err := e.store.Rules.SetMuted(ctx, ruleID, &until); err != nil {
		return nil, err
	}
	rule.MutedUntil = &until
	e.cacheRule(rule)
	e.logger.Info("Rule muted", "rule", ruleID, "until", until)
	return rule, nil
}

// Unmute reactivates a rule immediately.
func (e *Engine) Unmute(ctx context.Context, ruleID string) (*models.AlertRule, error) {
	rule, err := e.store.Rules.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if err := e.store.Rules.SetMuted(ctx, ruleID, nil); err != nil {
		return nil, err
	}
	rule.MutedUntil = nil
	e.cacheRule(rule)
	e.logger.Info("Rule unmuted", "rule", ruleID)
	return rule, nil
}

// Rules returns all rules from the catalog.
func (e *Engine) Rules(ctx context.Context) ([]*models.AlertRule, error) {
	return e.store.Rules.List(ctx)
}

// Rule returns one rule by id.
func (e *Engine) Rule(ctx context.Context, id string) (*models.AlertRule, error) {
	return e.store.Rules.Get(ctx, id)
}

// CreateRule persists a new rule and admits it to matching.
func (e *Engine) CreateRule(ctx context.Context, rule *models.AlertRule) (*models.AlertRule, error) {
	created, err := e.store.Rules.Create(ctx, rule)
	if err != nil {
		return nil, err
	}
	e.cacheRule(created)
	return created, nil
}

// UpdateRule persists rule changes guarded by optimistic concurrency.
func (e *Engine) UpdateRule(ctx context.Context, rule *models.AlertRule, readUpdatedAt time.Time) (*models.AlertRule, error) {
	updated, err := e.store.Rules.Update(ctx, rule, readUpdatedAt)
	if err != nil {
		return nil, err
	}
	e.cacheRule(updated)
	return updated, nil
}

// DeleteRule removes a rule from the catalog and from matching.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := e.store.Rules.Delete(ctx, id); err != nil {
		return err
	}
	e.rulesMu.Lock()
	delete(e.rules, id)
	e.rulesMu.Unlock()
	return nil
}

func (e *Engine) cacheRule(rule *models.AlertRule) {
	e.rulesMu.Lock()
	e.rules[rule.ID] = rule
	e.rulesMu.Unlock()
}
