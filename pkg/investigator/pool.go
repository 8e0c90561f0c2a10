// Package investigator runs automatic investigations of urgent alerts on a
// small worker pool. The alert engine enqueues firings whose rule opts in;
// workers drive a reasoning run over the full tool registry and persist the
// outcome. Resolving an alert cancels its in-flight run.
package investigator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/precious112/Argus/pkg/agent"
	"github.com/precious112/Argus/pkg/budget"
	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/llm"
	"github.com/precious112/Argus/pkg/metrics"
	"github.com/precious112/Argus/pkg/models"
	"github.com/precious112/Argus/pkg/storage"
)

const (
	// DefaultWorkers bounds concurrent investigations.
	DefaultWorkers = 2

	// DefaultQueueSize bounds investigations waiting for a worker.
	DefaultQueueSize = 20

	// enqueueEstimate is the token reserve probed before accepting an
	// investigation. It approximates the first turn of a run: briefing
	// prompt plus one model reply.
	enqueueEstimate = 4000

	// completeTimeout bounds the terminal catalog write. The run context
	// is often already cancelled by then.
	completeTimeout = 5 * time.Second
)

// Config tunes the pool.
type Config struct {
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Pool accepts alert firings and investigates them asynchronously. A nil
// runner disables the pool: enqueues are logged and dropped, so the rest of
// the server keeps working without an LLM provider.
type Pool struct {
	runner  *agent.Runner
	store   *storage.Client
	budget  *budget.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config

	queue    chan *models.Investigation
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	// Cancel registry for in-flight runs: investigation id -> run handle.
	mu     sync.RWMutex
	active map[string]*activeRun
}

type activeRun struct {
	alertID string
	cancel  context.CancelFunc
}

// NewPool creates an investigation pool. Call Start to begin draining the
// queue.
func NewPool(runner *agent.Runner, store *storage.Client, bm *budget.Manager,
	m *metrics.Metrics, logger *slog.Logger, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		runner:  runner,
		store:   store,
		budget:  bm,
		metrics: m,
		logger:  logger.With("component", "investigator"),
		cfg:     cfg,
		queue:   make(chan *models.Investigation, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		active:  make(map[string]*activeRun),
	}
}

// Start spawns the worker goroutines. Safe to call once; duplicate calls are
// ignored.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		p.logger.Warn("Investigation pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("investigator-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx, workerID)
		}()
	}
	p.logger.Info("Investigation pool started",
		"workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Stop signals the workers and waits for them to finish. In-flight runs are
// not cancelled here; cancelling the Start context tears them down.
func (p *Pool) Stop() {
	if ids := p.activeIDs(); len(ids) > 0 {
		p.logger.Info("Waiting for active investigations to complete",
			"count", len(ids), "investigation_ids", ids)
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("Investigation pool stopped")
}

// Enqueue accepts a firing for investigation. It probes the budget at urgent
// priority, persists a queued investigation linked to the alert, and hands it
// to the workers. It never blocks: a full queue fails the investigation on
// the spot. Intended as the alert engine's investigate hook.
func (p *Pool) Enqueue(fired *bus.AlertFired) {
	if fired == nil || fired.Alert == nil {
		return
	}
	alert := fired.Alert

	if p.runner == nil {
		p.logger.Info("No LLM provider configured, skipping auto-investigation",
			"alert_id", alert.ID, "rule_id", alert.RuleID)
		return
	}
	if err := p.budget.Probe(models.PriorityUrgent, enqueueEstimate); err != nil {
		p.logger.Warn("Auto-investigation refused by budget",
			"alert_id", alert.ID, "rule_id", alert.RuleID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()

	inv, err := p.store.Investigations.Create(ctx, &models.Investigation{
		AlertID: alert.ID,
		RuleID:  alert.RuleID,
		Trigger: agent.AlertBriefing(fired),
		Status:  models.InvestigationQueued,
	})
	if err != nil {
		p.logger.Error("Failed to create investigation",
			"alert_id", alert.ID, "error", err)
		return
	}
	if err := p.store.Alerts.SetInvestigation(ctx, alert.ID, inv.ID); err != nil {
		// The dequeue re-check drops the investigation if the alert is gone.
		p.logger.Warn("Failed to link investigation to alert",
			"alert_id", alert.ID, "investigation_id", inv.ID, "error", err)
	}

	select {
	case p.queue <- inv:
		p.logger.Info("Investigation queued",
			"investigation_id", inv.ID, "alert_id", alert.ID, "rule_id", alert.RuleID)
	default:
		p.logger.Warn("Investigation queue full, dropping",
			"investigation_id", inv.ID, "alert_id", alert.ID)
		p.complete(inv.ID, models.InvestigationFailed, "",
			"Investigation queue full; dropped before it could start.", 0, 0)
	}
}

// CancelRun cancels an in-flight investigation by run id (the investigation
// id). It reports whether the run was found, so the push hub can try other
// cancellers.
func (p *Pool) CancelRun(runID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if run, ok := p.active[runID]; ok {
		run.cancel()
		return true
	}
	return false
}

// CancelForAlert cancels any in-flight investigation spawned by the given
// alert. Queued investigations are not touched; the dequeue re-check drops
// them once the alert is no longer open. Intended as the alert engine's
// resolve hook.
func (p *Pool) CancelForAlert(alertID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	found := false
	for id, run := range p.active {
		if run.alertID == alertID {
			p.logger.Info("Cancelling investigation, alert resolved",
				"investigation_id", id, "alert_id", alertID)
			run.cancel()
			found = true
		}
	}
	return found
}

// Active returns the number of in-flight investigation runs.
func (p *Pool) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

func (p *Pool) work(ctx context.Context, workerID string) {
	logger := p.logger.With("worker", workerID)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case inv := <-p.queue:
			p.process(ctx, logger, inv)
		}
	}
}

// process runs one queued investigation to its terminal state.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, inv *models.Investigation) {
	// The alert may have resolved while the investigation sat in the queue.
	alert, err := p.store.Alerts.Get(ctx, inv.AlertID)
	if err != nil || alert.Status == models.AlertResolved {
		logger.Info("Skipping investigation, alert no longer open",
			"investigation_id", inv.ID, "alert_id", inv.AlertID)
		p.complete(inv.ID, models.InvestigationCancelled, models.TerminationCancelled,
			"Alert resolved before the investigation started.", 0, 0)
		return
	}

	if err := p.store.Investigations.MarkStarted(ctx, inv.ID); err != nil {
		logger.Warn("Failed to mark investigation started",
			"investigation_id", inv.ID, "error", err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.register(inv.ID, inv.AlertID, cancel)
	defer func() {
		p.unregister(inv.ID)
		cancel()
	}()

	logger.Info("Investigation started",
		"investigation_id", inv.ID, "alert_id", inv.AlertID, "rule_id", inv.RuleID)

	res := p.runner.Run(runCtx, agent.RunParams{
		RunID:          inv.ID,
		ConversationID: inv.ID,
		Initiator:      bus.InitiatorInvestigation,
		Priority:       models.PriorityUrgent,
		Messages: []llm.ConversationMessage{
			{Role: llm.RoleSystem, Content: agent.InvestigationSystemPrompt()},
			{Role: llm.RoleUser, Content: inv.Trigger},
		},
	})

	status := statusFor(res.Termination)
	p.complete(inv.ID, status, res.Termination, res.FinalText, res.TokensUsed, res.Steps)
	logger.Info("Investigation finished",
		"investigation_id", inv.ID,
		"status", status,
		"termination", res.Termination,
		"tokens_used", res.TokensUsed,
		"steps", res.Steps)
}

// statusFor maps a run termination to the investigation's terminal status. A
// forced summary at the step cap still counts as completed; budget refusals
// and provider failures do not.
func statusFor(t models.TerminationReason) models.InvestigationStatus {
	switch t {
	case models.TerminationFinalAnswer, models.TerminationMaxSteps:
		return models.InvestigationCompleted
	case models.TerminationCancelled:
		return models.InvestigationCancelled
	default:
		return models.InvestigationFailed
	}
}

func (p *Pool) complete(id string, status models.InvestigationStatus,
	termination models.TerminationReason, summary string, tokens, steps int) {

	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()
	if err := p.store.Investigations.Complete(ctx, id, status, termination, summary, tokens, steps); err != nil {
		p.logger.Error("Failed to complete investigation",
			"investigation_id", id, "status", status, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.Investigations.WithLabelValues(string(status)).Inc()
	}
}

func (p *Pool) register(id, alertID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[id] = &activeRun{alertID: alertID, cancel: cancel}
}

func (p *Pool) unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
}

func (p *Pool) activeIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}
