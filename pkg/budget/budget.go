// Package budget enforces token spending limits for LLM usage. A single
// actor goroutine owns all counters; reserve and settle are serialized
// through its queue, so admission is atomic without shared locks.
package budget

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/models"
)

var (
	// ErrRefused is returned when admission would exceed the window limits.
	// Callers surface it as a rate-limit condition, never as a fault.
	ErrRefused = errors.New("budget: admission refused")
	// ErrUnknownReservation is returned when settling a token that was never
	// reserved or was already settled.
	ErrUnknownReservation = errors.New("budget: unknown reservation")
	// ErrClosed is returned after the manager has been stopped.
	ErrClosed = errors.New("budget: manager stopped")
)

// Config bounds token spend per rolling window. The reserve fraction is the
// top slice of each window that only urgent and critical work may enter.
type Config struct {
	HourlyLimit     int
	DailyLimit      int
	ReserveFraction float64
}

// DefaultConfig returns the stock budget limits.
func DefaultConfig() Config {
	return Config{
		HourlyLimit:     500_000,
		DailyLimit:      5_000_000,
		ReserveFraction: 0.30,
	}
}

// Status is a point-in-time snapshot of consumption for the REST surface.
type Status struct {
	HourlyUsed    int                           `json:"hourly_used"`
	HourlyLimit   int                           `json:"hourly_limit"`
	HourlyPct     float64                       `json:"hourly_pct"`
	DailyUsed     int                           `json:"daily_used"`
	DailyLimit    int                           `json:"daily_limit"`
	DailyPct      float64                       `json:"daily_pct"`
	TotalTokens   int                           `json:"total_tokens"`
	TotalRequests int                           `json:"total_requests"`
	Requests      map[models.BudgetPriority]int `json:"requests_by_priority"`
	Outstanding   int                           `json:"outstanding_reservations"`
}

// window is a clock-aligned counter that zeroes when its boundary rolls over.
type window struct {
	tokens    int
	resetHour int
	resetDay  int
}

type reservation struct {
	priority models.BudgetPriority
	estimate int
}

// Manager is the process-wide token budget actor.
type Manager struct {
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger

	ops  chan func()
	done chan struct{}

	// Owned by the actor goroutine.
	hourly        window
	daily         window
	outstanding   map[string]*reservation
	totalTokens   int
	totalRequests int
	requests      map[models.BudgetPriority]int

	now func() time.Time // test seam
}

// NewManager creates a budget manager. Publishing is skipped when b is nil.
func NewManager(cfg Config, b *bus.Bus) *Manager {
	if cfg.HourlyLimit <= 0 {
		cfg.HourlyLimit = DefaultConfig().HourlyLimit
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = DefaultConfig().DailyLimit
	}
	if cfg.ReserveFraction < 0 || cfg.ReserveFraction >= 1 {
		cfg.ReserveFraction = DefaultConfig().ReserveFraction
	}
	return &Manager{
		cfg:         cfg,
		bus:         b,
		logger:      slog.With("component", "budget"),
		ops:         make(chan func(), 64),
		done:        make(chan struct{}),
		outstanding: make(map[string]*reservation),
		requests:    make(map[models.BudgetPriority]int),
		hourly:      window{resetHour: -1, resetDay: -1},
		daily:       window{resetHour: -1, resetDay: -1},
		now:         time.Now,
	}
}

// Start launches the actor loop.
func (m *Manager) Start() {
	go m.run()
	m.logger.Info("Budget manager started",
		"hourly_limit", m.cfg.HourlyLimit,
		"daily_limit", m.cfg.DailyLimit,
		"reserve_fraction", m.cfg.ReserveFraction)
}

// Stop shuts the actor down. Pending calls return ErrClosed.
func (m *Manager) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m *Manager) run() {
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.done:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (m *Manager) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case m.ops <- func() { fn(); close(ran) }:
	case <-m.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Reserve admits estimated tokens at the given priority and returns a
// reservation token to settle later. Refused requests reserve nothing.
func (m *Manager) Reserve(priority models.BudgetPriority, estimate int) (string, error) {
	if !priority.Valid() {
		return "", fmt.Errorf("budget: unknown priority %q", priority)
	}
	if estimate < 0 {
		return "", fmt.Errorf("budget: negative estimate %d", estimate)
	}

	var token string
	var refused bool
	var hourlyUsed int
	err := m.do(func() {
		m.maybeReset()

		hourlyCap, dailyCap := m.capsFor(priority)
		if m.hourly.tokens+estimate > hourlyCap || m.daily.tokens+estimate > dailyCap {
			refused = true
			hourlyUsed = m.hourly.tokens
			m.publish(priority, true)
			return
		}

		token = uuid.New().String()
		m.outstanding[token] = &reservation{priority: priority, estimate: estimate}
		m.hourly.tokens += estimate
		m.daily.tokens += estimate
		m.totalRequests++
		m.requests[priority]++
		m.publish(priority, false)
	})
	if err != nil {
		return "", err
	}
	if refused {
		m.logger.Warn("Budget admission refused",
			"priority", priority,
			"estimate", estimate,
			"hourly_used", hourlyUsed,
			"hourly_limit", m.cfg.HourlyLimit)
		return "", ErrRefused
	}
	return token, nil
}

// Probe checks whether a reservation of the given size would be admitted
// right now, without reserving anything. Used as a cheap pre-flight before
// queueing work whose real reservation happens later.
func (m *Manager) Probe(priority models.BudgetPriority, estimate int) error {
	if !priority.Valid() {
		return fmt.Errorf("budget: unknown priority %q", priority)
	}
	var refused bool
	err := m.do(func() {
		m.maybeReset()
		hourlyCap, dailyCap := m.capsFor(priority)
		refused = m.hourly.tokens+estimate > hourlyCap || m.daily.tokens+estimate > dailyCap
	})
	if err != nil {
		return err
	}
	if refused {
		return ErrRefused
	}
	return nil
}

// Settle replaces a reservation's estimate with the actual token count.
// Overshoot beyond the window limit is accepted; the next Reserve pays for it.
func (m *Manager) Settle(token string, actual int) error {
	if actual < 0 {
		actual = 0
	}
	var unknown bool
	err := m.do(func() {
		res, ok := m.outstanding[token]
		if !ok {
			unknown = true
			return
		}
		delete(m.outstanding, token)
		m.maybeReset()

		delta := actual - res.estimate
		m.hourly.tokens += delta
		m.daily.tokens += delta
		if m.hourly.tokens < 0 {
			m.hourly.tokens = 0
		}
		if m.daily.tokens < 0 {
			m.daily.tokens = 0
		}
		m.totalTokens += actual
		m.publish(res.priority, false)
	})
	if err != nil {
		return err
	}
	if unknown {
		return ErrUnknownReservation
	}
	return nil
}

// Status reports current consumption.
func (m *Manager) Status() (Status, error) {
	var st Status
	err := m.do(func() {
		m.maybeReset()
		st = Status{
			HourlyUsed:    m.hourly.tokens,
			HourlyLimit:   m.cfg.HourlyLimit,
			DailyUsed:     m.daily.tokens,
			DailyLimit:    m.cfg.DailyLimit,
			TotalTokens:   m.totalTokens,
			TotalRequests: m.totalRequests,
			Outstanding:   len(m.outstanding),
			Requests:      make(map[models.BudgetPriority]int, len(m.requests)),
		}
		for p, n := range m.requests {
			st.Requests[p] = n
		}
		if m.cfg.HourlyLimit > 0 {
			st.HourlyPct = float64(m.hourly.tokens) / float64(m.cfg.HourlyLimit) * 100
		}
		if m.cfg.DailyLimit > 0 {
			st.DailyPct = float64(m.daily.tokens) / float64(m.cfg.DailyLimit) * 100
		}
	})
	return st, err
}

// capsFor returns the effective hourly and daily caps for a priority.
// Routine and elevated work stops below the reserve band; urgent and critical
// may spend into it up to the full limit.
func (m *Manager) capsFor(p models.BudgetPriority) (int, int) {
	switch p {
	case models.PriorityUrgent, models.PriorityCritical:
		return m.cfg.HourlyLimit, m.cfg.DailyLimit
	default:
		open := 1 - m.cfg.ReserveFraction
		return int(float64(m.cfg.HourlyLimit) * open), int(float64(m.cfg.DailyLimit) * open)
	}
}

// maybeReset zeroes windows when the clock rolls over their boundary.
func (m *Manager) maybeReset() {
	now := m.now().UTC()
	if now.Hour() != m.hourly.resetHour || now.Day() != m.hourly.resetDay {
		m.hourly.tokens = 0
		m.hourly.resetHour = now.Hour()
		m.hourly.resetDay = now.Day()
		// Request counters follow the hourly window.
		m.requests = make(map[models.BudgetPriority]int)
	}
	if now.Day() != m.daily.resetDay {
		m.daily.tokens = 0
		m.daily.resetDay = now.Day()
	}
}

func (m *Manager) publish(priority models.BudgetPriority, refused bool) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.TopicBudgetUpdate, &bus.BudgetUpdate{
		HourlyUsed:   m.hourly.tokens,
		HourlyLimit:  m.cfg.HourlyLimit,
		DailyUsed:    m.daily.tokens,
		DailyLimit:   m.cfg.DailyLimit,
		LastPriority: string(priority),
		Refused:      refused,
		At:           m.now().UTC(),
	})
}
