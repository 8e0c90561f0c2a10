package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/precious112/Argus/pkg/bus"
	"github.com/precious112/Argus/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, nil)
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func TestReserveThenSettle(t *testing.T) {
	m := newTestManager(t, Config{HourlyLimit: 1000, DailyLimit: 10000, ReserveFraction: 0.3})

	token, err := m.Reserve(models.PriorityRoutine, 100)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, 100, st.HourlyUsed)
	assert.Equal(t, 1, st.Outstanding)

	require.NoError(t, m.Settle(token, 80))

	st, err = m.Status()
	require.NoError(t, err)
	assert.Equal(t, 80, st.HourlyUsed)
	assert.Equal(t, 80, st.DailyUsed)
	assert.Equal(t, 80, st.TotalTokens)
	assert.Equal(t, 1, st.TotalRequests)
	assert.Equal(t, 0, st.Outstanding)
}

func TestRefusalLeavesCountersUntouched(t *testing.T) {
	m := newTestManager(t, Config{HourlyLimit: 1000, DailyLimit: 100000, ReserveFraction: 0.3})

	// Burn 990 tokens at urgent priority (full limit applies).
	token, err := m.Reserve(models.PriorityUrgent, 990)
	require.NoError(t, err)
	require.NoError(t, m.Settle(token, 990))

	_, err = m.Reserve(models.PriorityRoutine, 100)
	assert.ErrorIs(t, err, ErrRefused)

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, 990, st.HourlyUsed)
}

func TestReserveBandAdmitsUrgentOnly(t *testing.T) {
	m := newTestManager(t, Config{HourlyLimit: 1000, DailyLimit: 100000, ReserveFraction: 0.3})

	token, err := m.Reserve(models.PriorityUrgent, 650)
	require.NoError(t, err)
	require.NoError(t, m.Settle(token, 650))

	// Routine is capped at 700; 650+100 crosses into the reserve band.
	_, err = m.Reserve(models.PriorityRoutine, 100)
	assert.ErrorIs(t, err, ErrRefused)
	_, err = m.Reserve(models.PriorityElevated, 100)
	assert.ErrorIs(t, err, ErrRefused)

	// Urgent and critical may spend the reserve.
	tok2, err := m.Reserve(models.PriorityUrgent, 100)
	require.NoError(t, err)
	require.NoError(t, m.Settle(tok2, 100))

	tok3, err := m.Reserve(models.PriorityCritical, 200)
	require.NoError(t, err)
	require.NoError(t, m.Settle(tok3, 200))

	// The full limit still binds urgent work.
	_, err = m.Reserve(models.PriorityCritical, 100)
	assert.ErrorIs(t, err, ErrRefused)
}

func TestProbeDoesNotReserve(t *testing.T) {
	m := newTestManager(t, Config{HourlyLimit: 1000, DailyLimit: 100000, ReserveFraction: 0.3})

	require.NoError(t, m.Probe(models.PriorityUrgent, 900))

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, st.HourlyUsed, "probe must not consume budget")
	assert.Equal(t, 0, st.Outstanding)

	// Probes honor the reserve band the same way Reserve does.
	assert.ErrorIs(t, m.Probe(models.PriorityRoutine, 800), ErrRefused)
	assert.NoError(t, m.Probe(models.PriorityUrgent, 800))
	assert.ErrorIs(t, m.Probe(models.PriorityUrgent, 1100), ErrRefused)
}

func TestOvershootAcceptedRefusesNext(t *testing.T) {
	m := newTestManager(t, Config{HourlyLimit: 1000, DailyLimit: 100000, ReserveFraction: 0.3})

	token, err := m.Reserve(models.PriorityUrgent, 100)
	require.NoError(t, err)

	// Actuals blew past the estimate and the window. Accounting accepts them.
	require.NoError(t, m.Settle(token, 1500))

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, 1500, st.HourlyUsed)

	_, err = m.Reserve(models.PriorityCritical, 1)
	assert.ErrorIs(t, err, ErrRefused)
}

func TestSettleUnknownToken(t *testing.T) {
	m := newTestManager(t, Config{HourlyLimit: 1000, DailyLimit: 10000})

	assert.ErrorIs(t, m.Settle("nope", 10), ErrUnknownReservation)

	token, err := m.Reserve(models.PriorityRoutine, 10)
	require.NoError(t, err)
	require.NoError(t, m.Settle(token, 10))
	// A reservation settles exactly once.
	assert.ErrorIs(t, m.Settle(token, 10), ErrUnknownReservation)
}

func TestHourlyWindowRollsOver(t *testing.T) {
	m := NewManager(Config{HourlyLimit: 1000, DailyLimit: 10000, ReserveFraction: 0.3}, nil)
	current := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	var mu sync.Mutex
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	m.Start()
	defer m.Stop()

	token, err := m.Reserve(models.PriorityRoutine, 500)
	require.NoError(t, err)
	require.NoError(t, m.Settle(token, 500))

	mu.Lock()
	current = current.Add(time.Hour)
	mu.Unlock()

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, st.HourlyUsed, "hourly window resets on the hour boundary")
	assert.Equal(t, 500, st.DailyUsed, "daily window persists across hours")

	mu.Lock()
	current = current.Add(24 * time.Hour)
	mu.Unlock()

	st, err = m.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, st.DailyUsed, "daily window resets on the day boundary")
}

func TestPublishesBudgetUpdates(t *testing.T) {
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe(bus.TopicBudgetUpdate, "test", 16)
	defer sub.Unsubscribe()

	m := NewManager(Config{HourlyLimit: 100, DailyLimit: 1000, ReserveFraction: 0.3}, b)
	m.Start()
	defer m.Stop()

	_, err := m.Reserve(models.PriorityRoutine, 50)
	require.NoError(t, err)

	msg := <-sub.C
	upd, ok := msg.Payload.(*bus.BudgetUpdate)
	require.True(t, ok)
	assert.Equal(t, 50, upd.HourlyUsed)
	assert.False(t, upd.Refused)

	_, err = m.Reserve(models.PriorityRoutine, 50)
	assert.ErrorIs(t, err, ErrRefused)

	msg = <-sub.C
	upd, ok = msg.Payload.(*bus.BudgetUpdate)
	require.True(t, ok)
	assert.True(t, upd.Refused)
	assert.Equal(t, string(models.PriorityRoutine), upd.LastPriority)
}

func TestConcurrentReserveSettle(t *testing.T) {
	m := newTestManager(t, Config{HourlyLimit: 1_000_000, DailyLimit: 10_000_000})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				token, err := m.Reserve(models.PriorityRoutine, 10)
				if err != nil {
					continue
				}
				_ = m.Settle(token, 10)
			}
		}()
	}
	wg.Wait()

	st, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, 20*50*10, st.HourlyUsed)
	assert.Equal(t, 20*50, st.TotalRequests)
	assert.Equal(t, 0, st.Outstanding)
}

func TestRejectsBadInput(t *testing.T) {
	m := newTestManager(t, Config{HourlyLimit: 1000, DailyLimit: 10000})

	_, err := m.Reserve(models.BudgetPriority("whatever"), 10)
	assert.Error(t, err)

	_, err = m.Reserve(models.PriorityRoutine, -5)
	assert.Error(t, err)
}
