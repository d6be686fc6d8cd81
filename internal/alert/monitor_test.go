package alert

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governance-core/internal/audit"
	"governance-core/internal/market"
	"governance-core/internal/notify"
	"governance-core/pkg/db"
)

// countingSource wraps a MockSource and counts fetches per symbol.
type countingSource struct {
	*market.MockSource
	mu    sync.Mutex
	calls map[string]int
}

func newCountingSource(prices map[string]float64) *countingSource {
	return &countingSource{MockSource: market.NewMockSource(prices), calls: make(map[string]int)}
}

func (c *countingSource) GetPrice(ctx context.Context, symbol string) (market.Quote, error) {
	c.mu.Lock()
	c.calls[symbol]++
	c.mu.Unlock()
	return c.MockSource.GetPrice(ctx, symbol)
}

type fakeNotifier struct {
	fails atomic.Int32 // remaining failures
	sent  atomic.Int32
}

func (f *fakeNotifier) Send(context.Context, string, string, string) error {
	if f.fails.Load() > 0 {
		f.fails.Add(-1)
		return errors.New("delivery failed")
	}
	f.sent.Add(1)
	return nil
}

type harness struct {
	store    *Store
	prices   *countingSource
	notifier *fakeNotifier
	log      *audit.Log
	monitor  *Monitor
}

func newHarness(t *testing.T, database *db.Database, maxAttempts int) *harness {
	t.Helper()
	h := &harness{
		store:    NewStore(database),
		prices:   newCountingSource(nil),
		notifier: &fakeNotifier{},
		log:      audit.NewLog(zerolog.Nop(), nil, nil),
	}
	dispatcher := NewDispatcher(zerolog.Nop(), h.notifier, maxAttempts, time.Millisecond)
	h.monitor = NewMonitor(zerolog.Nop(), h.store, h.prices, dispatcher, h.log, nil, Options{FetchTimeout: time.Second})
	return h
}

func (h *harness) create(t *testing.T, symbol string, cond Condition, threshold float64) Rule {
	t.Helper()
	r, err := h.store.Create(context.Background(), Rule{Symbol: symbol, Condition: cond, Threshold: threshold, Channel: "ops"})
	require.NoError(t, err)
	return r
}

func TestAboveFiresOnceUntilReset(t *testing.T) {
	h := newHarness(t, nil, 3)
	ctx := context.Background()
	rule := h.create(t, "BTC", ConditionAbove, 50000)

	var fired []TriggerEvent
	for _, price := range []float64{48000, 49000, 51000, 52000} {
		h.prices.Set("BTC", price)
		fired = append(fired, h.monitor.RunCycle(ctx)...)
	}

	require.Len(t, fired, 1)
	assert.Equal(t, 51000.0, fired[0].TriggeredPrice)
	assert.Equal(t, DispatchDelivered, fired[0].DispatchStatus)
	assert.Equal(t, 1, fired[0].Attempts)

	got, err := h.store.Get(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTriggered, got.State)
	require.NotNil(t, got.TriggeredAt)

	assert.Len(t, h.log.Query(audit.Filter{EventType: audit.TypeAlertTrigger}), 1)

	_, err = h.store.Reset(ctx, rule.ID)
	require.NoError(t, err)
	h.prices.Set("BTC", 53000)
	assert.Len(t, h.monitor.RunCycle(ctx), 1)
	assert.Len(t, h.monitor.Triggers(0), 2)
}

func TestCrossingNeedsBaseline(t *testing.T) {
	h := newHarness(t, nil, 1)
	ctx := context.Background()
	up := h.create(t, "ETH", ConditionCrossesAbove, 3000)
	down := h.create(t, "ETH", ConditionCrossesBelow, 2900)

	// First observation above the threshold only records the baseline.
	h.prices.Set("ETH", 3100)
	assert.Empty(t, h.monitor.RunCycle(ctx))
	got, _ := h.store.Get(up.ID)
	require.NotNil(t, got.LastObservedPrice)
	assert.Equal(t, 3100.0, *got.LastObservedPrice)

	h.prices.Set("ETH", 2950)
	assert.Empty(t, h.monitor.RunCycle(ctx))

	h.prices.Set("ETH", 3000)
	fired := h.monitor.RunCycle(ctx)
	require.Len(t, fired, 1)
	assert.Equal(t, up.ID, fired[0].AlertID)

	h.prices.Set("ETH", 2900)
	fired = h.monitor.RunCycle(ctx)
	require.Len(t, fired, 1)
	assert.Equal(t, down.ID, fired[0].AlertID)

	assert.Equal(t, 4, h.prices.calls["ETH"], "one fetch per symbol per cycle")
}

func TestEvaluate(t *testing.T) {
	prev := func(v float64) *float64 { return &v }
	tests := []struct {
		name  string
		rule  Rule
		price float64
		want  bool
	}{
		{"above strict", Rule{Condition: ConditionAbove, Threshold: 100}, 100, false},
		{"above", Rule{Condition: ConditionAbove, Threshold: 100}, 101, true},
		{"below strict", Rule{Condition: ConditionBelow, Threshold: 100}, 100, false},
		{"below", Rule{Condition: ConditionBelow, Threshold: 100}, 99, true},
		{"crosses above no baseline", Rule{Condition: ConditionCrossesAbove, Threshold: 100}, 150, false},
		{"crosses above", Rule{Condition: ConditionCrossesAbove, Threshold: 100, LastObservedPrice: prev(99)}, 100, true},
		{"crosses above from threshold", Rule{Condition: ConditionCrossesAbove, Threshold: 100, LastObservedPrice: prev(100)}, 120, false},
		{"crosses below", Rule{Condition: ConditionCrossesBelow, Threshold: 100, LastObservedPrice: prev(101)}, 100, true},
		{"crosses below stays above", Rule{Condition: ConditionCrossesBelow, Threshold: 100, LastObservedPrice: prev(101)}, 100.5, false},
		{"unknown", Rule{Condition: "sideways", Threshold: 100}, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.rule, tt.price))
		})
	}
}

func TestFetchFailureSkipsSymbol(t *testing.T) {
	h := newHarness(t, nil, 1)
	ctx := context.Background()
	btc := h.create(t, "BTC", ConditionAbove, 100)
	eth := h.create(t, "ETH", ConditionAbove, 100)

	h.prices.Set("ETH", 200)
	h.prices.Fail("BTC", errors.New("timeout"))

	fired := h.monitor.RunCycle(ctx)
	require.Len(t, fired, 1)
	assert.Equal(t, eth.ID, fired[0].AlertID)

	got, _ := h.store.Get(btc.ID)
	assert.Equal(t, StateActive, got.State)
	assert.Nil(t, got.LastObservedPrice)
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, nil, 3)
	h.notifier.fails.Store(2)
	h.create(t, "BTC", ConditionAbove, 100)
	h.prices.Set("BTC", 101)

	fired := h.monitor.RunCycle(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, DispatchDelivered, fired[0].DispatchStatus)
	assert.Equal(t, 3, fired[0].Attempts)
	assert.Empty(t, h.log.Query(audit.Filter{EventType: audit.TypeError}))
}

func TestDispatchExhaustionRecordsError(t *testing.T) {
	h := newHarness(t, nil, 3)
	h.notifier.fails.Store(10)
	rule := h.create(t, "BTC", ConditionAbove, 100)
	h.prices.Set("BTC", 101)

	fired := h.monitor.RunCycle(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, DispatchFailed, fired[0].DispatchStatus)
	assert.Equal(t, 3, fired[0].Attempts)

	got, _ := h.store.Get(rule.ID)
	assert.Equal(t, StateTriggered, got.State)

	errs := h.log.Query(audit.Filter{EventType: audit.TypeError})
	require.Len(t, errs, 1)
	assert.Equal(t, audit.SeverityError, errs[0].Severity)
	assert.Equal(t, rule.ID, errs[0].Details["alert_id"])
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	n := &fakeNotifier{}
	n.fails.Store(100)
	d := NewDispatcher(zerolog.Nop(), n, 5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	attempts, err := d.Dispatch(ctx, "ops", "m", "warning")
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeletedRulesAreNotEvaluated(t *testing.T) {
	h := newHarness(t, nil, 1)
	ctx := context.Background()
	rule := h.create(t, "BTC", ConditionAbove, 100)

	_, err := h.store.Delete(ctx, rule.ID)
	require.NoError(t, err)
	h.prices.Set("BTC", 200)
	assert.Empty(t, h.monitor.RunCycle(ctx))

	assert.Empty(t, h.store.List(""))
	assert.Len(t, h.store.List(StateDeleted), 1)

	_, err = h.store.Delete(ctx, rule.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.store.Reset(ctx, rule.ID)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestCreateValidates(t *testing.T) {
	s := NewStore(nil)
	tests := []Rule{
		{Condition: ConditionAbove, Threshold: 1, Channel: "c"},
		{Symbol: "X", Condition: "nope", Threshold: 1, Channel: "c"},
		{Symbol: "X", Condition: ConditionAbove, Threshold: 0, Channel: "c"},
		{Symbol: "X", Condition: ConditionAbove, Threshold: 1},
	}
	for _, r := range tests {
		_, err := s.Create(context.Background(), r)
		assert.ErrorIs(t, err, ErrInvalidRule)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	defer database.Close()
	ctx := context.Background()

	h := newHarness(t, database, 1)
	cross := h.create(t, "ETH", ConditionCrossesAbove, 3000)
	above := h.create(t, "BTC", ConditionAbove, 100)
	h.prices.Set("ETH", 2900)
	h.prices.Set("BTC", 150)
	require.Len(t, h.monitor.RunCycle(ctx), 1)

	// A fresh process picks up the baseline and the triggered state.
	restarted := newHarness(t, database, 1)
	require.NoError(t, restarted.store.Load(ctx))

	got, err := restarted.store.Get(above.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTriggered, got.State)
	require.NotNil(t, got.TriggeredAt)

	restarted.prices.Set("ETH", 3050)
	restarted.prices.Set("BTC", 150)
	fired := restarted.monitor.RunCycle(ctx)
	require.Len(t, fired, 1)
	assert.Equal(t, cross.ID, fired[0].AlertID)
}

func TestStartStop(t *testing.T) {
	store := NewStore(nil)
	prices := market.NewMockSource(map[string]float64{"BTC": 200})
	var cycles atomic.Int32
	m := NewMonitor(zerolog.Nop(), store, prices, NewDispatcher(zerolog.Nop(), notify.NewLogNotifier(zerolog.Nop()), 1, 0), nil, nil,
		Options{Interval: time.Second, OnCycle: func(time.Duration, int) { cycles.Add(1) }})
	_, err := store.Create(context.Background(), Rule{Symbol: "BTC", Condition: ConditionAbove, Threshold: 100, Channel: "log"})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))

	assert.Eventually(t, func() bool { return cycles.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	m.Stop()
	m.Stop()

	assert.Empty(t, store.Active())
}

// failSignal reports its first failed send on failed.
type failSignal struct {
	fakeNotifier
	once   sync.Once
	failed chan struct{}
}

func (f *failSignal) Send(ctx context.Context, channel, message, severity string) error {
	err := f.fakeNotifier.Send(ctx, channel, message, severity)
	if err != nil {
		f.once.Do(func() { close(f.failed) })
	}
	return err
}

func TestStopLetsRunningCycleFinish(t *testing.T) {
	store := NewStore(nil)
	prices := market.NewMockSource(map[string]float64{"BTC": 200})
	n := &failSignal{failed: make(chan struct{})}
	n.fails.Store(1)
	auditLog := audit.NewLog(zerolog.Nop(), nil, nil)
	m := NewMonitor(zerolog.Nop(), store, prices, NewDispatcher(zerolog.Nop(), n, 3, 300*time.Millisecond), auditLog, nil,
		Options{Interval: time.Second})
	_, err := store.Create(context.Background(), Rule{Symbol: "BTC", Condition: ConditionAbove, Threshold: 100, Channel: "ops"})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	select {
	case <-n.failed:
	case <-time.After(5 * time.Second):
		m.Stop()
		t.Fatal("cycle never attempted a delivery")
	}

	// The dispatch is now sleeping in backoff.
	m.Stop()

	assert.Equal(t, int32(1), n.sent.Load())
	fired := m.Triggers(0)
	require.Len(t, fired, 1)
	assert.Equal(t, DispatchDelivered, fired[0].DispatchStatus)
	assert.Equal(t, 2, fired[0].Attempts)
	assert.Empty(t, fired[0].Error)
	assert.Empty(t, auditLog.Query(audit.Filter{EventType: audit.TypeError}))
	assert.Len(t, auditLog.Query(audit.Filter{EventType: audit.TypeAlertTrigger}), 1)
}
