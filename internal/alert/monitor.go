package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"governance-core/internal/audit"
	"governance-core/internal/events"
	"governance-core/internal/market"
)

const (
	agentName  = "alert-monitor"
	maxHistory = 1000
)

// Auditor records compliance events.
type Auditor interface {
	LogEvent(ctx context.Context, ev audit.Event) string
}

// Options configures a Monitor.
type Options struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	// OnCycle, when set, observes each finished cycle.
	OnCycle func(elapsed time.Duration, triggered int)
}

// Monitor periodically evaluates active rules against live prices.
type Monitor struct {
	store      *Store
	prices     market.PriceSource
	dispatcher *Dispatcher
	audit      Auditor
	bus        *events.Bus
	opts       Options
	log        zerolog.Logger

	cycleMu sync.Mutex // one cycle at a time, scheduled or manual

	runMu  sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc

	histMu  sync.RWMutex
	history []TriggerEvent
}

// NewMonitor wires the loop. bus may be nil.
func NewMonitor(log zerolog.Logger, store *Store, prices market.PriceSource, dispatcher *Dispatcher, auditor Auditor, bus *events.Bus, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	return &Monitor{
		store:      store,
		prices:     prices,
		dispatcher: dispatcher,
		audit:      auditor,
		bus:        bus,
		opts:       opts,
		log:        log.With().Str("component", "alert_monitor").Logger(),
	}
}

// Start schedules RunCycle every interval. A cycle still running when the
// next tick arrives causes that tick to be skipped.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("alert monitor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	schedule := fmt.Sprintf("@every %s", m.opts.Interval)
	if _, err := c.AddFunc(schedule, func() { m.RunCycle(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule alert cycle: %w", err)
	}
	c.Start()

	m.cron = c
	m.cancel = cancel
	m.log.Info().Str("schedule", schedule).Msg("Alert monitor started")
	return nil
}

// Stop halts scheduling and waits for a running cycle to finish, including
// any notification retries it is waiting on. Its context is released after.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cancel()
	m.cron = nil
	m.cancel = nil
	m.log.Info().Msg("Alert monitor stopped")
}

// CheckNow runs a cycle immediately.
func (m *Monitor) CheckNow(ctx context.Context) []TriggerEvent {
	return m.RunCycle(ctx)
}

// RunCycle evaluates every active rule once and returns the triggers fired.
func (m *Monitor) RunCycle(ctx context.Context) []TriggerEvent {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := time.Now()
	rules := m.store.Active()
	if len(rules) == 0 {
		m.finishCycle(start, 0)
		return []TriggerEvent{}
	}

	prices := m.fetchPrices(ctx, rules)

	fired := []TriggerEvent{}
	for _, r := range rules {
		price, ok := prices[r.Symbol]
		if !ok {
			continue
		}
		updated, didFire, err := m.store.Observe(ctx, r.ID, price, Evaluate(r, price))
		if err != nil {
			m.log.Error().Err(err).Str("alert_id", r.ID).Msg("Record observation failed")
			continue
		}
		if !didFire {
			continue
		}
		fired = append(fired, m.trigger(ctx, updated, price))
	}

	m.finishCycle(start, len(fired))
	return fired
}

func (m *Monitor) finishCycle(start time.Time, triggered int) {
	elapsed := time.Since(start)
	if m.opts.OnCycle != nil {
		m.opts.OnCycle(elapsed, triggered)
	}
	m.log.Debug().Dur("elapsed", elapsed).Int("triggered", triggered).Msg("Alert cycle complete")
}

// fetchPrices fetches each distinct symbol once, concurrently, each bounded
// by the fetch timeout. Failed symbols are absent from the result.
func (m *Monitor) fetchPrices(ctx context.Context, rules []Rule) map[string]float64 {
	symbols := make(map[string]struct{})
	for _, r := range rules {
		symbols[r.Symbol] = struct{}{}
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]float64, len(symbols))
	)
	for sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
			defer cancel()

			q, err := m.prices.GetPrice(fctx, sym)
			if err != nil {
				m.log.Warn().Err(err).Str("symbol", sym).Msg("Price fetch failed; skipping rules")
				return
			}
			if q.Price <= 0 {
				m.log.Warn().Float64("price", q.Price).Str("symbol", sym).Msg("Ignoring non-positive price")
				return
			}
			mu.Lock()
			out[sym] = q.Price
			mu.Unlock()
		}(sym)
	}
	wg.Wait()
	return out
}

func (m *Monitor) trigger(ctx context.Context, r Rule, price float64) TriggerEvent {
	ev := TriggerEvent{
		AlertID:        r.ID,
		Symbol:         r.Symbol,
		Condition:      r.Condition,
		Threshold:      r.Threshold,
		TriggeredPrice: price,
		Timestamp:      time.Now().UTC(),
		DispatchStatus: DispatchSkipped,
	}
	if r.TriggeredAt != nil {
		ev.Timestamp = *r.TriggeredAt
	}

	message := fmt.Sprintf("%s %s %g (price %g)", r.Symbol, r.Condition, r.Threshold, price)
	if m.dispatcher != nil {
		attempts, err := m.dispatcher.Dispatch(ctx, r.Channel, message, string(audit.SeverityWarning))
		ev.Attempts = attempts
		if err != nil {
			ev.DispatchStatus = DispatchFailed
			ev.Error = err.Error()
		} else {
			ev.DispatchStatus = DispatchDelivered
		}
	}

	m.log.Info().
		Str("alert_id", r.ID).
		Str("symbol", r.Symbol).
		Str("condition", string(r.Condition)).
		Float64("price", price).
		Str("dispatch", string(ev.DispatchStatus)).
		Msg("Alert triggered")

	m.recordTrigger(ctx, r, ev)
	return ev
}

func (m *Monitor) recordTrigger(ctx context.Context, r Rule, ev TriggerEvent) {
	m.histMu.Lock()
	m.history = append(m.history, ev)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.histMu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.EventAlertTriggered, ev)
	}
	if m.audit == nil {
		return
	}

	// Audit writes must outlive a cancelled cycle.
	actx := context.WithoutCancel(ctx)
	m.audit.LogEvent(actx, audit.Event{
		EventType: audit.TypeAlertTrigger,
		AgentName: agentName,
		Action:    "alert_triggered",
		Severity:  audit.SeverityWarning,
		Details: map[string]any{
			"alert_id":        ev.AlertID,
			"symbol":          ev.Symbol,
			"condition":       string(ev.Condition),
			"threshold":       ev.Threshold,
			"triggered_price": ev.TriggeredPrice,
			"channel":         r.Channel,
			"dispatch_status": string(ev.DispatchStatus),
			"attempts":        ev.Attempts,
		},
	})

	if ev.DispatchStatus != DispatchFailed {
		return
	}
	if m.bus != nil {
		m.bus.Publish(events.EventAlertDispatchFail, ev)
	}
	m.audit.LogEvent(actx, audit.Event{
		EventType: audit.TypeError,
		AgentName: agentName,
		Action:    "alert_dispatch_failed",
		Severity:  audit.SeverityError,
		Details: map[string]any{
			"alert_id": ev.AlertID,
			"channel":  r.Channel,
			"attempts": ev.Attempts,
			"error":    ev.Error,
		},
	})
}

// Triggers returns the most recent trigger events, oldest first.
func (m *Monitor) Triggers(limit int) []TriggerEvent {
	m.histMu.RLock()
	defer m.histMu.RUnlock()

	h := m.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]TriggerEvent(nil), h...)
}

// Store exposes the rule store.
func (m *Monitor) Store() *Store { return m.store }
