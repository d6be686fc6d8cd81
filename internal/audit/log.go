package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"governance-core/internal/events"
	"governance-core/pkg/db"
)

// Writer is the buffered, retrying sink durable rows go through.
type Writer interface {
	WriteQuery(table, query string, args ...any)
}

// Log is the append-only compliance log. Events are held in memory with a
// per-type index and mirrored to SQLite through the writer.
type Log struct {
	mu     sync.RWMutex
	events []Event
	byType map[EventType][]int

	counts    map[EventType]int
	decisions int
	approved  int
	execs     int
	filled    int

	bus    *events.Bus
	writer Writer
	log    zerolog.Logger
	now    func() time.Time
}

// NewLog creates a compliance log. bus and writer may be nil.
func NewLog(log zerolog.Logger, bus *events.Bus, writer Writer) *Log {
	return &Log{
		byType: make(map[EventType][]int),
		counts: make(map[EventType]int),
		bus:    bus,
		writer: writer,
		log:    log.With().Str("component", "audit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LogEvent appends ev and returns its id. Missing id, timestamp and severity
// are filled in. Storage problems are handled by the writer and never
// surface here.
func (l *Log) LogEvent(_ context.Context, ev Event) string {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if !ev.Severity.Valid() {
		ev.Severity = SeverityInfo
	}
	ev.Details = cloneDetails(ev.Details)

	l.mu.Lock()
	l.appendLocked(ev)
	l.mu.Unlock()

	l.log.Debug().
		Str("event_id", ev.EventID).
		Str("event_type", string(ev.EventType)).
		Str("action", ev.Action).
		Str("severity", string(ev.Severity)).
		Msg("Compliance event logged")

	if l.bus != nil {
		l.bus.Publish(events.EventComplianceLogged, ev)
	}
	l.persist(ev)
	return ev.EventID
}

func (l *Log) appendLocked(ev Event) {
	l.events = append(l.events, ev)
	l.byType[ev.EventType] = append(l.byType[ev.EventType], len(l.events)-1)
	l.counts[ev.EventType]++

	switch ev.EventType {
	case TypeRiskDecision:
		l.decisions++
		if approved, _ := ev.Details[DetailApproved].(bool); approved {
			l.approved++
		}
	case TypeExecution:
		l.execs++
		if status, _ := ev.Details[DetailStatus].(string); status == "filled" {
			l.filled++
		}
	}
}

func (l *Log) persist(ev Event) {
	if l.writer == nil {
		return
	}
	details, err := json.Marshal(ev.Details)
	if err != nil {
		l.log.Error().Err(err).Str("event_id", ev.EventID).Msg("Encode event details failed")
		details = []byte("{}")
	}
	l.writer.WriteQuery("compliance_events", `
		INSERT OR IGNORE INTO compliance_events (event_id, event_type, agent_name, action, details, severity, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, string(ev.EventType), ev.AgentName, ev.Action, string(details), string(ev.Severity), ev.Timestamp)
}

// Query returns matching events ordered by timestamp ascending. Events with
// equal timestamps keep their append order. Limit keeps the earliest N.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	var out []Event
	if f.EventType != "" {
		for _, i := range l.byType[f.EventType] {
			if f.match(l.events[i]) {
				out = append(out, copyEvent(l.events[i]))
			}
		}
	} else {
		for _, ev := range l.events {
			if f.match(ev) {
				out = append(out, copyEvent(ev))
			}
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	if out == nil {
		out = []Event{}
	}
	return out
}

// Metrics returns the incrementally maintained summary.
func (l *Log) Metrics() Metrics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m := Metrics{
		CountsByType: make(map[EventType]int, len(l.counts)),
		TotalEvents:  len(l.events),
		Decisions:    l.decisions,
		Approved:     l.approved,
		Executions:   l.execs,
		Filled:       l.filled,
	}
	for t, n := range l.counts {
		m.CountsByType[t] = n
	}
	if l.decisions > 0 {
		m.ApprovalRate = float64(l.approved) / float64(l.decisions)
	}
	if l.execs > 0 {
		m.ExecutionSuccessRate = float64(l.filled) / float64(l.execs)
	}
	return m
}

// Len returns the number of events held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Load replays stored events into memory. Nothing is re-published or
// re-written.
func (l *Log) Load(ctx context.Context, database *db.Database) error {
	rows, err := database.DB.QueryContext(ctx, `
		SELECT event_id, event_type, COALESCE(agent_name, ''), COALESCE(action, ''),
		       COALESCE(details, '{}'), severity, ts
		FROM compliance_events ORDER BY ts, rowid`)
	if err != nil {
		return fmt.Errorf("load compliance events: %w", err)
	}
	defer rows.Close()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for rows.Next() {
		var (
			ev                        Event
			eventType, severity, dets string
		)
		if err := rows.Scan(&ev.EventID, &eventType, &ev.AgentName, &ev.Action, &dets, &severity, &ev.Timestamp); err != nil {
			return err
		}
		ev.EventType = EventType(eventType)
		ev.Severity = Severity(severity)
		ev.Timestamp = ev.Timestamp.UTC()
		if err := json.Unmarshal([]byte(dets), &ev.Details); err != nil {
			return fmt.Errorf("event %s details: %w", ev.EventID, err)
		}
		l.appendLocked(ev)
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	l.log.Info().Int("count", n).Msg("Compliance events restored")
	return nil
}

func copyEvent(ev Event) Event {
	ev.Details = cloneDetails(ev.Details)
	return ev
}

func cloneDetails(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
