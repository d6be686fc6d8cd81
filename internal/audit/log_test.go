package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governance-core/internal/events"
	"governance-core/internal/persistence"
	"governance-core/pkg/db"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

func TestLogEventFillsDefaults(t *testing.T) {
	l := NewLog(zerolog.Nop(), nil, nil)
	l.now = func() time.Time { return base }

	id := l.LogEvent(context.Background(), Event{EventType: TypeProposal, Action: "submit"})
	require.NotEmpty(t, id)

	got := l.Query(Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].EventID)
	assert.Equal(t, base, got[0].Timestamp)
	assert.Equal(t, SeverityInfo, got[0].Severity)
	assert.NotNil(t, got[0].Details)
}

func TestQueryOrdersByTimestampAndFilters(t *testing.T) {
	l := NewLog(zerolog.Nop(), nil, nil)
	ctx := context.Background()

	l.LogEvent(ctx, Event{EventID: "3", EventType: TypeExecution, Timestamp: at(3)})
	l.LogEvent(ctx, Event{EventID: "1", EventType: TypeProposal, Timestamp: at(1)})
	l.LogEvent(ctx, Event{EventID: "2a", EventType: TypeExecution, Timestamp: at(2)})
	l.LogEvent(ctx, Event{EventID: "2b", EventType: TypeExecution, Timestamp: at(2)})

	ids := func(evs []Event) []string {
		out := make([]string, 0, len(evs))
		for _, e := range evs {
			out = append(out, e.EventID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"1", "2a", "2b", "3"}},
		{"by type", Filter{EventType: TypeExecution}, []string{"2a", "2b", "3"}},
		{"window inclusive", Filter{Start: at(2), End: at(2)}, []string{"2a", "2b"}},
		{"from start", Filter{Start: at(3)}, []string{"3"}},
		{"limit keeps earliest", Filter{Limit: 2}, []string{"1", "2a"}},
		{"no match", Filter{EventType: TypeAlertTrigger}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(l.Query(tt.filter)))
		})
	}
}

func TestEventsAreImmutableToCallers(t *testing.T) {
	l := NewLog(zerolog.Nop(), nil, nil)
	details := map[string]any{"k": "v"}
	l.LogEvent(context.Background(), Event{EventType: TypeError, Details: details})
	details["k"] = "changed"

	got := l.Query(Filter{})
	got[0].Details["k"] = "mutated"

	assert.Equal(t, "v", l.Query(Filter{})[0].Details["k"])
}

func TestMetrics(t *testing.T) {
	l := NewLog(zerolog.Nop(), nil, nil)
	ctx := context.Background()

	assert.Zero(t, l.Metrics().ApprovalRate)

	l.LogEvent(ctx, Event{EventType: TypeRiskDecision, Details: map[string]any{DetailApproved: true}})
	l.LogEvent(ctx, Event{EventType: TypeRiskDecision, Details: map[string]any{DetailApproved: false}})
	l.LogEvent(ctx, Event{EventType: TypeRiskDecision, Details: map[string]any{DetailApproved: true}})
	l.LogEvent(ctx, Event{EventType: TypeRiskDecision, Details: map[string]any{DetailApproved: true}})
	l.LogEvent(ctx, Event{EventType: TypeExecution, Details: map[string]any{DetailStatus: "filled"}})
	l.LogEvent(ctx, Event{EventType: TypeExecution, Details: map[string]any{DetailStatus: "failed"}})
	l.LogEvent(ctx, Event{EventType: TypeError})

	m := l.Metrics()
	assert.InDelta(t, 0.75, m.ApprovalRate, 1e-9)
	assert.InDelta(t, 0.5, m.ExecutionSuccessRate, 1e-9)
	assert.Equal(t, 7, m.TotalEvents)
	assert.Equal(t, 4, m.CountsByType[TypeRiskDecision])
	assert.Equal(t, 2, m.CountsByType[TypeExecution])
	assert.Equal(t, 1, m.CountsByType[TypeError])
}

func TestLogEventPublishesOnBus(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventComplianceLogged, 1)
	defer unsub()

	l := NewLog(zerolog.Nop(), bus, nil)
	id := l.LogEvent(context.Background(), Event{EventType: TypeProposal})

	select {
	case msg := <-ch:
		ev, ok := msg.(Event)
		require.True(t, ok)
		assert.Equal(t, id, ev.EventID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestDurableStoreReplay(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	defer database.Close()

	writer := persistence.NewBatchWriter(database.DB, zerolog.Nop(), persistence.Options{FlushInterval: time.Hour})
	defer writer.Close()

	l := NewLog(zerolog.Nop(), nil, writer)
	ctx := context.Background()
	l.LogEvent(ctx, Event{EventType: TypeRiskDecision, AgentName: "agent", Action: "validate_trade",
		Details: map[string]any{DetailApproved: true, "policy": "v1"}, Timestamp: at(1)})
	l.LogEvent(ctx, Event{EventType: TypeExecution, Details: map[string]any{DetailStatus: "filled"}, Timestamp: at(2)})
	require.NoError(t, writer.Flush())

	replayed := NewLog(zerolog.Nop(), nil, nil)
	require.NoError(t, replayed.Load(ctx, database))

	got := replayed.Query(Filter{})
	require.Len(t, got, 2)
	assert.Equal(t, "agent", got[0].AgentName)
	assert.Equal(t, "v1", got[0].Details["policy"])
	assert.True(t, got[0].Timestamp.Equal(at(1)))

	m := replayed.Metrics()
	assert.InDelta(t, 1.0, m.ApprovalRate, 1e-9)
	assert.InDelta(t, 1.0, m.ExecutionSuccessRate, 1e-9)
}
