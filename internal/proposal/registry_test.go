package proposal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governance-core/internal/persistence"
	"governance-core/pkg/db"
)

func sample(id string) Proposal {
	return Proposal{
		ID:         id,
		Kind:       KindTrade,
		Symbol:     "AAPL",
		Action:     ActionBuy,
		Quantity:   decimal.NewFromInt(10),
		Price:      decimal.NewFromInt(100),
		Confidence: 0.8,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	require.NoError(t, r.Register(sample("p-1")))

	rec, err := r.Get("p-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Proposal.Status)
	assert.False(t, rec.Proposal.CreatedAt.IsZero())
	assert.Nil(t, rec.Decision)

	err = r.Register(sample("p-1"))
	assert.True(t, errors.Is(err, ErrDuplicate))

	_, err = r.Get("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLifecycleMovesForwardOnly(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	require.NoError(t, r.Register(sample("p")))

	require.NoError(t, r.BindDecision("p", true, map[string]any{"approved": true}))
	rec, _ := r.Get("p")
	assert.Equal(t, StatusApproved, rec.Proposal.Status)
	assert.JSONEq(t, `{"approved":true}`, string(rec.Decision))

	err := r.BindDecision("p", false, nil)
	assert.True(t, errors.Is(err, ErrDecisionBound))

	require.NoError(t, r.Transition("p", StatusExecuted))

	for _, to := range []Status{StatusPending, StatusApproved, StatusFailed} {
		err := r.Transition("p", to)
		assert.True(t, errors.Is(err, ErrInvalidTransition), "executed -> %s", to)
	}
}

func TestRejectedProposalCannotExecute(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	require.NoError(t, r.Register(sample("p")))
	require.NoError(t, r.BindDecision("p", false, map[string]any{"approved": false}))

	err := r.Transition("p", StatusExecuted)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusExecuted, false},
		{StatusApproved, StatusExecuted, true},
		{StatusApproved, StatusFailed, true},
		{StatusApproved, StatusRejected, false},
		{StatusRejected, StatusApproved, false},
		{StatusFailed, StatusExecuted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusApproved.Terminal())
}

func TestListFiltersAndLimits(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), nil)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(sample(id)))
	}
	require.NoError(t, r.BindDecision("b", false, nil))

	all := r.List("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Proposal.ID)

	pending := r.List(StatusPending, 0)
	assert.Len(t, pending, 2)

	last := r.List("", 1)
	require.Len(t, last, 1)
	assert.Equal(t, "c", last[0].Proposal.ID)
}

func TestLegsAndMaxVolatility(t *testing.T) {
	p := sample("t")
	p.Volatility = 0.2
	legs := p.Legs()
	require.Len(t, legs, 1)
	assert.Equal(t, "AAPL", legs[0].Symbol)
	assert.True(t, legs[0].Value().Equal(decimal.NewFromInt(1000)))

	reb := Proposal{Kind: KindRebalance, Volatility: 0.1, Trades: []SubTrade{
		{Symbol: "A", Volatility: 0.3},
		{Symbol: "B", Volatility: 0.05},
	}}
	assert.Len(t, reb.Legs(), 2)
	assert.Equal(t, 0.3, reb.MaxVolatility())
}

func TestRegistryPersistsAndReloads(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	defer database.Close()

	writer := persistence.NewBatchWriter(database.DB, zerolog.Nop(), persistence.Options{FlushInterval: time.Hour})
	defer writer.Close()

	r := NewRegistry(zerolog.Nop(), writer)
	first := sample("p-1")
	first.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := sample("p-2")
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))
	require.NoError(t, r.BindDecision("p-1", true, map[string]any{"approved": true}))
	require.NoError(t, r.Transition("p-1", StatusExecuted))
	require.NoError(t, writer.Flush())

	reloaded := NewRegistry(zerolog.Nop(), nil)
	require.NoError(t, reloaded.Load(context.Background(), database))

	list := reloaded.List("", 0)
	require.Len(t, list, 2)
	assert.Equal(t, "p-1", list[0].Proposal.ID)
	assert.Equal(t, StatusExecuted, list[0].Proposal.Status)
	assert.JSONEq(t, `{"approved":true}`, string(list[0].Decision))
	assert.Equal(t, StatusPending, list[1].Proposal.Status)
	assert.True(t, list[1].Proposal.Quantity.Equal(decimal.NewFromInt(10)))
}
