package portfolio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"governance-core/internal/proposal"
	"governance-core/internal/risk"
)

// ErrIntegrity marks an execution request that does not carry a matching
// approved decision. Nothing is mutated when it is returned.
var ErrIntegrity = errors.New("integrity violation")

// Sink receives every committed change for durable storage. Implementations
// must not block on I/O.
type Sink interface {
	Persist(change Change)
}

// Change is what one Execute call did to the portfolio.
type Change struct {
	Cash      decimal.Decimal
	Version   uint64
	Positions map[string]Position // touched symbols; zero quantity means removed
	Result    ExecutionResult
}

// Engine is the single writer of portfolio state. All mutations happen
// under one lock, so concurrent executions are serialized and readers only
// ever see whole versions.
type Engine struct {
	mu        sync.RWMutex
	cash      decimal.Decimal
	positions map[string]Position
	history   []ExecutionResult
	version   uint64

	dailyDay   string
	dailyCount int

	sink Sink
	log  zerolog.Logger
	now  func() time.Time
}

// NewEngine creates an engine holding only initialCash. sink may be nil.
func NewEngine(log zerolog.Logger, initialCash decimal.Decimal, sink Sink) *Engine {
	return &Engine{
		cash:      initialCash,
		positions: make(map[string]Position),
		sink:      sink,
		log:       log.With().Str("component", "portfolio").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Restore replaces the in-memory state, e.g. with what a Store loaded on
// startup.
func (e *Engine) Restore(st State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cash = st.Cash
	e.version = st.Version
	e.positions = make(map[string]Position, len(st.Positions))
	for sym, p := range st.Positions {
		e.positions[sym] = p
	}
	e.history = append([]ExecutionResult(nil), st.TransactionHistory...)

	e.dailyDay = dayKey(e.now())
	e.dailyCount = 0
	for _, r := range e.history {
		if r.Status == ExecutionFilled && dayKey(r.ExecutedAt) == e.dailyDay {
			e.dailyCount++
		}
	}
}

// Execute applies an approved proposal. Every leg is applied to a scratch
// copy; the result is committed only if all legs succeed, otherwise the
// portfolio is left untouched and a failed result is recorded. Mismatched or
// unapproved decisions return ErrIntegrity without recording anything.
func (e *Engine) Execute(p proposal.Proposal, d risk.Decision) (ExecutionResult, error) {
	if d.ProposalID != p.ID {
		return ExecutionResult{}, fmt.Errorf("%w: decision %q does not belong to proposal %q", ErrIntegrity, d.ProposalID, p.ID)
	}
	if !d.Approved {
		return ExecutionResult{}, fmt.Errorf("%w: proposal %q was not approved", ErrIntegrity, p.ID)
	}
	legs := p.Legs()
	if len(legs) == 0 {
		return ExecutionResult{}, fmt.Errorf("%w: proposal %q has no trades", ErrIntegrity, p.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	res := ExecutionResult{
		ProposalID:             p.ID,
		Fills:                  []Fill{},
		PortfolioVersionBefore: e.version,
		PortfolioVersionAfter:  e.version,
		ExecutedAt:             now,
	}

	cash, touched, fills, err := e.apply(legs)
	if err != nil {
		res.Status = ExecutionFailed
		res.Reason = err.Error()
		e.history = append(e.history, res)
		e.log.Warn().
			Str("proposal_id", p.ID).
			Uint64("version", e.version).
			Str("reason", res.Reason).
			Msg("Execution failed; portfolio unchanged")
		e.persist(Change{Cash: e.cash, Version: e.version, Result: res})
		return res, nil
	}

	e.cash = cash
	for sym, pos := range touched {
		if pos.Quantity.IsZero() {
			delete(e.positions, sym)
			continue
		}
		e.positions[sym] = pos
	}
	e.version++
	e.countDaily(now)

	res.Status = ExecutionFilled
	res.Fills = fills
	res.PortfolioVersionAfter = e.version
	e.history = append(e.history, res)

	e.log.Info().
		Str("proposal_id", p.ID).
		Int("legs", len(fills)).
		Uint64("version", e.version).
		Str("cash", e.cash.String()).
		Msg("Execution filled")
	e.persist(Change{Cash: e.cash, Version: e.version, Positions: touched, Result: res})
	return res, nil
}

// Reject records a failed result for a proposal refused before any leg was
// applied. State and version are untouched.
func (e *Engine) Reject(proposalID, reason string) ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := ExecutionResult{
		ProposalID:             proposalID,
		Status:                 ExecutionFailed,
		Reason:                 reason,
		Fills:                  []Fill{},
		PortfolioVersionBefore: e.version,
		PortfolioVersionAfter:  e.version,
		ExecutedAt:             e.now(),
	}
	e.history = append(e.history, res)
	e.log.Warn().Str("proposal_id", proposalID).Str("reason", reason).Msg("Execution refused")
	e.persist(Change{Cash: e.cash, Version: e.version, Result: res})
	return res
}

// apply runs legs in order against copies of cash and the touched positions.
// Caller holds the write lock.
func (e *Engine) apply(legs []proposal.SubTrade) (decimal.Decimal, map[string]Position, []Fill, error) {
	cash := e.cash
	touched := make(map[string]Position)
	fills := make([]Fill, 0, len(legs))

	current := func(sym string) Position {
		if pos, ok := touched[sym]; ok {
			return pos
		}
		return e.positions[sym]
	}

	for i, leg := range legs {
		sym := strings.ToUpper(strings.TrimSpace(leg.Symbol))
		if sym == "" || !leg.Quantity.IsPositive() || !leg.Price.IsPositive() {
			return cash, nil, nil, fmt.Errorf("leg %d: invalid trade %s %s @ %s", i+1, sym, leg.Quantity, leg.Price)
		}
		pos := current(sym)
		value := leg.Quantity.Mul(leg.Price)

		switch leg.Action {
		case proposal.ActionBuy:
			if cash.LessThan(value) {
				return cash, nil, nil, fmt.Errorf("leg %d: insufficient cash for buy %s: need %s, have %s",
					i+1, sym, value.StringFixed(2), cash.StringFixed(2))
			}
			newQty := pos.Quantity.Add(leg.Quantity)
			pos.AvgCost = pos.Quantity.Mul(pos.AvgCost).Add(value).Div(newQty)
			pos.Quantity = newQty
			cash = cash.Sub(value)
		case proposal.ActionSell:
			if pos.Quantity.LessThan(leg.Quantity) {
				return cash, nil, nil, fmt.Errorf("leg %d: insufficient shares for sell %s: need %s, have %s",
					i+1, sym, leg.Quantity, pos.Quantity)
			}
			pos.Quantity = pos.Quantity.Sub(leg.Quantity)
			if pos.Quantity.IsZero() {
				pos.AvgCost = decimal.Zero
			}
			cash = cash.Add(value)
		default:
			return cash, nil, nil, fmt.Errorf("leg %d: unknown action %q", i+1, leg.Action)
		}
		pos.LastMarkPrice = leg.Price
		touched[sym] = pos
		fills = append(fills, Fill{Symbol: sym, Action: leg.Action, Quantity: leg.Quantity, Price: leg.Price})
	}
	return cash, touched, fills, nil
}

func (e *Engine) persist(c Change) {
	if e.sink != nil {
		e.sink.Persist(c)
	}
}

func (e *Engine) countDaily(now time.Time) {
	day := dayKey(now)
	if day != e.dailyDay {
		e.dailyDay = day
		e.dailyCount = 0
	}
	e.dailyCount++
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Snapshot returns a version-consistent view for risk evaluation.
func (e *Engine) Snapshot() risk.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()
	snap := risk.Snapshot{
		Cash:       e.cash,
		Holdings:   make(map[string]risk.Holding, len(e.positions)),
		Version:    e.version,
		CapturedAt: now,
	}
	for sym, p := range e.positions {
		snap.Holdings[sym] = risk.Holding{Quantity: p.Quantity, MarkPrice: p.LastMarkPrice}
	}
	if e.dailyDay == dayKey(now) {
		snap.DailyTrades = e.dailyCount
	}
	return snap
}

// State returns a deep copy of the current portfolio.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := State{
		Cash:               e.cash,
		Positions:          make(map[string]Position, len(e.positions)),
		TransactionHistory: make([]ExecutionResult, len(e.history)),
		Version:            e.version,
	}
	for sym, p := range e.positions {
		st.Positions[sym] = p
	}
	for i, r := range e.history {
		r.Fills = append([]Fill(nil), r.Fills...)
		st.TransactionHistory[i] = r
	}
	return st
}

// Version returns the current portfolio version.
func (e *Engine) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}
