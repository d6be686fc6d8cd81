package risk

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"governance-core/internal/proposal"
)

var hundred = decimal.NewFromInt(100)

// Evaluate checks a proposal against policy and snapshot. It is pure: the
// same inputs always yield the same decision, and every failing check is
// reported rather than stopping at the first one.
func Evaluate(p proposal.Proposal, policy Policy, snap Snapshot) Decision {
	dec := Decision{
		ProposalID:        p.ID,
		Violations:        []Violation{},
		PolicyVersionUsed: policy.PolicyVersion,
		EvaluatedAt:       snap.CapturedAt,
	}

	legs := p.Legs()
	if msg := structuralProblem(p, legs); msg != "" {
		dec.Violations = append(dec.Violations, Violation{
			Constraint: ConstraintInvalid,
			Message:    ConstraintInvalid + ": " + msg,
		})
	}

	total := snap.TotalValue()

	// 1. Confidence floor.
	if p.Confidence < policy.MinConfidenceThreshold {
		dec.Violations = append(dec.Violations, Violation{
			Constraint: ConstraintConfidence,
			Value:      p.Confidence,
			Limit:      policy.MinConfidenceThreshold,
			Message:    fmt.Sprintf("confidence: %.2f < %.2f", p.Confidence, policy.MinConfidenceThreshold),
		})
	}

	// 2. Largest buy leg as a share of the whole portfolio. Sells only
	// shrink a position and are not sized.
	if policy.MaxPositionSizePct > 0 && hasBuy(legs) {
		largest := decimal.Zero
		for _, leg := range legs {
			if leg.Action != proposal.ActionBuy {
				continue
			}
			if v := leg.Value().Abs(); v.GreaterThan(largest) {
				largest = v
			}
		}
		if pct, ok := percentOf(largest, total); !ok {
			dec.Violations = append(dec.Violations, nonPositiveTotal(ConstraintPositionSize, total, policy.MaxPositionSizePct))
		} else if pct > policy.MaxPositionSizePct {
			dec.Violations = append(dec.Violations, Violation{
				Constraint: ConstraintPositionSize,
				Value:      pct,
				Limit:      policy.MaxPositionSizePct,
				Message:    fmt.Sprintf("position_size: %.1f%% > %.1f%%", pct, policy.MaxPositionSizePct),
			})
		}
	}

	// 3. Aggregate exposure once every leg is applied.
	if policy.MaxPortfolioRiskPct > 0 {
		exposure := exposureAfter(snap, legs)
		if pct, ok := percentOf(exposure, total); !ok {
			dec.Violations = append(dec.Violations, nonPositiveTotal(ConstraintPortfolioRisk, total, policy.MaxPortfolioRiskPct))
		} else if pct > policy.MaxPortfolioRiskPct {
			dec.Violations = append(dec.Violations, Violation{
				Constraint: ConstraintPortfolioRisk,
				Value:      pct,
				Limit:      policy.MaxPortfolioRiskPct,
				Message:    fmt.Sprintf("portfolio_risk: %.1f%% > %.1f%%", pct, policy.MaxPortfolioRiskPct),
			})
		}
	}

	// 4. Instrument volatility as supplied by the caller.
	if policy.MaxVolatility > 0 {
		if vol := p.MaxVolatility(); vol > policy.MaxVolatility {
			dec.Violations = append(dec.Violations, Violation{
				Constraint: ConstraintVolatility,
				Value:      vol,
				Limit:      policy.MaxVolatility,
				Message:    fmt.Sprintf("volatility: %.2f > %.2f", vol, policy.MaxVolatility),
			})
		}
	}

	// 5. Notional cap per trade.
	if policy.MaxSingleTradeValue.IsPositive() {
		for _, leg := range legs {
			v := leg.Value().Abs()
			if v.GreaterThan(policy.MaxSingleTradeValue) {
				dec.Violations = append(dec.Violations, Violation{
					Constraint: ConstraintSingleTradeValue,
					Value:      v.InexactFloat64(),
					Limit:      policy.MaxSingleTradeValue.InexactFloat64(),
					Message: fmt.Sprintf("single_trade_value: %s %s > %s",
						leg.Symbol, v.StringFixed(2), policy.MaxSingleTradeValue.StringFixed(2)),
				})
			}
		}
	}

	// 6. Trades already filled today.
	if policy.MaxDailyTrades > 0 && snap.DailyTrades >= policy.MaxDailyTrades {
		dec.Violations = append(dec.Violations, Violation{
			Constraint: ConstraintDailyTrades,
			Value:      float64(snap.DailyTrades),
			Limit:      float64(policy.MaxDailyTrades),
			Message:    fmt.Sprintf("daily_trades: %d >= %d", snap.DailyTrades, policy.MaxDailyTrades),
		})
	}

	dec.Approved = len(dec.Violations) == 0
	return dec
}

// percentOf returns part/total in percent; ok is false when total is not positive.
func percentOf(part, total decimal.Decimal) (float64, bool) {
	if !total.IsPositive() {
		return 0, false
	}
	return part.Div(total).Mul(hundred).Round(6).InexactFloat64(), true
}

func nonPositiveTotal(constraint string, total decimal.Decimal, limit float64) Violation {
	return Violation{
		Constraint: constraint,
		Value:      total.InexactFloat64(),
		Limit:      limit,
		Message:    fmt.Sprintf("%s: portfolio value %s is not positive", constraint, total.StringFixed(2)),
	}
}

// exposureAfter is the mark-to-market value of holdings once all legs are
// applied at their proposed prices. Sells never take a holding below zero.
func exposureAfter(snap Snapshot, legs []proposal.SubTrade) decimal.Decimal {
	values := make(map[string]decimal.Decimal, len(snap.Holdings))
	for sym, h := range snap.Holdings {
		values[sym] = h.Quantity.Mul(h.MarkPrice)
	}
	for _, leg := range legs {
		v := leg.Value().Abs()
		switch leg.Action {
		case proposal.ActionBuy:
			values[leg.Symbol] = values[leg.Symbol].Add(v)
		case proposal.ActionSell:
			next := values[leg.Symbol].Sub(v)
			if next.IsNegative() {
				next = decimal.Zero
			}
			values[leg.Symbol] = next
		}
	}
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

func structuralProblem(p proposal.Proposal, legs []proposal.SubTrade) string {
	switch p.Kind {
	case proposal.KindTrade:
	case proposal.KindRebalance:
		if len(p.Trades) == 0 {
			return "rebalance has no trades"
		}
	default:
		return fmt.Sprintf("unknown kind %q", p.Kind)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Sprintf("confidence %.2f outside [0,1]", p.Confidence)
	}
	var problems []string
	for i, leg := range legs {
		switch {
		case strings.TrimSpace(leg.Symbol) == "":
			problems = append(problems, fmt.Sprintf("leg %d: symbol is empty", i+1))
		case leg.Action != proposal.ActionBuy && leg.Action != proposal.ActionSell:
			problems = append(problems, fmt.Sprintf("leg %d: unknown action %q", i+1, leg.Action))
		case !leg.Quantity.IsPositive():
			problems = append(problems, fmt.Sprintf("leg %d: quantity must be positive", i+1))
		case !leg.Price.IsPositive():
			problems = append(problems, fmt.Sprintf("leg %d: price must be positive", i+1))
		}
	}
	return strings.Join(problems, "; ")
}

// Engine wraps Evaluate with logging and evaluation counters.
type Engine struct {
	log        zerolog.Logger
	checks     atomic.Uint64
	rejections atomic.Uint64
}

// NewEngine creates a risk validation engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "risk").Logger()}
}

// Validate evaluates the proposal; it never touches portfolio state.
func (e *Engine) Validate(p proposal.Proposal, policy Policy, snap Snapshot) Decision {
	dec := Evaluate(p, policy, snap)
	e.checks.Add(1)
	if !dec.Approved {
		e.rejections.Add(1)
		e.log.Info().
			Str("proposal_id", p.ID).
			Str("policy_version", policy.PolicyVersion).
			Strs("violations", dec.Reasons()).
			Msg("Proposal rejected")
		return dec
	}
	e.log.Info().
		Str("proposal_id", p.ID).
		Str("policy_version", policy.PolicyVersion).
		Uint64("snapshot_version", snap.Version).
		Msg("Proposal approved")
	return dec
}

// Stats returns evaluation counters.
func (e *Engine) Stats() Stats {
	return Stats{
		ChecksTotal:     e.checks.Load(),
		RejectionsTotal: e.rejections.Load(),
	}
}

func hasBuy(legs []proposal.SubTrade) bool {
	for _, leg := range legs {
		if leg.Action == proposal.ActionBuy {
			return true
		}
	}
	return false
}
