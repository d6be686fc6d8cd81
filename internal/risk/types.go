package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Constraint names reported in violations.
const (
	ConstraintInvalid          = "invalid_proposal"
	ConstraintConfidence       = "confidence"
	ConstraintPositionSize     = "position_size"
	ConstraintPortfolioRisk    = "portfolio_risk"
	ConstraintVolatility       = "volatility"
	ConstraintSingleTradeValue = "single_trade_value"
	ConstraintDailyTrades      = "daily_trades"
)

// Policy is an immutable snapshot of the rules in force for one evaluation.
// Percentages are in percent units (5 means 5%). A limit <= 0 disables its check.
type Policy struct {
	MaxPositionSizePct     float64         `json:"max_position_size_pct"`
	MaxPortfolioRiskPct    float64         `json:"max_portfolio_risk_pct"`
	MinConfidenceThreshold float64         `json:"min_confidence_threshold"`
	MaxVolatility          float64         `json:"max_volatility"`
	MaxSingleTradeValue    decimal.Decimal `json:"max_single_trade_value"`
	MaxDailyTrades         int             `json:"max_daily_trades"`
	PolicyVersion          string          `json:"policy_version"`
}

// DefaultPolicy returns the built-in policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxPositionSizePct:     5,
		MaxPortfolioRiskPct:    80,
		MinConfidenceThreshold: 0.6,
		MaxVolatility:          0.5,
		MaxSingleTradeValue:    decimal.NewFromInt(10000),
		MaxDailyTrades:         20,
		PolicyVersion:          "default-v1",
	}
}

// Violation names a failed constraint with the observed value and the limit.
type Violation struct {
	Constraint string  `json:"constraint"`
	Value      float64 `json:"value"`
	Limit      float64 `json:"limit"`
	Message    string  `json:"message"`
}

// Decision is the verdict on one proposal. Produced once; never mutated.
type Decision struct {
	ProposalID        string      `json:"proposal_id"`
	Approved          bool        `json:"approved"`
	Violations        []Violation `json:"violations"`
	PolicyVersionUsed string      `json:"policy_version_used"`
	EvaluatedAt       time.Time   `json:"evaluated_at"`
}

// Reasons returns the human-readable violation messages in order.
func (d Decision) Reasons() []string {
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, v.Message)
	}
	return out
}

// Holding is the part of a position the evaluator needs.
type Holding struct {
	Quantity  decimal.Decimal `json:"quantity"`
	MarkPrice decimal.Decimal `json:"mark_price"`
}

// Snapshot is a version-consistent view of the portfolio captured before evaluation.
type Snapshot struct {
	Cash        decimal.Decimal    `json:"cash"`
	Holdings    map[string]Holding `json:"holdings"`
	DailyTrades int                `json:"daily_trades"`
	Version     uint64             `json:"version"`
	CapturedAt  time.Time          `json:"captured_at"`
}

// PositionsValue is the mark-to-market value of all holdings.
func (s Snapshot) PositionsValue() decimal.Decimal {
	total := decimal.Zero
	for _, h := range s.Holdings {
		total = total.Add(h.Quantity.Mul(h.MarkPrice))
	}
	return total
}

// TotalValue is cash plus mark-to-market holdings.
func (s Snapshot) TotalValue() decimal.Decimal {
	return s.Cash.Add(s.PositionsValue())
}

// Stats counts evaluations for monitoring.
type Stats struct {
	ChecksTotal     uint64 `json:"checks_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
}
