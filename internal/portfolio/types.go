package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"governance-core/internal/proposal"
)

// ExecutionStatus is binary: there are no partial fills.
type ExecutionStatus string

const (
	ExecutionFilled ExecutionStatus = "filled"
	ExecutionFailed ExecutionStatus = "failed"
)

// Position is one holding.
type Position struct {
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	LastMarkPrice decimal.Decimal `json:"last_mark_price"`
}

// Fill records one applied leg.
type Fill struct {
	Symbol   string          `json:"symbol"`
	Action   proposal.Action `json:"action"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// ExecutionResult is appended to the transaction history for every attempt
// that reaches the engine. Immutable once written.
type ExecutionResult struct {
	ProposalID             string          `json:"proposal_id"`
	Status                 ExecutionStatus `json:"status"`
	Reason                 string          `json:"reason,omitempty"`
	Fills                  []Fill          `json:"fills"`
	PortfolioVersionBefore uint64          `json:"portfolio_version_before"`
	PortfolioVersionAfter  uint64          `json:"portfolio_version_after"`
	ExecutedAt             time.Time       `json:"executed_at"`
}

// State is a deep copy of the portfolio at one version.
type State struct {
	Cash               decimal.Decimal     `json:"cash"`
	Positions          map[string]Position `json:"positions"`
	TransactionHistory []ExecutionResult   `json:"transaction_history"`
	Version            uint64              `json:"version"`
}

// CostBasis is cash plus every position at average cost. Filled trades
// move value between cash and positions without changing it.
func (s State) CostBasis() decimal.Decimal {
	total := s.Cash
	for _, p := range s.Positions {
		total = total.Add(p.Quantity.Mul(p.AvgCost))
	}
	return total
}
