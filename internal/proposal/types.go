package proposal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes a single trade from an ordered multi-leg rebalance.
type Kind string

const (
	KindTrade     Kind = "trade"
	KindRebalance Kind = "rebalance"
)

// Action is the trade side.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Status of a proposal. Transitions only move forward:
// pending -> approved|rejected, approved -> executed|failed.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusExecuted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SubTrade is one leg of a rebalance (or the only leg of a trade).
type SubTrade struct {
	Symbol     string          `json:"symbol"`
	Action     Action          `json:"action"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Volatility float64         `json:"volatility,omitempty"`
}

// Value is quantity * price.
func (t SubTrade) Value() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// Proposal is a caller-submitted trade or rebalance request.
type Proposal struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Symbol      string          `json:"symbol,omitempty"`
	Action      Action          `json:"action,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Trades      []SubTrade      `json:"trades,omitempty"`
	Confidence  float64         `json:"confidence"`
	Volatility  float64         `json:"volatility"`
	RequestedBy string          `json:"requested_by"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      Status          `json:"status"`
}

// Legs returns the ordered trades this proposal would apply.
// A single trade yields one leg built from its top-level fields.
func (p Proposal) Legs() []SubTrade {
	if p.Kind == KindRebalance {
		out := make([]SubTrade, len(p.Trades))
		copy(out, p.Trades)
		return out
	}
	return []SubTrade{{
		Symbol:     p.Symbol,
		Action:     p.Action,
		Quantity:   p.Quantity,
		Price:      p.Price,
		Volatility: p.Volatility,
	}}
}

// MaxVolatility is the largest volatility over the proposal and its legs.
func (p Proposal) MaxVolatility() float64 {
	v := p.Volatility
	for _, t := range p.Trades {
		if t.Volatility > v {
			v = t.Volatility
		}
	}
	return v
}
