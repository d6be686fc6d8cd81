package alert

import (
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("alert rule not found")
	ErrInvalidRule = errors.New("invalid alert rule")
	ErrNotActive   = errors.New("alert rule is not in the required state")
)

// Condition decides when a rule fires.
type Condition string

const (
	ConditionAbove        Condition = "above"
	ConditionBelow        Condition = "below"
	ConditionCrossesAbove Condition = "crosses_above"
	ConditionCrossesBelow Condition = "crosses_below"
)

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	switch c {
	case ConditionAbove, ConditionBelow, ConditionCrossesAbove, ConditionCrossesBelow:
		return true
	}
	return false
}

// Crossing reports whether c needs a previous observation.
func (c Condition) Crossing() bool {
	return c == ConditionCrossesAbove || c == ConditionCrossesBelow
}

// State of a rule: active -> triggered -> (reset) active; any -> deleted.
type State string

const (
	StateActive    State = "active"
	StateTriggered State = "triggered"
	StateDeleted   State = "deleted"
)

// Rule is a price alert.
type Rule struct {
	ID                string     `json:"id"`
	Symbol            string     `json:"symbol"`
	Condition         Condition  `json:"condition"`
	Threshold         float64    `json:"threshold"`
	Channel           string     `json:"channel"`
	State             State      `json:"state"`
	LastObservedPrice *float64   `json:"last_observed_price,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	TriggeredAt       *time.Time `json:"triggered_at,omitempty"`
}

// DispatchStatus is the outcome of notifying about a trigger.
type DispatchStatus string

const (
	DispatchDelivered DispatchStatus = "delivered"
	DispatchFailed    DispatchStatus = "failed"
	DispatchSkipped   DispatchStatus = "skipped"
)

// TriggerEvent records one rule firing.
type TriggerEvent struct {
	AlertID        string         `json:"alert_id"`
	Symbol         string         `json:"symbol"`
	Condition      Condition      `json:"condition"`
	Threshold      float64        `json:"threshold"`
	TriggeredPrice float64        `json:"triggered_price"`
	Timestamp      time.Time      `json:"timestamp"`
	DispatchStatus DispatchStatus `json:"dispatch_status"`
	Attempts       int            `json:"attempts"`
	Error          string         `json:"error,omitempty"`
}

// Evaluate reports whether price satisfies the rule. Crossing conditions
// compare against the last observed price; without one they never fire.
func Evaluate(r Rule, price float64) bool {
	switch r.Condition {
	case ConditionAbove:
		return price > r.Threshold
	case ConditionBelow:
		return price < r.Threshold
	case ConditionCrossesAbove:
		return r.LastObservedPrice != nil && *r.LastObservedPrice < r.Threshold && price >= r.Threshold
	case ConditionCrossesBelow:
		return r.LastObservedPrice != nil && *r.LastObservedPrice > r.Threshold && price <= r.Threshold
	}
	return false
}
