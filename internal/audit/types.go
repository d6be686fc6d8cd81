package audit

import "time"

// EventType classifies a compliance event.
type EventType string

const (
	TypeProposal     EventType = "proposal"
	TypeRiskDecision EventType = "risk_decision"
	TypeExecution    EventType = "execution"
	TypeAlertTrigger EventType = "alert_trigger"
	TypeError        EventType = "error"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case TypeProposal, TypeRiskDecision, TypeExecution, TypeAlertTrigger, TypeError:
		return true
	}
	return false
}

// Severity of a compliance event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Detail keys the metrics read back out of event payloads.
const (
	DetailApproved = "approved"
	DetailStatus   = "status"
)

// Event is one append-only compliance record.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType EventType      `json:"event_type"`
	AgentName string         `json:"agent_name"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
}

// Filter selects events for a report. Zero fields match everything;
// Start and End are inclusive.
type Filter struct {
	EventType EventType
	Start     time.Time
	End       time.Time
	Limit     int
}

func (f Filter) match(e Event) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Metrics summarizes the log.
type Metrics struct {
	ApprovalRate         float64           `json:"approval_rate"`
	ExecutionSuccessRate float64           `json:"execution_success_rate"`
	CountsByType         map[EventType]int `json:"counts_by_type"`
	TotalEvents          int               `json:"total_events"`
	Decisions            int               `json:"decisions"`
	Approved             int               `json:"approved"`
	Executions           int               `json:"executions"`
	Filled               int               `json:"filled"`
}
