package events

// Event enumerates high-level topics inside the governance core.
type Event string

const (
	EventComplianceLogged  Event = "compliance.logged"
	EventDecisionMade      Event = "risk.decision"
	EventPortfolioChanged  Event = "portfolio.changed"
	EventAlertTriggered    Event = "alert.triggered"
	EventAlertDispatchFail Event = "alert.dispatch_failed"
)
