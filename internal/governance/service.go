package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"governance-core/internal/alert"
	"governance-core/internal/audit"
	"governance-core/internal/events"
	"governance-core/internal/monitor"
	"governance-core/internal/portfolio"
	"governance-core/internal/proposal"
	"governance-core/internal/risk"
)

var (
	// ErrIntegrity aliases portfolio.ErrIntegrity.
	ErrIntegrity = portfolio.ErrIntegrity
	// ErrInvalidEvent is returned by LogEvent for unknown types or severities.
	ErrInvalidEvent = errors.New("invalid compliance event")
)

const defaultAgent = "unknown"

// Deps are the components the service orchestrates. Alerts, Metrics and Bus
// are optional.
type Deps struct {
	Risk      *risk.Engine
	Policies  risk.Loader
	Portfolio *portfolio.Engine
	Proposals *proposal.Registry
	Audit     *audit.Log
	Alerts    *alert.Monitor
	Metrics   *monitor.SystemMetrics
	Bus       *events.Bus
}

// Service is the tool surface callers use: validate, execute, inspect
// and audit, plus alert management.
type Service struct {
	Deps
	execMu sync.Mutex // one execution at a time, end to end
	log    zerolog.Logger
}

// NewService creates the facade.
func NewService(log zerolog.Logger, deps Deps) *Service {
	return &Service{
		Deps: deps,
		log:  log.With().Str("component", "governance").Logger(),
	}
}

// TradeRequest proposes a single trade.
type TradeRequest struct {
	ProposalID  string          `json:"proposal_id"`
	Symbol      string          `json:"symbol"`
	Action      proposal.Action `json:"action"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Confidence  float64         `json:"confidence"`
	Volatility  float64         `json:"volatility"`
	RequestedBy string          `json:"requested_by"`
	PolicyRef   string          `json:"policy_ref"`
}

// RebalanceRequest proposes an ordered set of trades applied atomically.
type RebalanceRequest struct {
	ProposalID  string              `json:"proposal_id"`
	Trades      []proposal.SubTrade `json:"trades"`
	Confidence  float64             `json:"confidence"`
	Volatility  float64             `json:"volatility"`
	RequestedBy string              `json:"requested_by"`
	PolicyRef   string              `json:"policy_ref"`
}

// ValidateTrade registers a trade proposal and evaluates it.
func (s *Service) ValidateTrade(ctx context.Context, req TradeRequest) (risk.Decision, error) {
	p := proposal.Proposal{
		ID:          req.ProposalID,
		Kind:        proposal.KindTrade,
		Symbol:      normalizeSymbol(req.Symbol),
		Action:      proposal.Action(strings.ToLower(string(req.Action))),
		Quantity:    req.Quantity,
		Price:       req.Price,
		Confidence:  req.Confidence,
		Volatility:  req.Volatility,
		RequestedBy: req.RequestedBy,
	}
	return s.validate(ctx, p, req.PolicyRef, "validate_trade")
}

// ValidateRebalance registers a rebalance proposal and evaluates it.
func (s *Service) ValidateRebalance(ctx context.Context, req RebalanceRequest) (risk.Decision, error) {
	trades := make([]proposal.SubTrade, len(req.Trades))
	for i, t := range req.Trades {
		t.Symbol = normalizeSymbol(t.Symbol)
		t.Action = proposal.Action(strings.ToLower(string(t.Action)))
		trades[i] = t
	}
	p := proposal.Proposal{
		ID:          req.ProposalID,
		Kind:        proposal.KindRebalance,
		Trades:      trades,
		Confidence:  req.Confidence,
		Volatility:  req.Volatility,
		RequestedBy: req.RequestedBy,
	}
	return s.validate(ctx, p, req.PolicyRef, "validate_rebalance")
}

func (s *Service) validate(ctx context.Context, p proposal.Proposal, policyRef, action string) (risk.Decision, error) {
	start := time.Now()

	// Resolve the policy first so every logged proposal gets a decision.
	policy, err := s.Policies.LoadPolicy(ctx, policyRef)
	if err != nil {
		return risk.Decision{}, err
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.RequestedBy == "" {
		p.RequestedBy = defaultAgent
	}
	p.CreatedAt = time.Now().UTC()
	if err := s.Proposals.Register(p); err != nil {
		if errors.Is(err, proposal.ErrDuplicate) {
			s.integrityViolation(ctx, p.ID, p.RequestedBy, action, err)
		}
		return risk.Decision{}, err
	}
	s.Audit.LogEvent(ctx, audit.Event{
		EventType: audit.TypeProposal,
		AgentName: p.RequestedBy,
		Action:    action,
		Severity:  audit.SeverityInfo,
		Details:   proposalDetails(p),
	})

	snap := s.Portfolio.Snapshot()
	dec := s.Risk.Validate(p, policy, snap)

	if err := s.Proposals.BindDecision(p.ID, dec.Approved, dec); err != nil {
		s.integrityViolation(ctx, p.ID, p.RequestedBy, action, err)
		return risk.Decision{}, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}

	severity := audit.SeverityInfo
	if !dec.Approved {
		severity = audit.SeverityWarning
	}
	s.Audit.LogEvent(ctx, audit.Event{
		EventType: audit.TypeRiskDecision,
		AgentName: p.RequestedBy,
		Action:    action,
		Severity:  severity,
		Details: map[string]any{
			"proposal_id":         p.ID,
			audit.DetailApproved:  dec.Approved,
			"violations":          dec.Reasons(),
			"policy_version_used": dec.PolicyVersionUsed,
			"snapshot_version":    snap.Version,
		},
	})
	if s.Bus != nil {
		s.Bus.Publish(events.EventDecisionMade, dec)
	}
	if s.Metrics != nil {
		s.Metrics.ObserveValidate(time.Since(start), dec.Approved)
	}
	return dec, nil
}

// ExecuteTrade executes an approved single-trade proposal.
func (s *Service) ExecuteTrade(ctx context.Context, proposalID string, decision risk.Decision) (portfolio.ExecutionResult, error) {
	return s.execute(ctx, proposalID, decision, proposal.KindTrade, "execute_trade")
}

// ApplyRebalance executes an approved rebalance proposal, all legs or none.
func (s *Service) ApplyRebalance(ctx context.Context, proposalID string, decision risk.Decision) (portfolio.ExecutionResult, error) {
	return s.execute(ctx, proposalID, decision, proposal.KindRebalance, "apply_rebalance")
}

func (s *Service) execute(ctx context.Context, proposalID string, decision risk.Decision, kind proposal.Kind, action string) (portfolio.ExecutionResult, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	start := time.Now()

	rec, err := s.Proposals.Get(proposalID)
	if err != nil {
		s.integrityViolation(ctx, proposalID, defaultAgent, action, err)
		return portfolio.ExecutionResult{}, err
	}
	p := rec.Proposal
	agent := p.RequestedBy

	switch {
	case decision.ProposalID != proposalID:
		return s.refuse(ctx, p, action, fmt.Errorf("decision for %q presented for proposal %q", decision.ProposalID, proposalID))
	case p.Kind != kind:
		return s.refuse(ctx, p, action, fmt.Errorf("proposal %q is a %s, not a %s", proposalID, p.Kind, kind))
	case p.Status.Terminal():
		return s.refuse(ctx, p, action, fmt.Errorf("proposal %q is already %s", proposalID, p.Status))
	case p.Status != proposal.StatusApproved:
		return s.refuse(ctx, p, action, fmt.Errorf("proposal %q has no approved decision (status %s)", proposalID, p.Status))
	}

	var bound risk.Decision
	if err := json.Unmarshal(rec.Decision, &bound); err != nil {
		return s.refuse(ctx, p, action, fmt.Errorf("recorded decision unreadable: %v", err))
	}

	var res portfolio.ExecutionResult
	if reason := decisionMismatch(bound, decision); reason != "" {
		res = s.Portfolio.Reject(p.ID, reason)
	} else {
		res, err = s.Portfolio.Execute(p, bound)
		if err != nil {
			return s.refuse(ctx, p, action, err)
		}
	}

	next := proposal.StatusExecuted
	if res.Status != portfolio.ExecutionFilled {
		next = proposal.StatusFailed
	}
	if err := s.Proposals.Transition(p.ID, next); err != nil {
		s.log.Error().Err(err).Str("proposal_id", p.ID).Msg("Status transition after execution failed")
	}

	severity := audit.SeverityInfo
	if res.Status != portfolio.ExecutionFilled {
		severity = audit.SeverityWarning
	}
	s.Audit.LogEvent(ctx, audit.Event{
		EventType: audit.TypeExecution,
		AgentName: agent,
		Action:    action,
		Severity:  severity,
		Details: map[string]any{
			"proposal_id":         p.ID,
			audit.DetailStatus:    string(res.Status),
			"reason":              res.Reason,
			"fills":               len(res.Fills),
			"version_before":      res.PortfolioVersionBefore,
			"version_after":       res.PortfolioVersionAfter,
			"policy_version_used": bound.PolicyVersionUsed,
		},
	})
	if s.Bus != nil && res.Status == portfolio.ExecutionFilled {
		s.Bus.Publish(events.EventPortfolioChanged, res)
	}
	if s.Metrics != nil {
		s.Metrics.ObserveExecute(time.Since(start), res.Status == portfolio.ExecutionFilled)
	}
	return res, nil
}

// decisionMismatch compares a presented decision with the recorded one.
// A stale or forged approval is a business rejection, not an integrity error.
func decisionMismatch(bound, presented risk.Decision) string {
	switch {
	case !presented.Approved:
		return "presented decision is not an approval"
	case presented.PolicyVersionUsed != bound.PolicyVersionUsed:
		return fmt.Sprintf("presented decision used policy %q, recorded decision used %q",
			presented.PolicyVersionUsed, bound.PolicyVersionUsed)
	case !presented.EvaluatedAt.IsZero() && !presented.EvaluatedAt.Equal(bound.EvaluatedAt):
		return "presented decision does not match the recorded evaluation"
	}
	return ""
}

// refuse fails the call closed: nothing is mutated, the proposal status is
// kept, and an error-severity compliance event is written.
func (s *Service) refuse(ctx context.Context, p proposal.Proposal, action string, cause error) (portfolio.ExecutionResult, error) {
	s.integrityViolation(ctx, p.ID, p.RequestedBy, action, cause)
	if errors.Is(cause, ErrIntegrity) {
		return portfolio.ExecutionResult{}, cause
	}
	return portfolio.ExecutionResult{}, fmt.Errorf("%w: %v", ErrIntegrity, cause)
}

func (s *Service) integrityViolation(ctx context.Context, proposalID, agent, action string, cause error) {
	if agent == "" {
		agent = defaultAgent
	}
	s.log.Error().Err(cause).Str("proposal_id", proposalID).Str("action", action).Msg("Integrity violation; call refused")
	s.Audit.LogEvent(ctx, audit.Event{
		EventType: audit.TypeError,
		AgentName: agent,
		Action:    action,
		Severity:  audit.SeverityError,
		Details: map[string]any{
			"proposal_id": proposalID,
			"error":       cause.Error(),
			"kind":        "integrity_violation",
		},
	})
	if s.Metrics != nil {
		s.Metrics.IncrementIntegrityErrors()
	}
}

// GetPortfolioState returns a read-only copy of the portfolio.
func (s *Service) GetPortfolioState(_ context.Context) portfolio.State {
	return s.Portfolio.State()
}

// LogEvent appends an externally supplied compliance event. Proposal,
// decision and execution events are written only by the pipeline itself.
func (s *Service) LogEvent(ctx context.Context, ev audit.Event) (string, error) {
	if !ev.EventType.Valid() {
		return "", fmt.Errorf("%w: unknown event_type %q", ErrInvalidEvent, ev.EventType)
	}
	switch ev.EventType {
	case audit.TypeProposal, audit.TypeRiskDecision, audit.TypeExecution:
		return "", fmt.Errorf("%w: event_type %q is reserved", ErrInvalidEvent, ev.EventType)
	}
	if ev.Severity != "" && !ev.Severity.Valid() {
		return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, ev.Severity)
	}
	return s.Audit.LogEvent(ctx, ev), nil
}

// GenerateAuditReport returns events matching the filter, oldest first.
func (s *Service) GenerateAuditReport(_ context.Context, f audit.Filter) []audit.Event {
	return s.Audit.Query(f)
}

// GetComplianceMetrics returns approval and execution rates.
func (s *Service) GetComplianceMetrics(_ context.Context) audit.Metrics {
	return s.Audit.Metrics()
}

// GetProposal looks up a proposal and its decision.
func (s *Service) GetProposal(_ context.Context, id string) (proposal.Record, error) {
	return s.Proposals.Get(id)
}

// ListProposals lists proposals, optionally by status.
func (s *Service) ListProposals(_ context.Context, status proposal.Status, limit int) []proposal.Record {
	return s.Proposals.List(status, limit)
}

func proposalDetails(p proposal.Proposal) map[string]any {
	legs := p.Legs()
	symbols := make([]string, 0, len(legs))
	notional := decimal.Zero
	for _, l := range legs {
		symbols = append(symbols, l.Symbol)
		notional = notional.Add(l.Value())
	}
	return map[string]any{
		"proposal_id": p.ID,
		"kind":        string(p.Kind),
		"legs":        len(legs),
		"symbols":     symbols,
		"notional":    notional.String(),
		"confidence":  p.Confidence,
		"volatility":  p.MaxVolatility(),
	}
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
