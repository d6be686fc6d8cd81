package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"governance-core/internal/alert"
	"governance-core/internal/audit"
	"governance-core/internal/events"
	"governance-core/internal/governance"
	"governance-core/internal/monitor"
	"governance-core/internal/proposal"
	"governance-core/internal/risk"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type executeRequest struct {
	ProposalID string        `json:"proposal_id" binding:"required"`
	Decision   risk.Decision `json:"decision"`
}

type createAlertRequest struct {
	Symbol    string          `json:"symbol" binding:"required"`
	Condition alert.Condition `json:"condition" binding:"required"`
	Threshold float64         `json:"threshold"`
	Channel   string          `json:"channel"`
}

type logEventRequest struct {
	EventType audit.EventType `json:"event_type" binding:"required"`
	AgentName string          `json:"agent_name"`
	Action    string          `json:"action"`
	Details   map[string]any  `json:"details"`
	Severity  audit.Severity  `json:"severity"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondServiceError maps governance errors onto HTTP statuses.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, governance.ErrIntegrity):
		respondError(c, http.StatusConflict, "INTEGRITY_VIOLATION", err.Error())
	case errors.Is(err, proposal.ErrDuplicate):
		respondError(c, http.StatusConflict, "DUPLICATE_PROPOSAL", err.Error())
	case errors.Is(err, proposal.ErrNotFound):
		respondError(c, http.StatusNotFound, "PROPOSAL_NOT_FOUND", err.Error())
	case errors.Is(err, risk.ErrPolicyNotFound):
		respondError(c, http.StatusNotFound, "POLICY_NOT_FOUND", err.Error())
	case errors.Is(err, alert.ErrNotFound):
		respondError(c, http.StatusNotFound, "ALERT_NOT_FOUND", err.Error())
	case errors.Is(err, alert.ErrNotActive), errors.Is(err, proposal.ErrInvalidTransition):
		respondError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, alert.ErrInvalidRule), errors.Is(err, governance.ErrInvalidEvent):
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
	case errors.Is(err, governance.ErrAlertsDisabled):
		respondError(c, http.StatusServiceUnavailable, "ALERTS_DISABLED", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// callerName prefers the authenticated caller over a self-reported agent.
func callerName(c *gin.Context, reported string) string {
	if id := CurrentCallerID(c); id != "" {
		return id
	}
	return reported
}

func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func parseTimeParam(c *gin.Context, key string) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", key)
	}
	return t, nil
}

func (s *Server) validateTrade(c *gin.Context) {
	var req governance.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	req.RequestedBy = callerName(c, req.RequestedBy)

	dec, err := s.Service.ValidateTrade(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dec)
}

func (s *Server) validateRebalance(c *gin.Context) {
	var req governance.RebalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	req.RequestedBy = callerName(c, req.RequestedBy)

	dec, err := s.Service.ValidateRebalance(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dec)
}

func (s *Server) executeTrade(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	res, err := s.Service.ExecuteTrade(c.Request.Context(), req.ProposalID, req.Decision)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) applyRebalance(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	res, err := s.Service.ApplyRebalance(c.Request.Context(), req.ProposalID, req.Decision)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getPortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.Service.GetPortfolioState(c.Request.Context()))
}

func (s *Server) logEvent(c *gin.Context) {
	var req logEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	id, err := s.Service.LogEvent(c.Request.Context(), audit.Event{
		EventType: req.EventType,
		AgentName: callerName(c, req.AgentName),
		Action:    req.Action,
		Details:   req.Details,
		Severity:  req.Severity,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event_id": id})
}

func (s *Server) getAuditReport(c *gin.Context) {
	var f audit.Filter
	if raw := c.Query("event_type"); raw != "" {
		f.EventType = audit.EventType(strings.ToLower(raw))
		if !f.EventType.Valid() {
			respondError(c, http.StatusBadRequest, "INVALID_QUERY", fmt.Sprintf("unknown event_type %q", raw))
			return
		}
	}
	var err error
	if f.Start, err = parseTimeParam(c, "start"); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	if f.End, err = parseTimeParam(c, "end"); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	if f.Limit, err = parseLimit(c); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	evs := s.Service.GenerateAuditReport(c.Request.Context(), f)
	c.JSON(http.StatusOK, gin.H{
		"events": evs,
		"count":  len(evs),
	})
}

func (s *Server) getComplianceMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Service.GetComplianceMetrics(c.Request.Context()))
}

func (s *Server) createAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	rule, err := s.Service.CreateAlert(c.Request.Context(), alert.Rule{
		Symbol:    req.Symbol,
		Condition: alert.Condition(strings.ToLower(string(req.Condition))),
		Threshold: req.Threshold,
		Channel:   req.Channel,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) listAlerts(c *gin.Context) {
	state := alert.State(strings.ToLower(c.Query("state")))
	rules, err := s.Service.ListAlerts(c.Request.Context(), state)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (s *Server) deleteAlert(c *gin.Context) {
	if err := s.Service.DeleteAlert(c.Request.Context(), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) resetAlert(c *gin.Context) {
	rule, err := s.Service.ResetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) checkAlerts(c *gin.Context) {
	triggered, err := s.Service.CheckAlertsNow(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if triggered == nil {
		triggered = []alert.TriggerEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"triggered": triggered,
		"count":     len(triggered),
	})
}

func (s *Server) listProposals(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	status := proposal.Status(strings.ToLower(c.Query("status")))
	c.JSON(http.StatusOK, s.Service.ListProposals(c.Request.Context(), status, limit))
}

func (s *Server) getProposal(c *gin.Context) {
	rec, err := s.Service.GetProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	resp := systemMetrics{MetricsSnapshot: s.Metrics.GetSnapshot()}
	if s.Bus != nil {
		resp.BusDropped = s.Bus.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

type systemMetrics struct {
	monitor.MetricsSnapshot
	BusDropped map[events.Event]uint64 `json:"bus_dropped"`
}
