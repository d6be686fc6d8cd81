package governance

import (
	"context"
	"errors"

	"governance-core/internal/alert"
)

// ErrAlertsDisabled is returned when no alert monitor is configured.
var ErrAlertsDisabled = errors.New("alert monitoring is not configured")

// CreateAlert stores a new active rule.
func (s *Service) CreateAlert(ctx context.Context, r alert.Rule) (alert.Rule, error) {
	if s.Alerts == nil {
		return alert.Rule{}, ErrAlertsDisabled
	}
	created, err := s.Alerts.Store().Create(ctx, r)
	if err != nil {
		return alert.Rule{}, err
	}
	s.log.Info().Str("alert_id", created.ID).Str("symbol", created.Symbol).Str("condition", string(created.Condition)).Msg("Alert created")
	return created, nil
}

// ListAlerts lists rules; an empty state hides deleted ones.
func (s *Service) ListAlerts(_ context.Context, state alert.State) ([]alert.Rule, error) {
	if s.Alerts == nil {
		return nil, ErrAlertsDisabled
	}
	return s.Alerts.Store().List(state), nil
}

// DeleteAlert retires a rule.
func (s *Service) DeleteAlert(ctx context.Context, id string) error {
	if s.Alerts == nil {
		return ErrAlertsDisabled
	}
	_, err := s.Alerts.Store().Delete(ctx, id)
	return err
}

// ResetAlert re-arms a triggered rule.
func (s *Service) ResetAlert(ctx context.Context, id string) (alert.Rule, error) {
	if s.Alerts == nil {
		return alert.Rule{}, ErrAlertsDisabled
	}
	return s.Alerts.Store().Reset(ctx, id)
}

// CheckAlertsNow runs one monitoring cycle immediately.
func (s *Service) CheckAlertsNow(ctx context.Context) ([]alert.TriggerEvent, error) {
	if s.Alerts == nil {
		return nil, ErrAlertsDisabled
	}
	return s.Alerts.CheckNow(ctx), nil
}
