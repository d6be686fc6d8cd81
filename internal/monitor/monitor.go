package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"governance-core/internal/audit"
	"governance-core/internal/events"
	"governance-core/internal/notify"
)

// Escalator watches the compliance stream and forwards error and critical
// events to an operator channel.
type Escalator struct {
	Bus      *events.Bus
	Notifier notify.Notifier
	Channel  string
	Log      zerolog.Logger
}

// Start subscribes and forwards until ctx is done. It returns immediately.
func (e *Escalator) Start(ctx context.Context) {
	if e.Bus == nil || e.Notifier == nil {
		e.Log.Warn().Msg("Escalator not fully configured; skipping")
		return
	}
	if e.Channel == "" {
		e.Channel = "ops"
	}
	stream, unsub := e.Bus.Subscribe(events.EventComplianceLogged, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				ev, ok := msg.(audit.Event)
				if !ok || !escalate(ev) {
					continue
				}
				sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				if err := e.Notifier.Send(sendCtx, e.Channel, formatAlert(ev), string(ev.Severity)); err != nil {
					e.Log.Warn().Err(err).Str("event_id", ev.EventID).Msg("Escalation delivery failed")
				}
				cancel()
			}
		}
	}()
}

func escalate(ev audit.Event) bool {
	return ev.Severity == audit.SeverityError || ev.Severity == audit.SeverityCritical
}

func formatAlert(ev audit.Event) string {
	return fmt.Sprintf("[%s] %s %s/%s by %s", ev.Timestamp.Format(time.RFC3339), ev.Severity, ev.EventType, ev.Action, ev.AgentName)
}
