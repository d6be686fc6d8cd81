package alert

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"governance-core/internal/notify"
)

// Dispatcher delivers trigger notifications with bounded retries.
type Dispatcher struct {
	notifier    notify.Notifier
	maxAttempts int
	baseBackoff time.Duration
	log         zerolog.Logger
}

// NewDispatcher creates a dispatcher. maxAttempts < 1 means a single try.
func NewDispatcher(log zerolog.Logger, n notify.Notifier, maxAttempts int, baseBackoff time.Duration) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{
		notifier:    n,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		log:         log.With().Str("component", "alert_dispatch").Logger(),
	}
}

// Dispatch sends message, doubling the wait after each failure. It returns
// the number of attempts made and the last error. Cancelling ctx stops the
// retries.
func (d *Dispatcher) Dispatch(ctx context.Context, channel, message, severity string) (int, error) {
	if d.notifier == nil {
		return 0, notify.ErrNoChannel
	}

	backoff := d.baseBackoff
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err = d.notifier.Send(ctx, channel, message, severity); err == nil {
			return attempt, nil
		}
		d.log.Warn().Err(err).Str("channel", channel).Int("attempt", attempt).Msg("Notification failed")
		if attempt == d.maxAttempts {
			return attempt, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return d.maxAttempts, err
}
