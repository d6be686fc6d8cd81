package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNoChannel is returned when no notifier serves a channel.
var ErrNoChannel = errors.New("no notifier for channel")

// Notifier delivers one message on a named channel.
type Notifier interface {
	Send(ctx context.Context, channel, message, severity string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, channel, message, severity string) error

func (f NotifierFunc) Send(ctx context.Context, channel, message, severity string) error {
	return f(ctx, channel, message, severity)
}

// LogNotifier writes messages to the structured log. It never fails.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Send(_ context.Context, channel, message, severity string) error {
	evt := n.log.Info()
	switch severity {
	case "warning":
		evt = n.log.Warn()
	case "error", "critical":
		evt = n.log.Error()
	}
	evt.Str("channel", channel).Str("severity", severity).Msg(message)
	return nil
}

// Router picks a notifier by channel name, falling back to a default.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Notifier
	fallback Notifier
}

// NewRouter creates a router; fallback may be nil.
func NewRouter(fallback Notifier) *Router {
	return &Router{routes: make(map[string]Notifier), fallback: fallback}
}

// Handle registers n for channel.
func (r *Router) Handle(channel string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[strings.ToLower(channel)] = n
}

func (r *Router) Send(ctx context.Context, channel, message, severity string) error {
	r.mu.RLock()
	n, ok := r.routes[strings.ToLower(channel)]
	if !ok {
		n = r.fallback
	}
	r.mu.RUnlock()

	if n == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, channel)
	}
	return n.Send(ctx, channel, message, severity)
}
