package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterPicksChannel(t *testing.T) {
	var got []string
	record := func(name string) Notifier {
		return NotifierFunc(func(_ context.Context, channel, _, _ string) error {
			got = append(got, name+":"+channel)
			return nil
		})
	}

	r := NewRouter(record("default"))
	r.Handle("Slack", record("slack"))

	require.NoError(t, r.Send(context.Background(), "slack", "m", "info"))
	require.NoError(t, r.Send(context.Background(), "email", "m", "info"))
	assert.Equal(t, []string{"slack:slack", "default:email"}, got)
}

func TestRouterWithoutFallback(t *testing.T) {
	r := NewRouter(nil)
	err := r.Send(context.Background(), "pager", "m", "error")
	assert.True(t, errors.Is(err, ErrNoChannel))
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop())
	for _, sev := range []string{"info", "warning", "error", "critical"} {
		assert.NoError(t, n.Send(context.Background(), "log", "hello", sev))
	}
}

func TestWebhookNotifier(t *testing.T) {
	var payload webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	require.NoError(t, n.Send(context.Background(), "ops", "BTC above 50000", "warning"))
	assert.Equal(t, "ops", payload.Channel)
	assert.Equal(t, "warning", payload.Severity)
	assert.Equal(t, "BTC above 50000", payload.Message)
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), "ops", "m", "info")
	assert.ErrorContains(t, err, "502")
}
