package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "PRICE_SOURCE", "ALERT_INTERVAL", "MOCK_PRICES", "INITIAL_CASH", "JWT_SECRET"} {
		t.Setenv(key, "")
	}
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "mock", cfg.PriceSource)
	assert.Equal(t, 60*time.Second, cfg.AlertInterval)
	assert.Equal(t, 100000.0, cfg.InitialCash)
	assert.Empty(t, cfg.JWTSecret)
	assert.Equal(t, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000}, cfg.MockPrices)
	assert.Equal(t, "ops", cfg.EscalationChannel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PRICE_SOURCE", "BINANCE")
	t.Setenv("ALERT_INTERVAL", "15s")
	t.Setenv("INITIAL_CASH", "2500.5")
	t.Setenv("NOTIFY_MAX_ATTEMPTS", "7")
	t.Setenv("AUDIT_BATCH_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "binance", cfg.PriceSource)
	assert.Equal(t, 15*time.Second, cfg.AlertInterval)
	assert.Equal(t, 2500.5, cfg.InitialCash)
	assert.Equal(t, 7, cfg.NotifyMaxAttempts)
	assert.Equal(t, 50, cfg.AuditBatchSize)
}

func TestParsePrices(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]float64
	}{
		{"empty", "", map[string]float64{}},
		{"single", "btcusdt=42", map[string]float64{"BTCUSDT": 42}},
		{"spaces", " AAPL = 190.5 , MSFT=410", map[string]float64{"AAPL": 190.5, "MSFT": 410}},
		{"skips malformed", "AAPL,MSFT=abc,TSLA=-1,NVDA=900", map[string]float64{"NVDA": 900}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePrices(tt.in))
		})
	}
}
