package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockSource(t *testing.T) {
	m := NewMockSource(map[string]float64{"btcusdt": 50000})
	ctx := context.Background()

	q, err := m.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, q.Price)

	_, err = m.GetPrice(ctx, "ETHUSDT")
	assert.True(t, errors.Is(err, ErrNoPrice))

	boom := errors.New("boom")
	m.Fail("BTCUSDT", boom)
	_, err = m.GetPrice(ctx, "BTCUSDT")
	assert.Equal(t, boom, err)

	m.Set("BTCUSDT", 51000)
	q, err = m.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 51000.0, q.Price)
}

func TestMockSourceRandomWalkStaysPositive(t *testing.T) {
	m := NewMockSource(map[string]float64{"X": 1})
	m.Step = 5
	for i := 0; i < 100; i++ {
		q, err := m.GetPrice(context.Background(), "X")
		require.NoError(t, err)
		assert.Greater(t, q.Price, 0.0)
	}
}

func TestBinanceSourceParsesTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","price":"3012.50000000"}`))
	}))
	defer srv.Close()

	q, err := NewBinanceSource(srv.URL).GetPrice(context.Background(), "ethusdt")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", q.Symbol)
	assert.Equal(t, 3012.5, q.Price)
}

func TestBinanceSourceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "SLOW" {
			time.Sleep(200 * time.Millisecond)
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	src := NewBinanceSource(srv.URL)
	_, err := src.GetPrice(context.Background(), "NOPE")
	assert.ErrorContains(t, err, "status 400")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.GetPrice(ctx, "SLOW")
	assert.Error(t, err)
}

func TestCachedSource(t *testing.T) {
	m := NewMockSource(map[string]float64{"BTCUSDT": 50000})
	s := NewCachedSource(m, time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	q, err := s.GetPrice(ctx, "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, q.Price)

	// Fresh quote is served from cache.
	m.Set("BTCUSDT", 52000)
	q, err = s.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, q.Price)

	// Stale quote is refetched.
	now = time.Now().UTC().Add(2 * time.Minute)
	q, err = s.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 52000.0, q.Price)

	// Errors are never masked by the cache.
	now = now.Add(2 * time.Minute)
	boom := errors.New("boom")
	m.Fail("BTCUSDT", boom)
	_, err = s.GetPrice(ctx, "BTCUSDT")
	assert.Equal(t, boom, err)
}

func TestCachedSourceDisabled(t *testing.T) {
	m := NewMockSource(map[string]float64{"ETHUSDT": 3000})
	s := NewCachedSource(m, 0)
	ctx := context.Background()

	_, err := s.GetPrice(ctx, "ETHUSDT")
	require.NoError(t, err)
	m.Set("ETHUSDT", 3100)
	q, err := s.GetPrice(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3100.0, q.Price)
	assert.Equal(t, 1, s.Cache().Len())
}

func TestQuoteCacheCleanup(t *testing.T) {
	c := NewQuoteCache()
	now := time.Now().UTC()
	c.Set(Quote{Symbol: "OLD", Price: 1, Timestamp: now.Add(-time.Hour)})
	c.Set(Quote{Symbol: "NEW", Price: 2, Timestamp: now})

	assert.Equal(t, 1, c.Cleanup(now, time.Minute))
	_, _, ok := c.Get("OLD", now)
	assert.False(t, ok)
	q, age, ok := c.Get("NEW", now)
	require.True(t, ok)
	assert.Equal(t, 2.0, q.Price)
	assert.Equal(t, time.Duration(0), age)
}
