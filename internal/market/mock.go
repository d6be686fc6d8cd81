package market

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// MockSource serves prices from memory for local development and tests.
// With Step > 0 every read moves the price by a random walk.
type MockSource struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
	Step   float64
}

// NewMockSource seeds the source with initial prices.
func NewMockSource(prices map[string]float64) *MockSource {
	m := &MockSource{prices: make(map[string]float64), errs: make(map[string]error)}
	for sym, p := range prices {
		m.prices[strings.ToUpper(sym)] = p
	}
	return m
}

// Set overrides the price of a symbol and clears any injected error.
func (m *MockSource) Set(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym := strings.ToUpper(symbol)
	m.prices[sym] = price
	delete(m.errs, sym)
}

// Fail makes reads of symbol return err until Set is called.
func (m *MockSource) Fail(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[strings.ToUpper(symbol)] = err
}

// GetPrice returns the stored price.
func (m *MockSource) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sym := strings.ToUpper(symbol)
	if err := m.errs[sym]; err != nil {
		return Quote{}, err
	}
	price, ok := m.prices[sym]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoPrice, sym)
	}
	if m.Step > 0 {
		// simple random walk
		price += (rand.Float64()*2 - 1) * m.Step
		if price <= 0 {
			price = m.Step
		}
		m.prices[sym] = price
	}
	return Quote{Symbol: sym, Price: price, Timestamp: time.Now().UTC()}, nil
}
