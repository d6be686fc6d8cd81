package market

import (
	"context"
	"errors"
	"time"
)

// ErrNoPrice is returned when a source has no quote for a symbol.
var ErrNoPrice = errors.New("no price for symbol")

// Quote is a point-in-time price.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceSource fetches the latest price for a symbol.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
}
