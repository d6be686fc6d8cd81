package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BinanceSource reads last-trade prices from the public Binance REST API.
type BinanceSource struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewBinanceSource builds a ticker client; an empty baseURL means production.
func NewBinanceSource(baseURL string) *BinanceSource {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &BinanceSource{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetPrice calls /api/v3/ticker/price. The context bounds the request.
func (c *BinanceSource) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	u := fmt.Sprintf("%s/api/v3/ticker/price?%s", c.BaseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, err
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("binance ticker %s status %d", symbol, res.StatusCode)
	}

	var raw tickerPrice
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return Quote{}, fmt.Errorf("decode ticker: %w", err)
	}
	price, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("parse ticker price %q: %w", raw.Price, err)
	}
	return Quote{Symbol: raw.Symbol, Price: price, Timestamp: time.Now().UTC()}, nil
}
