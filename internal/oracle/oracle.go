// Package oracle fetches current USD prices for tokens.
package oracle

import (
	"context"
	"time"
)

type Quote struct {
	Token     string    `json:"token"`
	PriceUSD  float64   `json:"price_usd"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Oracle returns the current USD price of a token. Implementations return a
// typed error with CodePriceUnavailable when no usable price exists.
type Oracle interface {
	PriceUSD(ctx context.Context, token string) (Quote, error)
}
