package oracle

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
	"github.com/ggonzalez94/defi-sentinel/internal/httpx"
)

const defaultCoinsBase = "https://coins.llama.fi"

// DefiLlama reads prices from the DefiLlama coins API. Tokens use DefiLlama
// coin ids ("coingecko:ethereum", "base:0x833589fcd6edb6e08f4c7c32d4f71b54bda02913");
// a bare id is treated as a coingecko id.
type DefiLlama struct {
	http    *httpx.Client
	base    string
	maxAge  time.Duration
	minConf float64
	now     func() time.Time
}

type DefiLlamaOption func(*DefiLlama)

// WithBaseURL points the client at a different coins API host.
func WithBaseURL(base string) DefiLlamaOption {
	return func(c *DefiLlama) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			c.base = base
		}
	}
}

// WithMaxAge rejects quotes whose upstream timestamp is older than maxAge.
func WithMaxAge(maxAge time.Duration) DefiLlamaOption {
	return func(c *DefiLlama) { c.maxAge = maxAge }
}

func NewDefiLlama(httpClient *httpx.Client, opts ...DefiLlamaOption) *DefiLlama {
	c := &DefiLlama{
		http:    httpClient,
		base:    defaultCoinsBase,
		maxAge:  time.Hour,
		minConf: 0.5,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type coinsResp struct {
	Coins map[string]coinPrice `json:"coins"`
}

type coinPrice struct {
	Price      float64  `json:"price"`
	Symbol     string   `json:"symbol"`
	Timestamp  int64    `json:"timestamp"`
	Confidence *float64 `json:"confidence"`
}

func (c *DefiLlama) PriceUSD(ctx context.Context, token string) (Quote, error) {
	coin := coinID(token)
	if coin == "" {
		return Quote{}, clierr.New(clierr.CodePriceUnavailable, "token is required")
	}
	endpoint := c.base + "/prices/current/" + url.PathEscape(coin)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, clierr.Wrap(clierr.CodeInternal, "build price request", err)
	}
	var resp coinsResp
	if _, err := c.http.DoJSON(ctx, req, &resp); err != nil {
		return Quote{}, clierr.Wrap(clierr.CodePriceUnavailable, fmt.Sprintf("fetch price for %s", token), err)
	}

	entry, ok := lookupCoin(resp.Coins, coin)
	if !ok {
		return Quote{}, clierr.New(clierr.CodePriceUnavailable, fmt.Sprintf("no price for %s", token))
	}
	if entry.Price <= 0 || math.IsNaN(entry.Price) || math.IsInf(entry.Price, 0) {
		return Quote{}, clierr.New(clierr.CodePriceUnavailable, fmt.Sprintf("invalid price %v for %s", entry.Price, token))
	}
	if entry.Confidence != nil && *entry.Confidence < c.minConf {
		return Quote{}, clierr.New(clierr.CodePriceUnavailable, fmt.Sprintf("low confidence price for %s (%.2f)", token, *entry.Confidence))
	}

	now := c.now().UTC()
	fetched := now
	if entry.Timestamp > 0 {
		fetched = time.Unix(entry.Timestamp, 0).UTC()
		if c.maxAge > 0 && now.Sub(fetched) > c.maxAge {
			return Quote{}, clierr.New(clierr.CodePriceUnavailable, fmt.Sprintf("price for %s is stale (%s old)", token, now.Sub(fetched).Round(time.Second)))
		}
	}
	return Quote{Token: token, PriceUSD: entry.Price, FetchedAt: fetched}, nil
}

func coinID(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if !strings.Contains(token, ":") {
		return "coingecko:" + strings.ToLower(token)
	}
	return token
}

// lookupCoin matches the response key case-insensitively; DefiLlama echoes
// EVM addresses in lowercase.
func lookupCoin(coins map[string]coinPrice, coin string) (coinPrice, bool) {
	if entry, ok := coins[coin]; ok {
		return entry, true
	}
	for k, v := range coins {
		if strings.EqualFold(k, coin) {
			return v, true
		}
	}
	return coinPrice{}, false
}
