package engine

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
	"github.com/ggonzalez94/defi-sentinel/internal/oracle"
)

// PriceBook memoizes oracle lookups for the duration of one tick, so every
// trigger on the same token sees the same price and a failing token is only
// asked for once.
type PriceBook struct {
	oracle  oracle.Oracle
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]priceEntry
	fetches int
}

type priceEntry struct {
	quote oracle.Quote
	err   error
}

func NewPriceBook(o oracle.Oracle, timeout time.Duration) *PriceBook {
	return &PriceBook{oracle: o, timeout: timeout, entries: map[string]priceEntry{}}
}

func (p *PriceBook) Get(ctx context.Context, token string) (oracle.Quote, error) {
	key := strings.ToLower(strings.TrimSpace(token))
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		return e.quote, e.err
	}

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	p.fetches++
	quote, err := p.oracle.PriceUSD(callCtx, token)
	if err == nil && (quote.PriceUSD <= 0 || math.IsNaN(quote.PriceUSD) || math.IsInf(quote.PriceUSD, 0)) {
		err = clierr.New(clierr.CodePriceUnavailable, "oracle returned an unusable price for "+token)
	}
	if err != nil && !clierr.HasCode(err, clierr.CodePriceUnavailable) {
		err = clierr.Wrap(clierr.CodePriceUnavailable, "price lookup for "+token, err)
	}
	if err != nil {
		quote = oracle.Quote{}
	}
	p.entries[key] = priceEntry{quote: quote, err: err}
	return quote, err
}

// Fetches is the number of oracle calls made so far.
func (p *PriceBook) Fetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}
