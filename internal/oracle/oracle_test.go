package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-sentinel/internal/cache"
	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
	"github.com/ggonzalez94/defi-sentinel/internal/httpx"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc) *DefiLlama {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewDefiLlama(httpx.New(2*time.Second, 0), WithBaseURL(srv.URL+"/"))
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestDefiLlamaPriceUSD(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices/current/coingecko:ethereum" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"coins":{"coingecko:ethereum":{"price":3012.45,"symbol":"ETH","timestamp":1780315190,"confidence":0.99}}}`))
	})

	quote, err := c.PriceUSD(context.Background(), "ethereum")
	if err != nil {
		t.Fatalf("PriceUSD failed: %v", err)
	}
	if quote.PriceUSD != 3012.45 || quote.Token != "ethereum" {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	if !quote.FetchedAt.Equal(time.Unix(1780315190, 0).UTC()) {
		t.Fatalf("unexpected fetched at: %s", quote.FetchedAt)
	}
}

func TestDefiLlamaMatchesAddressCaseInsensitively(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"coins":{"base:0x833589fcd6edb6e08f4c7c32d4f71b54bda02913":{"price":1.0001,"timestamp":1780315190}}}`))
	})
	quote, err := c.PriceUSD(context.Background(), "base:0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	if err != nil {
		t.Fatalf("PriceUSD failed: %v", err)
	}
	if quote.PriceUSD != 1.0001 {
		t.Fatalf("unexpected price: %v", quote.PriceUSD)
	}
}

func TestDefiLlamaUnavailablePrices(t *testing.T) {
	cases := map[string]string{
		"missing coin":   `{"coins":{}}`,
		"zero price":     `{"coins":{"coingecko:ethereum":{"price":0,"timestamp":1780315190}}}`,
		"low confidence": `{"coins":{"coingecko:ethereum":{"price":10,"timestamp":1780315190,"confidence":0.1}}}`,
		"stale":          `{"coins":{"coingecko:ethereum":{"price":10,"timestamp":1780000000}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := c.PriceUSD(context.Background(), "coingecko:ethereum")
			if !clierr.HasCode(err, clierr.CodePriceUnavailable) {
				t.Fatalf("expected price unavailable, got %v", err)
			}
		})
	}
}

func TestDefiLlamaUpstreamFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.PriceUSD(context.Background(), "coingecko:ethereum")
	if !clierr.HasCode(err, clierr.CodePriceUnavailable) {
		t.Fatalf("expected price unavailable, got %v", err)
	}
}

type countingOracle struct {
	calls int32
	price float64
	err   error
}

func (o *countingOracle) PriceUSD(_ context.Context, token string) (Quote, error) {
	atomic.AddInt32(&o.calls, 1)
	if o.err != nil {
		return Quote{}, o.err
	}
	return Quote{Token: token, PriceUSD: o.price, FetchedAt: fixedNow}, nil
}

func TestCachedServesFreshQuotes(t *testing.T) {
	dir := t.TempDir()
	store, err := cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	next := &countingOracle{price: 42}
	cached := NewCached(next, store, time.Minute, nil)
	for i := 0; i < 3; i++ {
		quote, err := cached.PriceUSD(context.Background(), "coingecko:ethereum")
		if err != nil {
			t.Fatalf("PriceUSD failed: %v", err)
		}
		if quote.PriceUSD != 42 {
			t.Fatalf("unexpected price: %v", quote.PriceUSD)
		}
	}
	if got := atomic.LoadInt32(&next.calls); got != 1 {
		t.Fatalf("expected one upstream call, got %d", got)
	}
}

func TestCachedDoesNotCacheFailures(t *testing.T) {
	dir := t.TempDir()
	store, err := cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	next := &countingOracle{err: clierr.New(clierr.CodePriceUnavailable, "down")}
	cached := NewCached(next, store, time.Minute, nil)
	for i := 0; i < 2; i++ {
		if _, err := cached.PriceUSD(context.Background(), "coingecko:ethereum"); err == nil {
			t.Fatal("expected error")
		}
	}
	if got := atomic.LoadInt32(&next.calls); got != 2 {
		t.Fatalf("failures must not be cached, got %d calls", got)
	}
}
