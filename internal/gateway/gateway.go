// Package gateway submits swaps to the external execution service. Signing
// and routing happen behind it.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
	"github.com/ggonzalez94/defi-sentinel/internal/httpx"
)

type SwapRequest struct {
	FromToken string  `json:"fromToken"`
	ToToken   string  `json:"toToken"`
	AmountIn  float64 `json:"amountIn"`
	Chain     string  `json:"chain"`
	Wallet    string  `json:"wallet"`
	// ClientRef names the purchase and stays the same across retries, so a
	// resubmission after a lost reply can be matched to the swap it repeats.
	ClientRef string `json:"clientRef,omitempty"`
}

type Receipt struct {
	TxRef string `json:"txRef"`
}

type Gateway interface {
	SubmitSwap(ctx context.Context, req SwapRequest) (Receipt, error)
}

// HTTP posts swaps to {base}/swap. The request is sent at most once per call.
type HTTP struct {
	http   *httpx.Client
	base   string
	apiKey string
}

func NewHTTP(httpClient *httpx.Client, baseURL, apiKey string) *HTTP {
	return &HTTP{
		http:   httpClient,
		base:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey: strings.TrimSpace(apiKey),
	}
}

type swapResp struct {
	OK    bool   `json:"ok"`
	TxRef string `json:"txRef"`
	Error string `json:"error"`
}

func (g *HTTP) SubmitSwap(ctx context.Context, req SwapRequest) (Receipt, error) {
	if g.base == "" {
		return Receipt{}, clierr.New(clierr.CodeUsage, "execution gateway url is not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, clierr.Wrap(clierr.CodeInternal, "marshal swap request", err)
	}
	headers := map[string]string{}
	if g.apiKey != "" {
		headers["Authorization"] = "Bearer " + g.apiKey
	}
	if req.ClientRef != "" {
		headers["Idempotency-Key"] = req.ClientRef
	}

	var resp swapResp
	if _, err := httpx.DoBodyJSON(ctx, g.http, http.MethodPost, g.base+"/swap", body, headers, &resp); err != nil {
		return Receipt{}, clierr.Wrap(clierr.CodeExecutionFailed, "submit swap", err)
	}
	if !resp.OK {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "gateway rejected swap"
		}
		return Receipt{}, clierr.New(clierr.CodeExecutionFailed, msg)
	}
	if strings.TrimSpace(resp.TxRef) == "" {
		return Receipt{}, clierr.New(clierr.CodeExecutionFailed, "gateway reported success without a tx reference")
	}
	return Receipt{TxRef: resp.TxRef}, nil
}

// ClientRef is the idempotency key of one purchase: the trigger id for
// one-shot triggers, and "id#n" for the n-th purchase of a schedule. The
// gateway is expected to remember keys of accepted swaps only, so a rejected
// attempt can be retried under the same key.
func ClientRef(triggerID string, purchase int) string {
	if purchase <= 0 {
		return triggerID
	}
	return fmt.Sprintf("%s#%d", triggerID, purchase)
}
