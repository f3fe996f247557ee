package trigger

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
	"github.com/ggonzalez94/defi-sentinel/internal/id"
)

// Request is the inbound createTrigger payload. Threshold kinds use Token,
// Condition, TargetPriceUSD and AutoSwap; DCA uses Token, FromToken,
// AmountPerPurchase, Chain, Interval, StartAt and TotalPurchases.
type Request struct {
	Kind       Kind   `json:"kind"`
	Wallet     string `json:"wallet,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`

	Token          string    `json:"token"`
	Condition      Condition `json:"condition,omitempty"`
	TargetPriceUSD float64   `json:"target_price_usd,omitempty"`
	AutoSwap       *AutoSwap `json:"auto_swap,omitempty"`

	FromToken         string        `json:"from_token,omitempty"`
	AmountPerPurchase float64       `json:"amount_per_purchase,omitempty"`
	Chain             string        `json:"chain,omitempty"`
	Interval          time.Duration `json:"interval,omitempty"`
	StartAt           time.Time     `json:"start_at,omitempty"`
	TotalPurchases    *int          `json:"total_purchases,omitempty"`
}

type Options struct {
	// MinInterval is the shortest DCA interval accepted. Intervals below the
	// dispatch poll interval cannot be honored.
	MinInterval time.Duration
}

func NewID() string {
	return "trg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// New validates req and builds an active trigger. Invalid payloads are
// rejected with CodeInvalidPayload and never reach the store.
func New(req Request, now time.Time, opts Options) (Trigger, error) {
	if !req.Kind.Known() {
		return Trigger{}, invalid("unknown trigger kind %q", req.Kind)
	}
	maxRetries := req.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = DefaultMaxRetries
	case maxRetries < 0:
		return Trigger{}, invalid("max_retries must be positive")
	}

	now = now.UTC()
	t := Trigger{
		ID:            NewID(),
		SchemaVersion: SchemaVersion,
		Kind:          req.Kind,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxRetries:    maxRetries,
	}

	var err error
	if req.Kind.IsThreshold() {
		err = buildThreshold(&t, req)
	} else {
		err = buildDCA(&t, req, now, opts)
	}
	if err != nil {
		return Trigger{}, err
	}
	return t, nil
}

func buildThreshold(t *Trigger, req Request) error {
	if req.FromToken != "" || req.AmountPerPurchase != 0 || req.Interval != 0 || req.TotalPurchases != nil || !req.StartAt.IsZero() {
		return invalid("%s triggers do not accept DCA schedule fields", req.Kind)
	}
	token, err := id.NormalizeToken(req.Token)
	if err != nil {
		return err
	}
	if !positive(req.TargetPriceUSD) {
		return invalid("target_price_usd must be a positive number")
	}
	condition, err := resolveCondition(req.Kind, req.Condition)
	if err != nil {
		return err
	}
	if req.Kind != KindPriceAlert && req.AutoSwap == nil {
		return invalid("%s triggers require an auto_swap payload", req.Kind)
	}

	th := &Threshold{Token: token, Condition: condition, TargetPriceUSD: req.TargetPriceUSD}
	if req.AutoSwap != nil {
		swap, wallet, err := buildAutoSwap(*req.AutoSwap, req.Wallet)
		if err != nil {
			return err
		}
		th.AutoSwap = &swap
		t.Wallet = wallet
	}
	t.Threshold = th
	return nil
}

func resolveCondition(kind Kind, condition Condition) (Condition, error) {
	condition = Condition(strings.ToLower(strings.TrimSpace(string(condition))))
	if condition == "" {
		switch kind {
		case KindStopLoss:
			return ConditionBelow, nil
		case KindTakeProfit:
			return ConditionAbove, nil
		default:
			return "", invalid("condition is required (above or below)")
		}
	}
	if condition != ConditionAbove && condition != ConditionBelow {
		return "", invalid("condition must be above or below, got %q", condition)
	}
	if kind == KindStopLoss && condition != ConditionBelow {
		return "", invalid("stop_loss triggers fire below the target price")
	}
	if kind == KindTakeProfit && condition != ConditionAbove {
		return "", invalid("take_profit triggers fire above the target price")
	}
	return condition, nil
}

func buildAutoSwap(in AutoSwap, wallet string) (AutoSwap, string, error) {
	if !positive(in.AmountIn) {
		return AutoSwap{}, "", invalid("auto_swap.amount_in must be a positive number")
	}
	if in.FromTokenPriceUSD < 0 || math.IsNaN(in.FromTokenPriceUSD) || math.IsInf(in.FromTokenPriceUSD, 0) {
		return AutoSwap{}, "", invalid("auto_swap.from_token_price_usd must be a non-negative number")
	}
	from, err := id.NormalizeToken(in.FromToken)
	if err != nil {
		return AutoSwap{}, "", clierr.Wrap(clierr.CodeInvalidPayload, "auto_swap.from_token", err)
	}
	to, err := id.NormalizeToken(in.ToToken)
	if err != nil {
		return AutoSwap{}, "", clierr.Wrap(clierr.CodeInvalidPayload, "auto_swap.to_token", err)
	}
	if strings.EqualFold(from, to) {
		return AutoSwap{}, "", invalid("auto_swap.from_token and auto_swap.to_token must differ")
	}
	chain, err := id.ParseChain(in.Chain)
	if err != nil {
		return AutoSwap{}, "", err
	}
	normWallet, err := id.NormalizeWallet(chain, wallet)
	if err != nil {
		return AutoSwap{}, "", err
	}
	return AutoSwap{
		AmountIn:          in.AmountIn,
		FromToken:         from,
		ToToken:           to,
		FromTokenPriceUSD: in.FromTokenPriceUSD,
		Chain:             chain.CAIP2,
	}, normWallet, nil
}

func buildDCA(t *Trigger, req Request, now time.Time, opts Options) error {
	if req.Condition != "" || req.TargetPriceUSD != 0 || req.AutoSwap != nil {
		return invalid("dca triggers do not accept price threshold fields")
	}
	token, err := id.NormalizeToken(req.Token)
	if err != nil {
		return err
	}
	from, err := id.NormalizeToken(req.FromToken)
	if err != nil {
		return clierr.Wrap(clierr.CodeInvalidPayload, "from_token", err)
	}
	if strings.EqualFold(token, from) {
		return invalid("token and from_token must differ")
	}
	if !positive(req.AmountPerPurchase) {
		return invalid("amount_per_purchase must be a positive number")
	}
	if req.Interval <= 0 {
		return invalid("interval must be positive")
	}
	if opts.MinInterval > 0 && req.Interval < opts.MinInterval {
		return invalid("interval %s is below the minimum of %s", req.Interval, opts.MinInterval)
	}
	if req.TotalPurchases != nil && *req.TotalPurchases < 1 {
		return invalid("total_purchases must be at least 1 when set")
	}
	chain, err := id.ParseChain(req.Chain)
	if err != nil {
		return err
	}
	wallet, err := id.NormalizeWallet(chain, req.Wallet)
	if err != nil {
		return err
	}

	next := now
	if !req.StartAt.IsZero() && req.StartAt.After(now) {
		next = req.StartAt.UTC()
	}
	var total *int
	if req.TotalPurchases != nil {
		v := *req.TotalPurchases
		total = &v
	}
	t.Wallet = wallet
	t.DCA = &DCA{
		Token:             token,
		FromToken:         from,
		AmountPerPurchase: req.AmountPerPurchase,
		Chain:             chain.CAIP2,
		IntervalMS:        req.Interval.Milliseconds(),
		NextExecutionAt:   next,
		TotalPurchases:    total,
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func invalid(format string, args ...any) error {
	return clierr.New(clierr.CodeInvalidPayload, fmt.Sprintf(format, args...))
}
