package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggonzalez94/defi-sentinel/internal/gateway"
	"github.com/ggonzalez94/defi-sentinel/internal/policy"
	"github.com/ggonzalez94/defi-sentinel/internal/risk"
	"github.com/ggonzalez94/defi-sentinel/internal/store"
	"github.com/ggonzalez94/defi-sentinel/internal/trigger"
)

var (
	errInactive = errors.New("trigger is no longer active")
	errInFlight = errors.New("a swap for this trigger is already in flight")
	errSettled  = errors.New("swap already recorded for this purchase")
)

// Ledger is the part of a session store the evaluator reads and writes.
type Ledger interface {
	Get(ctx context.Context, triggerID string) (trigger.Trigger, error)
	Update(ctx context.Context, triggerID string, fn func(*trigger.Trigger) error) (trigger.Trigger, error)
	Commit(ctx context.Context, c store.Commit) (trigger.Trigger, error)
	Counters(ctx context.Context, wallet string) (risk.Counters, error)
	// Hold confirms the caller still owns the session and extends its lease,
	// returning the new expiry.
	Hold(ctx context.Context) (time.Time, error)
}

type Action string

const (
	ActionNone             Action = "none"
	ActionFired            Action = "fired"
	ActionExecuted         Action = "executed"
	ActionRiskDenied       Action = "risk_denied"
	ActionExecutionFailed  Action = "execution_failed"
	ActionFailed           Action = "failed"
	ActionPriceUnavailable Action = "price_unavailable"
	ActionSkipped          Action = "skipped"
	ActionError            Action = "error"
)

// Result describes what one evaluation did.
type Result struct {
	TriggerID string       `json:"trigger_id"`
	Kind      trigger.Kind `json:"kind"`
	Action    Action       `json:"action"`
	PriceUSD  float64      `json:"price_usd,omitempty"`
	ValueUSD  float64      `json:"value_usd,omitempty"`
	TxRef     string       `json:"tx_ref,omitempty"`
	Detail    string       `json:"detail,omitempty"`
}

// Evaluator decides whether one trigger fires and carries out the firing.
// All writes go through the Ledger so that every mutation is computed
// against the latest stored row.
type Evaluator struct {
	gateway gateway.Gateway
	limits  risk.Limits
	chains  policy.Chains
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// order is a swap the evaluator wants to place. purchase is zero for
// one-shot triggers and the 1-based purchase number for schedules.
type order struct {
	purchase     int
	fromToken    string
	toToken      string
	amountIn     float64
	chain        string
	fromPriceUSD float64
	triggerPrice float64
}

func (o order) ref(triggerID string) string {
	return gateway.ClientRef(triggerID, o.purchase)
}

// settled reports whether cur already records the swap o stands for.
func (o order) settled(cur *trigger.Trigger) bool {
	switch {
	case cur.Threshold != nil:
		return cur.Threshold.SwapExecuted
	case cur.DCA != nil:
		return cur.DCA.CompletedPurchases >= o.purchase
	default:
		return false
	}
}

func (v *Evaluator) Evaluate(ctx context.Context, ledger Ledger, t trigger.Trigger, prices *PriceBook) Result {
	res := Result{TriggerID: t.ID, Kind: t.Kind, Action: ActionNone}
	switch {
	case !t.Kind.Known():
		res.Action = ActionSkipped
		res.Detail = fmt.Sprintf("unknown trigger kind %q", t.Kind)
		return res
	case t.Kind.IsThreshold():
		if t.Threshold == nil {
			res.Action = ActionSkipped
			res.Detail = "missing threshold payload"
			return res
		}
		return v.evaluateThreshold(ctx, ledger, t, prices, res)
	default:
		if t.DCA == nil {
			res.Action = ActionSkipped
			res.Detail = "missing dca payload"
			return res
		}
		return v.evaluateDCA(ctx, ledger, t, prices, res)
	}
}

func (v *Evaluator) evaluateThreshold(ctx context.Context, ledger Ledger, t trigger.Trigger, prices *PriceBook, res Result) Result {
	th := t.Threshold
	quote, err := prices.Get(ctx, th.Token)
	if err != nil {
		return v.priceUnavailable(t, th.Token, err, res)
	}
	res.PriceUSD = quote.PriceUSD
	if !th.Hit(quote.PriceUSD) {
		return res
	}

	if th.AutoSwap == nil {
		now := v.now().UTC()
		price := quote.PriceUSD
		_, err := ledger.Commit(ctx, store.Commit{
			TriggerID: t.ID,
			Mutate: func(cur *trigger.Trigger) error {
				if !cur.Active || cur.Threshold == nil {
					return errInactive
				}
				cur.Threshold.TriggeredPrice = &price
				cur.Threshold.TriggeredAt = &now
				cur.Deactivate(trigger.OutcomeFired, now)
				return nil
			},
			History: func(cur trigger.Trigger) *trigger.Execution {
				return &trigger.Execution{
					TriggerID:  cur.ID,
					Kind:       cur.Kind,
					Token:      th.Token,
					PriceUSD:   price,
					Outcome:    trigger.OutcomeFired,
					ExecutedAt: now,
				}
			},
		})
		if err != nil {
			return v.writeFailed(t, err, res)
		}
		v.logger.Info("price alert fired", "trigger", t.ID, "token", th.Token, "price_usd", price, "target_usd", th.TargetPriceUSD)
		res.Action = ActionFired
		return res
	}

	swap := th.AutoSwap
	return v.execute(ctx, ledger, t, order{
		fromToken:    swap.FromToken,
		toToken:      swap.ToToken,
		amountIn:     swap.AmountIn,
		chain:        swap.Chain,
		fromPriceUSD: swap.FromTokenPriceUSD,
		triggerPrice: quote.PriceUSD,
	}, prices, res)
}

func (v *Evaluator) evaluateDCA(ctx context.Context, ledger Ledger, t trigger.Trigger, prices *PriceBook, res Result) Result {
	d := t.DCA
	now := v.now().UTC()
	if d.Exhausted() {
		_, err := ledger.Update(ctx, t.ID, func(cur *trigger.Trigger) error {
			if !cur.Deactivate(trigger.OutcomeCompleted, now) {
				return errInactive
			}
			return nil
		})
		if err != nil {
			return v.writeFailed(t, err, res)
		}
		res.Action = ActionSkipped
		res.Detail = "schedule already complete"
		return res
	}
	if !d.Due(now) {
		res.Detail = "next purchase at " + d.NextExecutionAt.Format(time.RFC3339)
		return res
	}
	o := order{
		purchase:  d.CompletedPurchases + 1,
		fromToken: d.FromToken,
		toToken:   d.Token,
		amountIn:  d.AmountPerPurchase,
		chain:     d.Chain,
	}
	// The bought token's price only labels the purchase; the schedule runs
	// without it.
	if quote, err := prices.Get(ctx, d.Token); err == nil {
		o.triggerPrice = quote.PriceUSD
		res.PriceUSD = quote.PriceUSD
	}
	return v.execute(ctx, ledger, t, o, prices, res)
}

// execute runs the risk check and submits the swap. A risk denial is recorded
// without touching the retry budget; a gateway failure spends one attempt.
func (v *Evaluator) execute(ctx context.Context, ledger Ledger, t trigger.Trigger, o order, prices *PriceBook, res Result) Result {
	logger := v.logger.With("trigger", t.ID, "kind", string(t.Kind), "wallet", t.Wallet)

	fromPrice := o.fromPriceUSD
	if fromPrice <= 0 {
		quote, err := prices.Get(ctx, o.fromToken)
		if err != nil {
			return v.priceUnavailable(t, o.fromToken, err, res)
		}
		fromPrice = quote.PriceUSD
	}
	value := o.amountIn * fromPrice
	res.ValueUSD = value
	now := v.now().UTC()

	if err := v.chains.Check(o.chain); err != nil {
		return v.recordFailure(ctx, ledger, t, o, err, now, res)
	}

	counters, err := ledger.Counters(ctx, t.Wallet)
	if err != nil {
		return v.writeFailed(t, err, res)
	}
	decision := risk.CanExecute(value, counters, v.limits, now)
	if !decision.Allowed {
		denial := trigger.RiskDenial{
			Reason:           string(decision.Reason),
			Message:          decision.Message,
			RemainingSeconds: decision.RemainingSeconds,
			At:               now,
		}
		_, err := ledger.Update(ctx, t.ID, func(cur *trigger.Trigger) error {
			if !cur.Active {
				return errInactive
			}
			cur.RiskDenial = &denial
			cur.UpdatedAt = now
			return nil
		})
		if err != nil {
			return v.writeFailed(t, err, res)
		}
		logger.Info("execution denied by risk guard", "reason", decision.Reason, "value_usd", value)
		res.Action = ActionRiskDenied
		res.Detail = decision.Message
		return res
	}

	fresh, err := ledger.Get(ctx, t.ID)
	if err != nil {
		return v.writeFailed(t, err, res)
	}
	if !fresh.Active {
		res.Action = ActionSkipped
		res.Detail = "trigger left the active set before execution"
		return res
	}
	if fresh.DCA != nil && !fresh.DCA.Due(now) {
		res.Action = ActionSkipped
		res.Detail = "purchase already made"
		return res
	}
	if fresh.Submission.InFlight(now) {
		res.Action = ActionSkipped
		res.Detail = errInFlight.Error()
		return res
	}
	if ctx.Err() != nil {
		res.Action = ActionSkipped
		res.Detail = "tick stopped before submission"
		return res
	}

	until, err := ledger.Hold(ctx)
	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			logger.Warn("session lease lost before submission")
			res.Action = ActionSkipped
			res.Detail = "session lease lost to another tick"
			return res
		}
		return v.writeFailed(t, err, res)
	}
	ref := o.ref(t.ID)
	_, err = ledger.Update(ctx, t.ID, func(cur *trigger.Trigger) error {
		switch {
		case !cur.Active:
			return errInactive
		case o.settled(cur):
			return errSettled
		case cur.Submission.InFlight(now):
			return errInFlight
		}
		cur.Submission = &trigger.Submission{Ref: ref, At: now, Until: until}
		return nil
	})
	if err != nil {
		return v.writeFailed(t, err, res)
	}

	// Shutdown must not abort a submission half way; the call is bounded by
	// the timeout alone.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
	receipt, err := v.gateway.SubmitSwap(callCtx, gateway.SwapRequest{
		FromToken: o.fromToken,
		ToToken:   o.toToken,
		AmountIn:  o.amountIn,
		Chain:     o.chain,
		Wallet:    t.Wallet,
		ClientRef: ref,
	})
	cancel()
	if err != nil {
		logger.Warn("swap submission failed", "attempt", fresh.RetryCount+1, "err", err)
		return v.recordFailure(ctx, ledger, t, o, err, v.now().UTC(), res)
	}
	return v.recordSuccess(ctx, ledger, t, o, value, receipt, res)
}

func (v *Evaluator) recordSuccess(ctx context.Context, ledger Ledger, t trigger.Trigger, o order, value float64, receipt gateway.Receipt, res Result) Result {
	now := v.now().UTC()
	// The swap already happened, so the commit must not be abandoned with the
	// tick context.
	updated, err := ledger.Commit(context.WithoutCancel(ctx), store.Commit{
		TriggerID: t.ID,
		Mutate: func(cur *trigger.Trigger) error {
			if o.settled(cur) {
				return errSettled
			}
			cur.Submission = nil
			cur.LastError = ""
			cur.RiskDenial = nil
			cur.UpdatedAt = now
			switch {
			case cur.Threshold != nil:
				price := o.triggerPrice
				cur.Threshold.TriggeredPrice = &price
				cur.Threshold.TriggeredAt = &now
				cur.Threshold.SwapExecuted = true
				cur.Threshold.TxRef = receipt.TxRef
				cur.Deactivate(trigger.OutcomeFired, now)
			case cur.DCA != nil:
				cur.RetryCount = 0
				cur.DCA.CompletedPurchases++
				cur.DCA.LastTxRef = receipt.TxRef
				cur.DCA.NextExecutionAt = now.Add(cur.DCA.Interval())
				if cur.DCA.Exhausted() {
					cur.Deactivate(trigger.OutcomeCompleted, now)
				}
			}
			return nil
		},
		Wallet:   t.Wallet,
		Counters: func(c risk.Counters) risk.Counters { return c.Record(value, now) },
		History: func(cur trigger.Trigger) *trigger.Execution {
			exec := &trigger.Execution{
				TriggerID:    cur.ID,
				Kind:         cur.Kind,
				Token:        cur.Token(),
				PriceUSD:     o.triggerPrice,
				ValueUSD:     value,
				Wallet:       cur.Wallet,
				SwapExecuted: true,
				TxRef:        receipt.TxRef,
				ExecutedAt:   now,
			}
			switch {
			case cur.Threshold != nil:
				exec.Outcome = trigger.OutcomeFired
			case cur.DCA != nil && cur.DCA.Exhausted():
				exec.Outcome = trigger.OutcomeCompleted
			}
			return exec
		},
	})
	res.TxRef = receipt.TxRef
	if errors.Is(err, errSettled) {
		v.logger.Error("gateway accepted a purchase that is already recorded", "trigger", t.ID, "tx_ref", receipt.TxRef)
		res.Action = ActionSkipped
		res.Detail = errSettled.Error()
		return res
	}
	if err != nil {
		v.logger.Error("swap executed but could not be recorded", "trigger", t.ID, "tx_ref", receipt.TxRef, "err", err)
		res.Action = ActionError
		res.Detail = err.Error()
		return res
	}
	v.logger.Info("swap executed", "trigger", t.ID, "kind", string(t.Kind), "tx_ref", receipt.TxRef, "value_usd", value)
	res.Action = ActionExecuted
	switch {
	case updated.Outcome == trigger.OutcomeCancelled:
		v.logger.Warn("trigger cancelled while its swap was in flight", "trigger", t.ID, "tx_ref", receipt.TxRef)
		res.Detail = "cancelled after submission; trade recorded"
	case !updated.Active && updated.Outcome == trigger.OutcomeCompleted:
		res.Detail = "schedule complete"
	}
	return res
}

func (v *Evaluator) recordFailure(ctx context.Context, ledger Ledger, t trigger.Trigger, o order, cause error, now time.Time, res Result) Result {
	msg := cause.Error()
	updated, err := ledger.Commit(context.WithoutCancel(ctx), store.Commit{
		TriggerID: t.ID,
		Mutate: func(cur *trigger.Trigger) error {
			if !cur.Active {
				return errInactive
			}
			if o.settled(cur) {
				return errSettled
			}
			cur.Submission = nil
			cur.RetryCount++
			cur.LastError = msg
			cur.RiskDenial = nil
			cur.UpdatedAt = now
			if cur.RetryCount >= cur.RetryLimit() {
				cur.Deactivate(trigger.OutcomeFailed, now)
			}
			return nil
		},
		History: func(cur trigger.Trigger) *trigger.Execution {
			if cur.Active {
				return nil
			}
			return &trigger.Execution{
				TriggerID:  cur.ID,
				Kind:       cur.Kind,
				Token:      cur.Token(),
				Wallet:     cur.Wallet,
				Error:      msg,
				Outcome:    trigger.OutcomeFailed,
				ExecutedAt: now,
			}
		},
	})
	if err != nil {
		return v.writeFailed(t, err, res)
	}
	res.Detail = msg
	if !updated.Active {
		v.logger.Warn("trigger failed permanently", "trigger", t.ID, "attempts", updated.RetryCount, "err", msg)
		res.Action = ActionFailed
		return res
	}
	res.Action = ActionExecutionFailed
	return res
}

func (v *Evaluator) priceUnavailable(t trigger.Trigger, token string, err error, res Result) Result {
	v.logger.Warn("price unavailable, skipping trigger", "trigger", t.ID, "token", token, "err", err)
	res.Action = ActionPriceUnavailable
	res.Detail = err.Error()
	return res
}

func (v *Evaluator) writeFailed(t trigger.Trigger, err error, res Result) Result {
	if errors.Is(err, errInactive) || errors.Is(err, errInFlight) || errors.Is(err, errSettled) {
		res.Action = ActionSkipped
		res.Detail = err.Error()
		return res
	}
	v.logger.Error("trigger evaluation failed", "trigger", t.ID, "err", err)
	res.Action = ActionError
	res.Detail = err.Error()
	return res
}
