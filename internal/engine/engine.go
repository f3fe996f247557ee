// Package engine evaluates triggers against live prices and submits the
// resulting swaps. Each session is ticked by one runner at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-sentinel/internal/errors"
	"github.com/ggonzalez94/defi-sentinel/internal/gateway"
	"github.com/ggonzalez94/defi-sentinel/internal/id"
	"github.com/ggonzalez94/defi-sentinel/internal/oracle"
	"github.com/ggonzalez94/defi-sentinel/internal/policy"
	"github.com/ggonzalez94/defi-sentinel/internal/risk"
	"github.com/ggonzalez94/defi-sentinel/internal/store"
	"github.com/ggonzalez94/defi-sentinel/internal/trigger"
)

type Config struct {
	Limits            risk.Limits
	PollInterval      time.Duration
	TickLease         time.Duration
	CallTimeout       time.Duration
	DefaultMaxRetries int
	MinDCAInterval    time.Duration
	Chains            policy.Chains
}

type Engine struct {
	store     *store.Store
	evaluator *Evaluator
	oracle    oracle.Oracle
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func New(st *store.Store, o oracle.Oracle, g gateway.Gateway, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.TickLease <= 0 {
		cfg.TickLease = 5 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	// A submission must finish well inside the lease that fences it.
	if floor := 2 * cfg.CallTimeout; cfg.TickLease < floor {
		cfg.TickLease = floor
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = trigger.DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  st,
		oracle: o,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	e.evaluator = &Evaluator{
		gateway: g,
		limits:  cfg.Limits,
		chains:  cfg.Chains,
		timeout: cfg.CallTimeout,
		logger:  logger,
		now:     func() time.Time { return e.now() },
	}
	return e
}

func (e *Engine) session(id string) (*store.Session, error) {
	sess, err := e.store.Session(id)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "session", err)
	}
	return sess, nil
}

// CreateTrigger validates req, persists the trigger and arms the session
// alarm no later than one poll interval from now.
func (e *Engine) CreateTrigger(ctx context.Context, session string, req trigger.Request) (trigger.Trigger, error) {
	sess, err := e.session(session)
	if err != nil {
		return trigger.Trigger{}, err
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = e.cfg.DefaultMaxRetries
	}
	now := e.now().UTC()
	t, err := trigger.New(req, now, trigger.Options{MinInterval: e.cfg.MinDCAInterval})
	if err != nil {
		return trigger.Trigger{}, err
	}
	if chain := executionChain(t); chain != "" {
		if err := e.cfg.Chains.Check(chain); err != nil {
			return trigger.Trigger{}, err
		}
	}
	if _, err := sess.Create(ctx, t); err != nil {
		return trigger.Trigger{}, clierr.Wrap(clierr.CodeInternal, "persist trigger", err)
	}

	wake := t.DueAt(now)
	if limit := now.Add(e.cfg.PollInterval); wake.After(limit) {
		wake = limit
	}
	if err := sess.Arm(ctx, wake); err != nil {
		return trigger.Trigger{}, clierr.Wrap(clierr.CodeInternal, "arm session alarm", err)
	}
	e.logger.Info("trigger created", "session", sess.ID(), "trigger", t.ID, "kind", string(t.Kind), "wake_at", wake)
	return t, nil
}

// CancelTrigger deactivates a trigger. Cancelling an inactive trigger returns
// it unchanged.
func (e *Engine) CancelTrigger(ctx context.Context, session, triggerID string) (trigger.Trigger, error) {
	sess, err := e.session(session)
	if err != nil {
		return trigger.Trigger{}, err
	}
	triggerID = strings.TrimSpace(triggerID)
	t, err := sess.Cancel(ctx, triggerID, e.now())
	switch {
	case err == nil:
		e.logger.Info("trigger cancelled", "session", sess.ID(), "trigger", triggerID)
		return t, nil
	case errors.Is(err, store.ErrNotFound):
		return trigger.Trigger{}, clierr.New(clierr.CodeNotFound, fmt.Sprintf("trigger not found: %s", triggerID))
	case errors.Is(err, store.ErrNotActive):
		current, getErr := sess.Get(ctx, triggerID)
		if getErr != nil {
			return trigger.Trigger{}, clierr.Wrap(clierr.CodeInternal, "read trigger", getErr)
		}
		return current, nil
	default:
		return trigger.Trigger{}, clierr.Wrap(clierr.CodeInternal, "cancel trigger", err)
	}
}

// TriggerView pairs a stored trigger with a plain explanation of its state.
type TriggerView struct {
	Trigger trigger.Trigger `json:"trigger"`
	State   trigger.State   `json:"state"`
	Reason  string          `json:"reason"`
}

func (e *Engine) ListTriggers(ctx context.Context, session string) ([]TriggerView, error) {
	sess, err := e.session(session)
	if err != nil {
		return nil, err
	}
	triggers, err := sess.List(ctx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "list triggers", err)
	}
	now := e.now().UTC()
	out := make([]TriggerView, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, TriggerView{Trigger: t, State: t.State(), Reason: explain(t, now)})
	}
	return out, nil
}

func (e *Engine) ListHistory(ctx context.Context, session string, limit int) ([]trigger.Execution, error) {
	sess, err := e.session(session)
	if err != nil {
		return nil, err
	}
	history, err := sess.History(ctx, limit)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "list history", err)
	}
	return history, nil
}

type Status struct {
	Session        string     `json:"session"`
	State          string     `json:"state"`
	WakeAt         *time.Time `json:"wake_at,omitempty"`
	LeaseUntil     *time.Time `json:"lease_until,omitempty"`
	ActiveTriggers int        `json:"active_triggers"`
	TotalTriggers  int        `json:"total_triggers"`
}

// Status reports the dispatch state of a session: idle, armed or running.
func (e *Engine) Status(ctx context.Context, session string) (Status, error) {
	sess, err := e.session(session)
	if err != nil {
		return Status{}, err
	}
	alarm, err := sess.Alarm(ctx)
	if err != nil {
		return Status{}, clierr.Wrap(clierr.CodeInternal, "read alarm", err)
	}
	triggers, err := sess.List(ctx)
	if err != nil {
		return Status{}, clierr.Wrap(clierr.CodeInternal, "list triggers", err)
	}
	st := Status{Session: sess.ID(), State: "idle", TotalTriggers: len(triggers)}
	for _, t := range triggers {
		if t.Active {
			st.ActiveTriggers++
		}
	}
	now := e.now()
	if alarm.Armed() {
		st.State = "armed"
		wake := alarm.WakeAt
		st.WakeAt = &wake
	}
	if alarm.Running(now) {
		st.State = "running"
		lease := alarm.LeaseUntil
		st.LeaseUntil = &lease
	}
	return st, nil
}

type LimitsView struct {
	MaxTransactionValueUSD float64 `json:"max_transaction_value_usd"`
	MaxDailyTransactions   int     `json:"max_daily_transactions"`
	MaxDailyVolumeUSD      float64 `json:"max_daily_volume_usd"`
	CooldownSeconds        int64   `json:"cooldown_seconds"`
}

type WalletLimits struct {
	Limits                   LimitsView     `json:"limits"`
	Wallet                   string         `json:"wallet,omitempty"`
	Counters                 *risk.Counters `json:"counters,omitempty"`
	RemainingTransactions    *int           `json:"remaining_transactions,omitempty"`
	RemainingVolumeUSD       *float64       `json:"remaining_volume_usd,omitempty"`
	CooldownRemainingSeconds int64          `json:"cooldown_remaining_seconds"`
}

// WalletLimits reports the configured limits and, when wallet is set, how
// much of each the wallet has left right now.
func (e *Engine) WalletLimits(ctx context.Context, session, wallet string) (WalletLimits, error) {
	l := e.cfg.Limits
	out := WalletLimits{Limits: LimitsView{
		MaxTransactionValueUSD: l.MaxTransactionValueUSD,
		MaxDailyTransactions:   l.MaxDailyTransactions,
		MaxDailyVolumeUSD:      l.MaxDailyVolumeUSD,
		CooldownSeconds:        int64(l.Cooldown / time.Second),
	}}
	if strings.TrimSpace(wallet) == "" {
		return out, nil
	}
	sess, err := e.session(session)
	if err != nil {
		return WalletLimits{}, err
	}
	out.Wallet = counterKey(wallet)
	counters, err := sess.Counters(ctx, out.Wallet)
	if err != nil {
		return WalletLimits{}, clierr.Wrap(clierr.CodeInternal, "read wallet counters", err)
	}
	now := e.now().UTC()
	eff := counters.Effective(now)
	out.Counters = &eff
	if l.MaxDailyTransactions > 0 {
		n := l.MaxDailyTransactions - eff.DailyTxCount
		if n < 0 {
			n = 0
		}
		out.RemainingTransactions = &n
	}
	if l.MaxDailyVolumeUSD > 0 {
		v := l.MaxDailyVolumeUSD - eff.DailyVolumeUSD
		if v < 0 {
			v = 0
		}
		out.RemainingVolumeUSD = &v
	}
	if d := risk.CanExecute(0, counters, risk.Limits{Cooldown: l.Cooldown}, now); d.Reason == risk.ReasonCooldown {
		out.CooldownRemainingSeconds = d.RemainingSeconds
	}
	return out, nil
}

// counterKey normalizes a wallet the way triggers store it so lookups match
// regardless of address casing.
func counterKey(wallet string) string {
	if chain, err := id.ParseChain("ethereum"); err == nil {
		if norm, err := id.NormalizeWallet(chain, wallet); err == nil {
			return norm
		}
	}
	return strings.TrimSpace(wallet)
}

func executionChain(t trigger.Trigger) string {
	switch {
	case t.Threshold != nil && t.Threshold.AutoSwap != nil:
		return t.Threshold.AutoSwap.Chain
	case t.DCA != nil:
		return t.DCA.Chain
	default:
		return ""
	}
}

func explain(t trigger.Trigger, now time.Time) string {
	if t.Active && t.Submission.InFlight(now) {
		return "swap " + t.Submission.Ref + " submitted, waiting for the gateway"
	}
	switch t.State() {
	case trigger.StateUnknown:
		return fmt.Sprintf("trigger kind %q is not supported by this version and is never evaluated", t.Kind)
	case trigger.StateFired:
		if t.Threshold != nil && t.Threshold.TriggeredPrice != nil {
			msg := fmt.Sprintf("fired at $%.4f", *t.Threshold.TriggeredPrice)
			if t.Threshold.SwapExecuted {
				msg += "; swap " + t.Threshold.TxRef
			}
			return msg
		}
		return "fired"
	case trigger.StateCompleted:
		if t.DCA != nil {
			return fmt.Sprintf("completed %d purchases", t.DCA.CompletedPurchases)
		}
		return "completed"
	case trigger.StateFailed:
		return fmt.Sprintf("gave up after %d failed attempts: %s", t.RetryCount, t.LastError)
	case trigger.StateCancelled:
		return "cancelled"
	case trigger.StateRiskLimited:
		return "blocked by risk limits: " + t.RiskDenial.Message
	case trigger.StateRetrying:
		return fmt.Sprintf("retrying (%d/%d failed): %s", t.RetryCount, t.RetryLimit(), t.LastError)
	}
	switch {
	case t.Threshold != nil:
		return fmt.Sprintf("waiting for price %s $%.4f", t.Threshold.Condition, t.Threshold.TargetPriceUSD)
	case t.DCA != nil:
		progress := fmt.Sprintf("%d purchases made", t.DCA.CompletedPurchases)
		if t.DCA.TotalPurchases != nil {
			progress = fmt.Sprintf("%d of %d purchases made", t.DCA.CompletedPurchases, *t.DCA.TotalPurchases)
		}
		if t.DCA.Due(now) {
			return "purchase due; " + progress
		}
		return fmt.Sprintf("next purchase at %s; %s", t.DCA.NextExecutionAt.Format(time.RFC3339), progress)
	default:
		return ""
	}
}
