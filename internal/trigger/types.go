package trigger

import (
	"encoding/json"
	"time"
)

// SchemaVersion is written on every persisted trigger.
const SchemaVersion = 1

// DefaultMaxRetries bounds execution attempts when a request leaves it unset.
const DefaultMaxRetries = 3

type Kind string

const (
	KindPriceAlert Kind = "price_alert"
	KindStopLoss   Kind = "stop_loss"
	KindTakeProfit Kind = "take_profit"
	KindDCA        Kind = "dca"
)

// Known reports whether the engine knows how to evaluate k.
func (k Kind) Known() bool {
	switch k {
	case KindPriceAlert, KindStopLoss, KindTakeProfit, KindDCA:
		return true
	default:
		return false
	}
}

// IsThreshold reports whether k fires on a price crossing.
func (k Kind) IsThreshold() bool {
	return k == KindPriceAlert || k == KindStopLoss || k == KindTakeProfit
}

type Condition string

const (
	ConditionAbove Condition = "above"
	ConditionBelow Condition = "below"
)

// Outcome is set exactly once, when a trigger leaves the active set.
type Outcome string

const (
	OutcomeFired     Outcome = "fired"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// State is the user-facing explanation of where a trigger stands.
type State string

const (
	StatePending     State = "pending"
	StateRetrying    State = "retrying"
	StateRiskLimited State = "risk_limited"
	StateFired       State = "fired"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
	StateUnknown     State = "unknown_kind"
)

type AutoSwap struct {
	AmountIn          float64 `json:"amount_in"`
	FromToken         string  `json:"from_token"`
	ToToken           string  `json:"to_token"`
	FromTokenPriceUSD float64 `json:"from_token_price_usd,omitempty"`
	Chain             string  `json:"chain"`

	extra map[string]json.RawMessage
}

// Threshold is the payload of price_alert, stop_loss and take_profit triggers.
type Threshold struct {
	Token          string     `json:"token"`
	Condition      Condition  `json:"condition"`
	TargetPriceUSD float64    `json:"target_price_usd"`
	AutoSwap       *AutoSwap  `json:"auto_swap,omitempty"`
	TriggeredPrice *float64   `json:"triggered_price,omitempty"`
	TriggeredAt    *time.Time `json:"triggered_at,omitempty"`
	SwapExecuted   bool       `json:"swap_executed"`
	TxRef          string     `json:"tx_ref,omitempty"`

	extra map[string]json.RawMessage
}

// Hit reports whether price strictly crosses the target. A price equal to the
// target never fires.
func (t Threshold) Hit(price float64) bool {
	switch t.Condition {
	case ConditionAbove:
		return price > t.TargetPriceUSD
	case ConditionBelow:
		return price < t.TargetPriceUSD
	default:
		return false
	}
}

// DCA is the payload of recurring purchase schedules.
type DCA struct {
	Token              string    `json:"token"`
	FromToken          string    `json:"from_token"`
	AmountPerPurchase  float64   `json:"amount_per_purchase"`
	Chain              string    `json:"chain"`
	IntervalMS         int64     `json:"interval_ms"`
	NextExecutionAt    time.Time `json:"next_execution_at"`
	CompletedPurchases int       `json:"completed_purchases"`
	TotalPurchases     *int      `json:"total_purchases"`
	LastTxRef          string    `json:"last_tx_ref,omitempty"`

	extra map[string]json.RawMessage
}

func (d DCA) Interval() time.Duration {
	return time.Duration(d.IntervalMS) * time.Millisecond
}

// Due reports whether a purchase is owed at now.
func (d DCA) Due(now time.Time) bool {
	return !now.Before(d.NextExecutionAt)
}

// Exhausted reports whether the schedule has made all of its purchases.
func (d DCA) Exhausted() bool {
	return d.TotalPurchases != nil && d.CompletedPurchases >= *d.TotalPurchases
}

type RiskDenial struct {
	Reason           string    `json:"reason"`
	Message          string    `json:"message"`
	RemainingSeconds int64     `json:"remaining_seconds,omitempty"`
	At               time.Time `json:"at"`
}

// Submission marks a swap handed to the gateway whose outcome is not yet
// recorded. Until is when the submitting tick's lease runs out; past it the
// outcome is presumed lost.
type Submission struct {
	Ref   string    `json:"ref"`
	At    time.Time `json:"at"`
	Until time.Time `json:"until"`
}

// InFlight reports whether the submission may still be running at now.
func (s *Submission) InFlight(now time.Time) bool {
	return s != nil && now.Before(s.Until)
}

type Trigger struct {
	ID            string      `json:"id"`
	SchemaVersion int         `json:"schema_version"`
	Kind          Kind        `json:"kind"`
	Active        bool        `json:"active"`
	Outcome       Outcome     `json:"outcome,omitempty"`
	Wallet        string      `json:"wallet,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	RetryCount    int         `json:"retry_count"`
	MaxRetries    int         `json:"max_retries"`
	LastError     string      `json:"last_error,omitempty"`
	RiskDenial    *RiskDenial `json:"risk_denial,omitempty"`
	Threshold     *Threshold  `json:"threshold,omitempty"`
	DCA           *DCA        `json:"dca,omitempty"`
	Submission    *Submission `json:"submission,omitempty"`

	// extra holds fields this version does not know about, so legacy and
	// future rows survive a read-modify-write untouched.
	extra map[string]json.RawMessage
}

// AutoExecutes reports whether firing t submits a swap.
func (t Trigger) AutoExecutes() bool {
	if t.Kind == KindDCA {
		return true
	}
	return t.Threshold != nil && t.Threshold.AutoSwap != nil
}

// RetryLimit is MaxRetries, falling back to DefaultMaxRetries for rows that
// never stored one.
func (t Trigger) RetryLimit() int {
	if t.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return t.MaxRetries
}

// Token returns the token whose price drives t.
func (t Trigger) Token() string {
	switch {
	case t.Threshold != nil:
		return t.Threshold.Token
	case t.DCA != nil:
		return t.DCA.Token
	default:
		return ""
	}
}

// DueAt returns the earliest time t could fire. Threshold triggers are always
// due; DCA schedules are due at their next execution time.
func (t Trigger) DueAt(now time.Time) time.Time {
	if t.Kind == KindDCA && t.DCA != nil && t.DCA.NextExecutionAt.After(now) {
		return t.DCA.NextExecutionAt
	}
	return now
}

func (t Trigger) State() State {
	if !t.Kind.Known() {
		return StateUnknown
	}
	if !t.Active {
		switch t.Outcome {
		case OutcomeFired:
			return StateFired
		case OutcomeCompleted:
			return StateCompleted
		case OutcomeFailed:
			return StateFailed
		default:
			return StateCancelled
		}
	}
	if t.RiskDenial != nil {
		return StateRiskLimited
	}
	if t.RetryCount > 0 {
		return StateRetrying
	}
	return StatePending
}

// Deactivate moves t out of the active set. It is a no-op on inactive
// triggers so the first recorded outcome wins.
func (t *Trigger) Deactivate(outcome Outcome, now time.Time) bool {
	if !t.Active {
		return false
	}
	t.Active = false
	t.Outcome = outcome
	t.UpdatedAt = now
	return true
}

// Execution is one history row: a fired alert, a swap, or a terminal failure.
type Execution struct {
	TriggerID    string    `json:"trigger_id"`
	Kind         Kind      `json:"kind"`
	Token        string    `json:"token"`
	PriceUSD     float64   `json:"price_usd,omitempty"`
	ValueUSD     float64   `json:"value_usd,omitempty"`
	Wallet       string    `json:"wallet,omitempty"`
	SwapExecuted bool      `json:"swap_executed"`
	TxRef        string    `json:"tx_ref,omitempty"`
	Error        string    `json:"error,omitempty"`
	Outcome      Outcome   `json:"outcome,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
}
