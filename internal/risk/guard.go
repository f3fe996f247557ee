// Package risk enforces per-wallet trading limits before any autonomous
// execution.
package risk

import (
	"fmt"
	"math"
	"time"
)

// Window is the length of the rolling daily counter window. A window opens at
// the first transaction after the previous window expired.
const Window = 24 * time.Hour

type Reason string

const (
	ReasonNone                Reason = ""
	ReasonCooldown            Reason = "cooldown"
	ReasonValueExceeded       Reason = "value_exceeded"
	ReasonDailyCountExceeded  Reason = "daily_count_exceeded"
	ReasonDailyVolumeExceeded Reason = "daily_volume_exceeded"
)

// Limits are static per deployment. A zero or negative cap disables that
// check.
type Limits struct {
	MaxTransactionValueUSD float64       `json:"max_transaction_value_usd" yaml:"max_transaction_value_usd"`
	MaxDailyTransactions   int           `json:"max_daily_transactions" yaml:"max_daily_transactions"`
	MaxDailyVolumeUSD      float64       `json:"max_daily_volume_usd" yaml:"max_daily_volume_usd"`
	Cooldown               time.Duration `json:"cooldown" yaml:"-"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxTransactionValueUSD: 1000,
		MaxDailyTransactions:   10,
		MaxDailyVolumeUSD:      5000,
		Cooldown:               60 * time.Second,
	}
}

// Counters are the per-wallet running totals. They change only on a
// successful execution.
type Counters struct {
	DailyTxCount   int       `json:"daily_tx_count"`
	DailyVolumeUSD float64   `json:"daily_volume_usd"`
	LastTxAt       time.Time `json:"last_tx_at"`
	WindowStart    time.Time `json:"window_start"`
}

// Effective returns the counters as seen at now, with the daily totals
// cleared once the window has expired. LastTxAt is kept for the cooldown.
func (c Counters) Effective(now time.Time) Counters {
	if !c.WindowStart.IsZero() && now.Sub(c.WindowStart) >= Window {
		c.DailyTxCount = 0
		c.DailyVolumeUSD = 0
		c.WindowStart = time.Time{}
	}
	return c
}

// Record returns the counters after a successful trade of valueUSD at now.
func (c Counters) Record(valueUSD float64, now time.Time) Counters {
	next := c.Effective(now)
	if next.WindowStart.IsZero() {
		next.WindowStart = now
	}
	next.DailyTxCount++
	next.DailyVolumeUSD += valueUSD
	next.LastTxAt = now
	return next
}

type Decision struct {
	Allowed          bool   `json:"allowed"`
	Reason           Reason `json:"reason,omitempty"`
	RemainingSeconds int64  `json:"remaining_seconds,omitempty"`
	Message          string `json:"message,omitempty"`
}

// CanExecute decides whether a trade worth valueUSD may run at now. Checks run
// in a fixed order and the first failure wins: cooldown, per-transaction cap,
// daily count, daily volume.
func CanExecute(valueUSD float64, counters Counters, limits Limits, now time.Time) Decision {
	c := counters.Effective(now)

	if limits.Cooldown > 0 && !c.LastTxAt.IsZero() {
		elapsed := now.Sub(c.LastTxAt)
		if elapsed < limits.Cooldown {
			remaining := int64(math.Ceil((limits.Cooldown - elapsed).Seconds()))
			if remaining < 1 {
				remaining = 1
			}
			return Decision{
				Reason:           ReasonCooldown,
				RemainingSeconds: remaining,
				Message:          fmt.Sprintf("cooldown active: %ds remaining", remaining),
			}
		}
	}
	if limits.MaxTransactionValueUSD > 0 && valueUSD > limits.MaxTransactionValueUSD {
		return Decision{
			Reason:  ReasonValueExceeded,
			Message: fmt.Sprintf("transaction value $%.2f exceeds limit of $%.2f", valueUSD, limits.MaxTransactionValueUSD),
		}
	}
	if limits.MaxDailyTransactions > 0 && c.DailyTxCount >= limits.MaxDailyTransactions {
		return Decision{
			Reason:  ReasonDailyCountExceeded,
			Message: fmt.Sprintf("daily transaction limit of %d reached", limits.MaxDailyTransactions),
		}
	}
	if limits.MaxDailyVolumeUSD > 0 && c.DailyVolumeUSD+valueUSD > limits.MaxDailyVolumeUSD {
		return Decision{
			Reason: ReasonDailyVolumeExceeded,
			Message: fmt.Sprintf("daily volume would reach $%.2f, above limit of $%.2f",
				c.DailyVolumeUSD+valueUSD, limits.MaxDailyVolumeUSD),
		}
	}
	return Decision{Allowed: true}
}
