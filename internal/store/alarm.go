package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Alarm is the persisted wake-up for a session. A zero WakeAt means the
// session is idle.
type Alarm struct {
	Session    string    `json:"session"`
	WakeAt     time.Time `json:"wake_at,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitempty"`
}

func (a Alarm) Armed() bool { return !a.WakeAt.IsZero() }

// Running reports whether a tick holds the session lease at now.
func (a Alarm) Running(now time.Time) bool {
	return !a.LeaseUntil.IsZero() && now.Before(a.LeaseUntil)
}

func (s *Session) Alarm(ctx context.Context) (Alarm, error) {
	var (
		wake  sql.NullInt64
		lease int64
	)
	err := s.store.db.QueryRowContext(ctx,
		"SELECT wake_at, lease_until FROM alarms WHERE session_id = ?", s.id).Scan(&wake, &lease)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Alarm{Session: s.id}, nil
		}
		return Alarm{}, fmt.Errorf("read alarm: %w", err)
	}
	a := Alarm{Session: s.id, LeaseUntil: fromUnixMilli(lease)}
	if wake.Valid {
		a.WakeAt = fromUnixMilli(wake.Int64)
	}
	return a, nil
}

// Arm schedules a wake-up at at, keeping an earlier alarm that is already
// scheduled.
func (s *Session) Arm(ctx context.Context, at time.Time) error {
	return s.store.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alarms (session_id, wake_at) VALUES (?, ?)
			ON CONFLICT(session_id) DO UPDATE SET wake_at =
				CASE WHEN alarms.wake_at IS NULL OR excluded.wake_at < alarms.wake_at
					THEN excluded.wake_at ELSE alarms.wake_at END
		`, s.id, unixMilli(at))
		if err != nil {
			return fmt.Errorf("arm alarm: %w", err)
		}
		return nil
	})
}

// Settle closes out a tick that started at startedAt. With no active
// triggers left the alarm is cleared. Otherwise it moves to next, unless an
// alarm set after the tick started is already earlier than next.
func (s *Session) Settle(ctx context.Context, startedAt, next time.Time) (Alarm, error) {
	err := s.store.write(ctx, func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM triggers WHERE session_id = ? AND active = 1", s.id).Scan(&active); err != nil {
			return fmt.Errorf("count active triggers: %w", err)
		}
		if active == 0 {
			if _, err := tx.ExecContext(ctx, "UPDATE alarms SET wake_at = NULL WHERE session_id = ?", s.id); err != nil {
				return fmt.Errorf("disarm alarm: %w", err)
			}
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alarms (session_id, wake_at) VALUES (?, ?)
			ON CONFLICT(session_id) DO UPDATE SET wake_at =
				CASE WHEN alarms.wake_at IS NULL OR alarms.wake_at <= ? OR alarms.wake_at > excluded.wake_at
					THEN excluded.wake_at ELSE alarms.wake_at END
		`, s.id, unixMilli(next), unixMilli(startedAt))
		if err != nil {
			return fmt.Errorf("rearm alarm: %w", err)
		}
		return nil
	})
	if err != nil {
		return Alarm{}, err
	}
	return s.Alarm(ctx)
}

// ErrLeaseLost means another tick claimed the session after this lease
// expired.
var ErrLeaseLost = errors.New("session lease lost")

// Lease is a claim on a session. Owner fences writes made under the lease so
// a tick that overran its lease cannot act for the tick that replaced it.
type Lease struct {
	Session string
	Owner   string
	Until   time.Time
}

// Claim takes the session lease until now+d. It fails when another tick
// still holds an unexpired lease.
func (s *Store) Claim(ctx context.Context, session string, now time.Time, d time.Duration) (Lease, bool, error) {
	lease := Lease{Session: session, Owner: uuid.NewString(), Until: now.Add(d)}
	var claimed bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO alarms (session_id, wake_at, lease_until, lease_owner) VALUES (?, NULL, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				lease_until = excluded.lease_until, lease_owner = excluded.lease_owner
			WHERE alarms.lease_until <= ?
		`, session, unixMilli(lease.Until), lease.Owner, unixMilli(now))
		if err != nil {
			return fmt.Errorf("claim session lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim session lease: %w", err)
		}
		claimed = n > 0
		return nil
	})
	if err != nil || !claimed {
		return Lease{}, false, err
	}
	return lease, true, nil
}

// Renew extends a lease to now+d. It returns ErrLeaseLost once another
// claim has replaced the lease, even if this one never expired on its own
// clock.
func (s *Store) Renew(ctx context.Context, lease Lease, now time.Time, d time.Duration) (Lease, error) {
	until := now.Add(d)
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE alarms SET lease_until = ? WHERE session_id = ? AND lease_owner = ?",
			unixMilli(until), lease.Session, lease.Owner)
		if err != nil {
			return fmt.Errorf("renew session lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("renew session lease: %w", err)
		}
		if n == 0 {
			return ErrLeaseLost
		}
		return nil
	})
	if err != nil {
		return lease, err
	}
	lease.Until = until
	return lease, nil
}

// Release gives the lease back. Releasing a lease that was already replaced
// leaves the new holder alone.
func (s *Store) Release(ctx context.Context, lease Lease) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE alarms SET lease_until = 0, lease_owner = '' WHERE session_id = ? AND lease_owner = ?",
			lease.Session, lease.Owner); err != nil {
			return fmt.Errorf("release session lease: %w", err)
		}
		return nil
	})
}

// DueAlarms lists sessions whose alarm is at or before now and whose lease
// has expired.
func (s *Store) DueAlarms(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM alarms
		WHERE wake_at IS NOT NULL AND wake_at <= ? AND lease_until <= ?
		ORDER BY wake_at, session_id
	`, unixMilli(now), unixMilli(now))
	if err != nil {
		return nil, fmt.Errorf("list due alarms: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// NextWake returns the earliest scheduled alarm across sessions, zero when
// every session is idle.
func (s *Store) NextWake(ctx context.Context) (time.Time, error) {
	var wake sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MIN(wake_at) FROM alarms").Scan(&wake); err != nil {
		return time.Time{}, fmt.Errorf("read next alarm: %w", err)
	}
	if !wake.Valid {
		return time.Time{}, nil
	}
	return fromUnixMilli(wake.Int64), nil
}
