package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggonzalez94/defi-sentinel/internal/risk"
	"github.com/ggonzalez94/defi-sentinel/internal/trigger"
)

// Session scopes every read and write to one session id.
type Session struct {
	store *Store
	id    string
}

func (s *Session) ID() string { return s.id }

func (s *Session) List(ctx context.Context) ([]trigger.Trigger, error) {
	return s.query(ctx, "SELECT payload FROM triggers WHERE session_id = ? ORDER BY created_at, rowid", s.id)
}

// ListActive returns active triggers in creation order, unknown kinds
// included.
func (s *Session) ListActive(ctx context.Context) ([]trigger.Trigger, error) {
	return s.query(ctx, "SELECT payload FROM triggers WHERE session_id = ? AND active = 1 ORDER BY created_at, rowid", s.id)
}

func (s *Session) Get(ctx context.Context, triggerID string) (trigger.Trigger, error) {
	return getTrigger(ctx, s.store.db, s.id, triggerID)
}

func (s *Session) Create(ctx context.Context, t trigger.Trigger) (string, error) {
	if strings.TrimSpace(t.ID) == "" {
		return "", fmt.Errorf("create trigger: missing trigger id")
	}
	err := s.store.write(ctx, func(tx *sql.Tx) error {
		return insertTrigger(ctx, tx, s.id, t)
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// Update applies fn to the latest persisted row and writes the result back in
// the same transaction. An error from fn leaves the row untouched.
func (s *Session) Update(ctx context.Context, triggerID string, fn func(*trigger.Trigger) error) (trigger.Trigger, error) {
	return s.Commit(ctx, Commit{TriggerID: triggerID, Mutate: fn})
}

// Cancel deactivates a trigger with the cancelled outcome. Cancelling an
// inactive trigger returns ErrNotActive and changes nothing.
func (s *Session) Cancel(ctx context.Context, triggerID string, at time.Time) (trigger.Trigger, error) {
	return s.Update(ctx, triggerID, func(t *trigger.Trigger) error {
		if !t.Deactivate(trigger.OutcomeCancelled, at.UTC()) {
			return ErrNotActive
		}
		return nil
	})
}

// Commit is one atomic unit of work: a trigger mutation, an optional wallet
// counter change and an optional history row. History sees the mutated
// trigger and may return nil to skip the row.
type Commit struct {
	TriggerID string
	Mutate    func(*trigger.Trigger) error

	Wallet   string
	Counters func(risk.Counters) risk.Counters

	History func(trigger.Trigger) *trigger.Execution
}

func (s *Session) Commit(ctx context.Context, c Commit) (trigger.Trigger, error) {
	var out trigger.Trigger
	err := s.store.write(ctx, func(tx *sql.Tx) error {
		t, err := getTrigger(ctx, tx, s.id, c.TriggerID)
		if err != nil {
			return err
		}
		if c.Mutate != nil {
			if err := c.Mutate(&t); err != nil {
				return err
			}
		}
		t.ID = c.TriggerID
		if err := saveTrigger(ctx, tx, s.id, t); err != nil {
			return err
		}
		if c.Counters != nil && c.Wallet != "" {
			current, err := readCounters(ctx, tx, s.id, c.Wallet)
			if err != nil {
				return err
			}
			if err := saveCounters(ctx, tx, s.id, c.Wallet, c.Counters(current)); err != nil {
				return err
			}
		}
		if c.History != nil {
			if exec := c.History(t); exec != nil {
				if err := insertHistory(ctx, tx, s.id, *exec); err != nil {
					return err
				}
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return trigger.Trigger{}, err
	}
	return out, nil
}

// Counters returns the stored counters for wallet, zero when none exist.
func (s *Session) Counters(ctx context.Context, wallet string) (risk.Counters, error) {
	return readCounters(ctx, s.store.db, s.id, wallet)
}

// History returns the most recent executions first.
func (s *Session) History(ctx context.Context, limit int) ([]trigger.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.store.db.QueryContext(ctx,
		"SELECT payload FROM history WHERE session_id = ? ORDER BY id DESC LIMIT ?", s.id, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make([]trigger.Execution, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var exec trigger.Execution
		if err := json.Unmarshal(payload, &exec); err != nil {
			return nil, fmt.Errorf("decode history row: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

func (s *Session) query(ctx context.Context, q string, args ...any) ([]trigger.Trigger, error) {
	rows, err := s.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	out := make([]trigger.Trigger, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan trigger row: %w", err)
		}
		var t trigger.Trigger
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, fmt.Errorf("decode trigger row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trigger rows: %w", err)
	}
	return out, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTrigger(ctx context.Context, q queryer, sessionID, triggerID string) (trigger.Trigger, error) {
	var payload []byte
	err := q.QueryRowContext(ctx,
		"SELECT payload FROM triggers WHERE session_id = ? AND trigger_id = ?", sessionID, triggerID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return trigger.Trigger{}, fmt.Errorf("%w: %s", ErrNotFound, triggerID)
		}
		return trigger.Trigger{}, fmt.Errorf("read trigger: %w", err)
	}
	var t trigger.Trigger
	if err := json.Unmarshal(payload, &t); err != nil {
		return trigger.Trigger{}, fmt.Errorf("decode trigger payload: %w", err)
	}
	return t, nil
}

func insertTrigger(ctx context.Context, tx *sql.Tx, sessionID string, t trigger.Trigger) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO triggers (session_id, trigger_id, kind, active, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sessionID, t.ID, string(t.Kind), boolInt(t.Active), unixMilli(t.CreatedAt), unixMilli(t.UpdatedAt), payload)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

func saveTrigger(ctx context.Context, tx *sql.Tx, sessionID string, t trigger.Trigger) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE triggers SET kind = ?, active = ?, updated_at = ?, payload = ?
		WHERE session_id = ? AND trigger_id = ?
	`, string(t.Kind), boolInt(t.Active), unixMilli(t.UpdatedAt), payload, sessionID, t.ID)
	if err != nil {
		return fmt.Errorf("save trigger: %w", err)
	}
	return nil
}

func readCounters(ctx context.Context, q queryer, sessionID, wallet string) (risk.Counters, error) {
	var payload []byte
	err := q.QueryRowContext(ctx,
		"SELECT payload FROM wallet_counters WHERE session_id = ? AND wallet = ?", sessionID, wallet).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return risk.Counters{}, nil
		}
		return risk.Counters{}, fmt.Errorf("read wallet counters: %w", err)
	}
	var c risk.Counters
	if err := json.Unmarshal(payload, &c); err != nil {
		return risk.Counters{}, fmt.Errorf("decode wallet counters: %w", err)
	}
	return c, nil
}

func saveCounters(ctx context.Context, tx *sql.Tx, sessionID, wallet string, c risk.Counters) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal wallet counters: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_counters (session_id, wallet, updated_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, wallet) DO UPDATE SET
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, sessionID, wallet, unixMilli(c.LastTxAt), payload)
	if err != nil {
		return fmt.Errorf("save wallet counters: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, sessionID string, e trigger.Execution) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO history (session_id, trigger_id, executed_at, payload)
		VALUES (?, ?, ?, ?)
	`, sessionID, e.TriggerID, unixMilli(e.ExecutedAt), payload)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
