// Package store persists triggers, wallet risk counters, execution history and
// the per-session dispatch alarm in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// SchemaVersion is recorded in the meta table.
const SchemaVersion = 1

const (
	lockTimeout    = 5 * time.Second
	lockRetryDelay = 25 * time.Millisecond
)

var (
	ErrNotFound  = errors.New("trigger not found")
	ErrNotActive = errors.New("trigger is not active")
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	// flock hands an already-held lock straight back to the same handle, so
	// goroutines in this process serialize on mu first.
	mu sync.Mutex
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trigger store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create trigger lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open trigger sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS triggers (
			session_id TEXT NOT NULL,
			trigger_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			active INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (session_id, trigger_id)
		);`,
		"CREATE INDEX IF NOT EXISTS idx_triggers_session_active ON triggers(session_id, active, created_at);",
		`CREATE TABLE IF NOT EXISTS wallet_counters (
			session_id TEXT NOT NULL,
			wallet TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (session_id, wallet)
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			trigger_id TEXT NOT NULL,
			executed_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_history_session ON history(session_id, id DESC);",
		`CREATE TABLE IF NOT EXISTS alarms (
			session_id TEXT PRIMARY KEY,
			wake_at INTEGER,
			lease_until INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT ''
		);`,
		"CREATE INDEX IF NOT EXISTS idx_alarms_wake ON alarms(wake_at);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init trigger schema: %w", err)
		}
	}
	if err := ensureColumn(db, "alarms", "lease_owner", "TEXT NOT NULL DEFAULT ''"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO NOTHING`, strconv.Itoa(SchemaVersion)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init trigger schema version: %w", err)
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

// ensureColumn adds a column that databases created by older builds lack.
func ensureColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close()
	names, err := scanStrings(rows)
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	for _, name := range names {
		if name == column {
			return nil
		}
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SchemaVersion returns the version recorded when the database was created.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'schema_version'").Scan(&raw); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return v, nil
}

// Session returns the view of a single session's data.
func (s *Store) Session(id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	return &Session{store: s, id: id}, nil
}

// Sessions lists every session that owns a trigger or an alarm.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM triggers
		UNION
		SELECT session_id FROM alarms
		ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// write runs fn inside an immediate transaction while holding both the
// in-process mutex and the cross-process file lock.
func (s *Store) write(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock trigger store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock trigger store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trigger store tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trigger store tx: %w", err)
	}
	return nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromUnixMilli(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
