// Package cache keeps recently fetched USD prices so that several triggers
// and processes watching the same token share one oracle request.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	mu   sync.Mutex
	now  func() time.Time
}

type Entry struct {
	Token     string
	PriceUSD  float64
	FetchedAt time.Time
	Age       time.Duration
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS price_quotes (token TEXT PRIMARY KEY, price_usd REAL NOT NULL, fetched_at INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	return &Store{db: db, lock: flock.New(lockPath), now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes quotes fetched more than maxAge ago.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().UTC().Add(-maxAge).UnixMilli()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM price_quotes WHERE fetched_at < ?", cutoff); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

// Lookup returns the cached quote for token when it is no older than maxAge.
// Older quotes are reported as a miss; prices are never served stale.
func (s *Store) Lookup(ctx context.Context, token string, maxAge time.Duration) (Entry, bool, error) {
	key := cacheKey(token)
	var (
		price       float64
		fetchedUnix int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT price_usd, fetched_at FROM price_quotes WHERE token = ?", key).Scan(&price, &fetchedUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache read: %w", err)
	}

	fetched := time.UnixMilli(fetchedUnix).UTC()
	age := s.now().Sub(fetched)
	if age < 0 {
		age = 0
	}
	if age > maxAge {
		return Entry{}, false, nil
	}
	return Entry{Token: token, PriceUSD: price, FetchedAt: fetched, Age: age}, true, nil
}

func (s *Store) Put(ctx context.Context, token string, priceUSD float64, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO price_quotes (token, price_usd, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			price_usd=excluded.price_usd,
			fetched_at=excluded.fetched_at
		WHERE excluded.fetched_at >= price_quotes.fetched_at
	`, cacheKey(token), priceUSD, fetchedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

func cacheKey(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}
