package quota

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// UsageStore is the durable layer of monthly usage accounting.
type UsageStore interface {
	// Add atomically increments usage for key and returns the new total.
	Add(ctx context.Context, key string, tokens int64) (int64, error)

	// Get returns current usage for key; zero when absent.
	Get(ctx context.Context, key string) (int64, error)
}

// MemoryUsageStore is the in-process UsageStore.
type MemoryUsageStore struct {
	mu    sync.Mutex
	usage map[string]int64
}

// NewMemoryUsageStore creates an empty store.
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{usage: make(map[string]int64)}
}

func (s *MemoryUsageStore) Add(_ context.Context, key string, tokens int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[key] += tokens
	return s.usage[key], nil
}

func (s *MemoryUsageStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[key], nil
}

// SQLiteUsageStore persists usage in SQLite.
type SQLiteUsageStore struct {
	db *sql.DB
}

// NewSQLiteUsageStore opens (or creates) the usage table in the database
// at path.
func NewSQLiteUsageStore(path string) (*SQLiteUsageStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS token_usage (
			period_key TEXT PRIMARY KEY,
			tokens INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteUsageStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteUsageStore) Close() error { return s.db.Close() }

func (s *SQLiteUsageStore) Add(ctx context.Context, key string, tokens int64) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO token_usage (period_key, tokens) VALUES (?, ?)
		ON CONFLICT(period_key) DO UPDATE SET tokens = tokens + excluded.tokens
		RETURNING tokens`, key, tokens).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("add usage: %w", err)
	}
	return total, nil
}

func (s *SQLiteUsageStore) Get(ctx context.Context, key string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT tokens FROM token_usage WHERE period_key = ?`, key).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return total, nil
}
