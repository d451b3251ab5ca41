// Package persistence stores tasks, the spend ledger, runtime settings and
// swarm session snapshots in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/swarm/internal/config"
)

// queryTimeout bounds every statement.
const queryTimeout = 5 * time.Second

// ErrNotFound is returned for unknown swarm sessions.
var ErrNotFound = errors.New("not found")

// SQLiteStore is the SQLite-backed store. It satisfies scheduler.Store and
// budget.Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath. Missing
// settings are seeded from seed; settings already stored are kept.
func NewSQLiteStore(ctx context.Context, dbPath string, seed config.Settings) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer plus one reader is enough under WAL.
	db.SetMaxOpenConns(2)

	return open(ctx, db, seed)
}

// NewMemoryStore creates an in-memory store seeded with the default settings.
// Every call gets its own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:swarmd-%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	// Shared-cache tables lock at table level; a single connection serialises access instead.
	db.SetMaxOpenConns(1)

	return open(ctx, db, config.DefaultSettings())
}

func open(ctx context.Context, db *sql.DB, seed config.Settings) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := store.seedSettings(ctx, seed); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed settings: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
