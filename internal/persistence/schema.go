package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		prompt TEXT NOT NULL,
		repo TEXT NOT NULL,
		branch TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'medium',
		model TEXT NOT NULL DEFAULT 'claude-sonnet-4-6',
		agent TEXT NOT NULL DEFAULT 'claude',
		budget_limit REAL DEFAULT 3.0,
		depends_on TEXT DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'queued',
		assigned_worker TEXT,
		pr_url TEXT,
		cost REAL DEFAULT 0,
		tokens_in INTEGER DEFAULT 0,
		tokens_out INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);

	CREATE TABLE IF NOT EXISTS budget_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id TEXT NOT NULL,
		task_id TEXT,
		cost REAL NOT NULL,
		tokens_in INTEGER,
		tokens_out INTEGER,
		model TEXT,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_budget_log_recorded_at ON budget_log(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_budget_log_worker ON budget_log(worker_id, recorded_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS swarm_sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
