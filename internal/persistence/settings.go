package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/swarm/internal/config"
)

// seedSettings stores every setting that has no stored value yet.
func (s *SQLiteStore) seedSettings(ctx context.Context, seed config.Settings) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	for key, value := range seed.Map() {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, key, value,
		); err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
	}
	return nil
}

// RawSettings returns every stored key/value pair.
func (s *SQLiteStore) RawSettings(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}
	return values, nil
}

// Settings returns the typed runtime settings. Keys that were never stored
// keep their defaults.
func (s *SQLiteStore) Settings(ctx context.Context) (config.Settings, error) {
	values, err := s.RawSettings(ctx)
	if err != nil {
		return config.Settings{}, err
	}

	settings, err := config.DefaultSettings().Apply(values)
	if err != nil {
		return config.Settings{}, fmt.Errorf("stored settings are invalid: %w", err)
	}
	return settings, nil
}

// UpdateSettings validates and stores the known keys of values in one
// transaction. Unknown keys are ignored.
func (s *SQLiteStore) UpdateSettings(ctx context.Context, values map[string]string) error {
	current, err := s.Settings(ctx)
	if err != nil {
		return err
	}
	if _, err := current.Apply(values); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for key, value := range values {
		if !config.IsSettingKey(key) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value,
		); err != nil {
			return fmt.Errorf("failed to store setting %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settings: %w", err)
	}
	return nil
}
