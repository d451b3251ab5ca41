package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRecord is a stored swarm session snapshot. State is the session's
// JSON encoding and is opaque to the store.
type SessionRecord struct {
	ID        string
	Status    string
	State     []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveSwarmSession inserts or replaces the snapshot of a swarm session.
func (s *SQLiteStore) SaveSwarmSession(ctx context.Context, id, status string, state []byte) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := toMillis(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swarm_sessions (id, status, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, id, status, string(state), now, now)
	if err != nil {
		return fmt.Errorf("failed to save swarm session %s: %w", id, err)
	}
	return nil
}

// GetSwarmSession returns one snapshot, or ErrNotFound.
func (s *SQLiteStore) GetSwarmSession(ctx context.Context, id string) (*SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, state, created_at, updated_at FROM swarm_sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("swarm session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swarm session %s: %w", id, err)
	}
	return rec, nil
}

// ListSwarmSessions returns every snapshot, most recently updated first.
func (s *SQLiteStore) ListSwarmSessions(ctx context.Context) ([]*SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, state, created_at, updated_at FROM swarm_sessions ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list swarm sessions: %w", err)
	}
	defer rows.Close()

	records := []*SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan swarm session: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating swarm sessions: %w", err)
	}
	return records, nil
}

// DeleteSwarmSession removes a snapshot. Deleting an unknown id is not an error.
func (s *SQLiteStore) DeleteSwarmSession(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM swarm_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete swarm session %s: %w", id, err)
	}
	return nil
}

func scanSession(sc scanner) (*SessionRecord, error) {
	var (
		rec                  SessionRecord
		state                string
		createdAt, updatedAt int64
	)
	if err := sc.Scan(&rec.ID, &rec.Status, &state, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.State = []byte(state)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}
