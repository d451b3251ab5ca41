package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/swarm/internal/budget"
)

// RecordBudget appends a spend entry and returns it with its assigned id.
func (s *SQLiteStore) RecordBudget(ctx context.Context, e budget.Entry) (budget.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `INSERT INTO budget_log
		(worker_id, task_id, cost, tokens_in, tokens_out, model, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.WorkerID, nullString(e.TaskID), e.Cost, e.TokensIn, e.TokensOut, nullString(e.Model), toMillis(e.RecordedAt),
	)
	if err != nil {
		return budget.Entry{}, fmt.Errorf("failed to record budget entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return budget.Entry{}, fmt.Errorf("failed to read budget entry id: %w", err)
	}
	e.ID = id
	return e, nil
}

// BudgetTotalSince sums every entry recorded at or after since.
// A zero since sums the whole ledger.
func (s *SQLiteStore) BudgetTotalSince(ctx context.Context, since time.Time) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var total float64
	var err error
	if since.IsZero() {
		err = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost), 0) FROM budget_log`).Scan(&total)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(cost), 0) FROM budget_log WHERE recorded_at >= ?`,
			toMillis(since),
		).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to sum budget: %w", err)
	}
	return total, nil
}

// WorkerBudgetTotal sums one worker's entries recorded at or after since.
// A zero since covers all time.
func (s *SQLiteStore) WorkerBudgetTotal(ctx context.Context, workerID string, since time.Time) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var total float64
	var err error
	if since.IsZero() {
		err = s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(cost), 0) FROM budget_log WHERE worker_id = ?`,
			workerID,
		).Scan(&total)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(cost), 0) FROM budget_log WHERE worker_id = ? AND recorded_at >= ?`,
			workerID, toMillis(since),
		).Scan(&total)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to sum budget for %s: %w", workerID, err)
	}
	return total, nil
}

// ListBudgetLog returns the most recent entries, newest first.
func (s *SQLiteStore) ListBudgetLog(ctx context.Context, limit int) ([]budget.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, worker_id, task_id, cost, tokens_in, tokens_out, model, recorded_at
		FROM budget_log ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list budget log: %w", err)
	}
	defer rows.Close()

	entries := []budget.Entry{}
	for rows.Next() {
		var (
			e                   budget.Entry
			taskID, model       sql.NullString
			tokensIn, tokensOut sql.NullInt64
			recordedAt          int64
		)
		if err := rows.Scan(&e.ID, &e.WorkerID, &taskID, &e.Cost, &tokensIn, &tokensOut, &model, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan budget entry: %w", err)
		}
		e.TaskID = taskID.String
		e.Model = model.String
		e.TokensIn = tokensIn.Int64
		e.TokensOut = tokensOut.Int64
		e.RecordedAt = fromMillis(recordedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating budget log: %w", err)
	}
	return entries, nil
}
