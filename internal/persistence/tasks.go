package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/swarm/internal/scheduler"
)

const taskColumns = `id, title, prompt, repo, branch, priority, model, agent, budget_limit,
	depends_on, status, assigned_worker, pr_url, cost, tokens_in, tokens_out,
	created_at, started_at, completed_at, error_message`

// nextQueuedQuery picks the highest-priority, oldest queued task whose
// dependencies are all done. Ids that name no stored task do not block.
const nextQueuedQuery = `SELECT ` + taskColumns + ` FROM tasks
	WHERE status = 'queued'
	AND NOT EXISTS (
		SELECT 1 FROM tasks AS dep
		WHERE dep.id IN (SELECT value FROM json_each(tasks.depends_on))
		AND dep.status != 'done'
	)
	ORDER BY
		CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END,
		created_at ASC,
		rowid ASC
	LIMIT 1`

// CreateTask inserts a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *scheduler.Task) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	deps, err := encodeDeps(t.DependsOn)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Prompt, t.Repo, t.Branch, string(t.Priority), t.Model, t.Agent, t.BudgetLimit,
		deps, string(t.Status), nullString(t.AssignedWorker), nullString(t.PRURL), t.Cost, t.TokensIn, t.TokensOut,
		toMillis(t.CreatedAt), nullMillis(t.StartedAt), nullMillis(t.CompletedAt), nullString(t.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by id. Unknown ids wrap scheduler.ErrTaskNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, scheduler.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTask overwrites every mutable column of an existing task.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *scheduler.Task) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	deps, err := encodeDeps(t.DependsOn)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `UPDATE tasks SET
		title = ?, prompt = ?, repo = ?, branch = ?, priority = ?, model = ?, agent = ?,
		budget_limit = ?, depends_on = ?, status = ?, assigned_worker = ?, pr_url = ?,
		cost = ?, tokens_in = ?, tokens_out = ?, started_at = ?, completed_at = ?,
		error_message = ?
		WHERE id = ?`,
		t.Title, t.Prompt, t.Repo, t.Branch, string(t.Priority), t.Model, t.Agent,
		t.BudgetLimit, deps, string(t.Status), nullString(t.AssignedWorker), nullString(t.PRURL),
		t.Cost, t.TokensIn, t.TokensOut, nullMillis(t.StartedAt), nullMillis(t.CompletedAt),
		nullString(t.ErrorMessage),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, scheduler.ErrTaskNotFound)
	}
	return nil
}

// ListTasks returns every task, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*scheduler.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// NextQueuedTask returns the task the scheduler should dispatch next, or nil.
func (s *SQLiteStore) NextQueuedTask(ctx context.Context) (*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	t, err := scanTask(s.db.QueryRowContext(ctx, nextQueuedQuery))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next queued task: %w", err)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*scheduler.Task, error) {
	var (
		t                       scheduler.Task
		priority, status, deps  string
		assigned, prURL, errMsg sql.NullString
		createdAt               int64
		startedAt, completedAt  sql.NullInt64
	)

	err := sc.Scan(
		&t.ID, &t.Title, &t.Prompt, &t.Repo, &t.Branch, &priority, &t.Model, &t.Agent, &t.BudgetLimit,
		&deps, &status, &assigned, &prURL, &t.Cost, &t.TokensIn, &t.TokensOut,
		&createdAt, &startedAt, &completedAt, &errMsg,
	)
	if err != nil {
		return nil, err
	}

	t.Priority = scheduler.Priority(priority)
	t.Status = scheduler.Status(status)
	t.AssignedWorker = assigned.String
	t.PRURL = prURL.String
	t.ErrorMessage = errMsg.String
	t.CreatedAt = fromMillis(createdAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)

	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to decode depends_on of task %s: %w", t.ID, err)
	}
	if t.DependsOn == nil {
		t.DependsOn = []string{}
	}

	return &t, nil
}

func encodeDeps(deps []string) (string, error) {
	if deps == nil {
		deps = []string{}
	}
	raw, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("failed to encode dependencies: %w", err)
	}
	return string(raw), nil
}
