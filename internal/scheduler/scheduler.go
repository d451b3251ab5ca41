// Package scheduler turns queued task requests into running agent work by
// pairing idle workers with the highest-priority ready task, subject to the
// spend limits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/events"
)

// CancelMessage is stored on tasks failed by Cancel.
const CancelMessage = "Cancelled by user"

// Store persists tasks and runtime settings.
type Store interface {
	CreateTask(ctx context.Context, t *Task) error
	// GetTask returns an error wrapping ErrTaskNotFound for unknown ids.
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	// NextQueuedTask returns the queued task with the highest priority, oldest
	// first, whose dependencies are all done. Nil when there is none.
	NextQueuedTask(ctx context.Context) (*Task, error)
	Settings(ctx context.Context) (config.Settings, error)
}

// WorkerPool is the part of the terminal manager the scheduler drives.
type WorkerPool interface {
	IdleWorkerIDs() []string
	// WorkerWorkspace returns the workspace of a worker, false if the id is unknown.
	WorkerWorkspace(id string) (string, bool)
	SetWorkerTask(id string, task *Task) error
	Exec(id, command string) error
	Kill(id string) error
}

// Git prepares a worker's workspace for a task branch.
type Git interface {
	Prepare(ctx context.Context, workspace, repo, branch string) error
}

// Budget gates dispatch and records spend.
type Budget interface {
	IsOverBudget(ctx context.Context) (budget.Check, error)
	Record(ctx context.Context, e budget.Entry) (budget.Entry, error)
}

// Publisher receives task.updated events.
type Publisher interface {
	Publish(topic string, event events.Event)
}

// Config wires a Scheduler. Git and Bus are optional.
type Config struct {
	Store     Store
	Workers   WorkerPool
	Git       Git
	Budget    Budget
	Bus       Publisher
	Providers map[string]config.ProviderConfig
	Now       func() time.Time
	NewID     func() string
}

// Scheduler is the admission controller.
type Scheduler struct {
	store     Store
	workers   WorkerPool
	git       Git
	budget    Budget
	bus       Publisher
	providers map[string]config.ProviderConfig
	now       func() time.Time
	newID     func() string

	ticking sync.Mutex
}

// New creates a scheduler. Nil Providers means the default claude and codex
// providers.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:     cfg.Store,
		workers:   cfg.Workers,
		git:       cfg.Git,
		budget:    cfg.Budget,
		bus:       cfg.Bus,
		providers: cfg.Providers,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
	if s.providers == nil {
		s.providers = config.DefaultConfig().Providers
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Enqueue validates the input, fills defaults from the current settings and
// stores the task as queued. Dependencies are kept verbatim.
func (s *Scheduler) Enqueue(ctx context.Context, in NewTask) (*Task, error) {
	if err := validateNewTask(in); err != nil {
		return nil, err
	}

	settings, err := s.store.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	task := &Task{
		ID:          s.newID(),
		Title:       in.Title,
		Prompt:      in.Prompt,
		Repo:        in.Repo,
		Branch:      in.Branch,
		Priority:    in.Priority,
		Model:       in.Model,
		Agent:       in.Agent,
		BudgetLimit: settings.DailyBudget / 10,
		DependsOn:   append([]string{}, in.DependsOn...),
		Status:      StatusQueued,
		CreatedAt:   s.now(),
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	if task.Model == "" {
		task.Model = settings.DefaultModel
	}
	if task.Agent == "" {
		task.Agent = settings.DefaultAgent
	}
	if in.BudgetLimit != nil {
		task.BudgetLimit = *in.BudgetLimit
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	s.publish(task)
	return task, nil
}

func validateNewTask(in NewTask) error {
	var missing []string
	if in.Title == "" {
		missing = append(missing, "title")
	}
	if in.Prompt == "" {
		missing = append(missing, "prompt")
	}
	if in.Repo == "" {
		missing = append(missing, "repo")
	}
	if in.Branch == "" {
		missing = append(missing, "branch")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidInput, missing)
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidInput, in.Priority)
	}
	if in.BudgetLimit != nil && *in.BudgetLimit < 0 {
		return fmt.Errorf("%w: negative budget limit", ErrInvalidInput)
	}
	return nil
}

// Tick runs one admission step: nothing happens when spend is over a limit,
// no worker is idle, or no queued task is ready. Otherwise the next task goes
// to the first idle worker. At most one task is assigned per call. A call made
// while another is running returns ErrTickInProgress without doing anything.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.ticking.TryLock() {
		return ErrTickInProgress
	}
	defer s.ticking.Unlock()

	check, err := s.budget.IsOverBudget(ctx)
	if err != nil {
		return fmt.Errorf("checking budget: %w", err)
	}
	if check.Over {
		return nil
	}

	idle := s.workers.IdleWorkerIDs()
	if len(idle) == 0 {
		return nil
	}

	task, err := s.store.NextQueuedTask(ctx)
	if err != nil {
		return fmt.Errorf("finding next task: %w", err)
	}
	if task == nil {
		return nil
	}

	if err := s.Assign(ctx, task, idle[0]); err != nil {
		if errors.Is(err, ErrUnknownAgent) {
			// Leaving it queued would block the head of the queue forever.
			if _, ferr := s.Fail(ctx, task.ID, err.Error()); ferr != nil {
				log.Printf("ERROR: failed to mark task %q as failed: %v", task.ID, ferr)
			}
		}
		return err
	}
	return nil
}

// Assign starts task on workerID. The command is built and the worker claimed
// before the task is stored, so an unknown agent or a worker without a shell
// leaves both untouched. A failed git prepare is logged and the task starts
// anyway. If the agent cannot be started the worker is reset and the task goes
// back to the queue.
func (s *Scheduler) Assign(ctx context.Context, task *Task, workerID string) error {
	workspace, ok := s.workers.WorkerWorkspace(workerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if task.Status.Finished() {
		return fmt.Errorf("%w: %s is %s", ErrTaskFinished, task.ID, task.Status)
	}

	cmd, err := BuildCommand(task, s.providers)
	if err != nil {
		return fmt.Errorf("assigning task %q: %w", task.ID, err)
	}

	started := s.now()
	running := task.Clone()
	running.Status = StatusRunning
	running.AssignedWorker = workerID
	running.StartedAt = &started
	if err := s.workers.SetWorkerTask(workerID, running.Clone()); err != nil {
		return fmt.Errorf("setting task on %s: %w", workerID, err)
	}

	if err := s.store.UpdateTask(ctx, running); err != nil {
		s.resetWorker(workerID)
		return fmt.Errorf("updating task %q: %w", task.ID, err)
	}
	*task = *running
	s.publish(task)

	if s.git != nil {
		if err := s.git.Prepare(ctx, workspace, task.Repo, task.Branch); err != nil {
			log.Printf("WARNING: git prepare for task %q on %s failed: %v", task.ID, workerID, err)
		}
	}

	if err := s.workers.Exec(workerID, cmd); err != nil {
		s.resetWorker(workerID)
		s.requeue(ctx, task)
		return fmt.Errorf("starting agent on %s: %w", workerID, err)
	}
	return nil
}

// resetWorker frees a worker whose assignment was abandoned.
func (s *Scheduler) resetWorker(workerID string) {
	if err := s.workers.Kill(workerID); err != nil {
		log.Printf("WARNING: resetting %s: %v", workerID, err)
	}
}

// requeue puts a task whose agent never started back in the queue.
func (s *Scheduler) requeue(ctx context.Context, task *Task) {
	task.Status = StatusQueued
	task.AssignedWorker = ""
	task.StartedAt = nil
	if err := s.store.UpdateTask(ctx, task); err != nil {
		log.Printf("ERROR: requeueing task %q: %v", task.ID, err)
		return
	}
	s.publish(task)
}

// AssignByID loads a task and assigns it.
func (s *Scheduler) AssignByID(ctx context.Context, taskID, workerID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.Assign(ctx, task, workerID)
}

// Complete marks the task done with whatever the run reported. A positive
// cost is recorded against the assigned worker (or "unknown") and the task's
// model.
func (s *Scheduler) Complete(ctx context.Context, taskID string, res Result) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Finished() {
		return task, fmt.Errorf("%w: %s is %s", ErrTaskFinished, taskID, task.Status)
	}

	done := s.now()
	task.Status = StatusDone
	task.Cost = res.Cost
	task.TokensIn = res.TokensIn
	task.TokensOut = res.TokensOut
	task.PRURL = res.PRURL
	task.CompletedAt = &done
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("updating task %q: %w", taskID, err)
	}
	s.publish(task)

	if res.Cost > 0 {
		worker := task.AssignedWorker
		if worker == "" {
			worker = "unknown"
		}
		_, err := s.budget.Record(ctx, budget.Entry{
			WorkerID:   worker,
			TaskID:     taskID,
			Cost:       res.Cost,
			TokensIn:   res.TokensIn,
			TokensOut:  res.TokensOut,
			Model:      task.Model,
			RecordedAt: done,
		})
		if err != nil {
			return task, fmt.Errorf("recording cost of task %q: %w", taskID, err)
		}
	}
	return task, nil
}

// Fail marks the task failed. The worker is not released.
func (s *Scheduler) Fail(ctx context.Context, taskID, message string) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Finished() {
		return task, fmt.Errorf("%w: %s is %s", ErrTaskFinished, taskID, task.Status)
	}

	done := s.now()
	task.Status = StatusFailed
	task.ErrorMessage = message
	task.CompletedAt = &done
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("updating task %q: %w", taskID, err)
	}
	s.publish(task)
	return task, nil
}

// Cancel fails the task with CancelMessage. When killWorker is set and the
// task was running, its worker is killed too.
func (s *Scheduler) Cancel(ctx context.Context, taskID string, killWorker bool) (*Task, error) {
	before, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	task, err := s.Fail(ctx, taskID, CancelMessage)
	if err != nil {
		return task, err
	}

	if killWorker && before.Status == StatusRunning && before.AssignedWorker != "" {
		if err := s.workers.Kill(before.AssignedWorker); err != nil {
			return task, fmt.Errorf("killing %s: %w", before.AssignedWorker, err)
		}
	}
	return task, nil
}

func (s *Scheduler) publish(t *Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicTask, events.TaskUpdatedEvent{
		TaskID:    t.ID,
		Status:    string(t.Status),
		Worker:    t.AssignedWorker,
		Timestamp: s.now(),
	})
}
