// Package hub connects clients to the core: it decodes inbound messages and
// dispatches them, and turns bus events into outbound messages.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/swarm"
	"github.com/aristath/swarm/internal/terminal"
)

// errorTail is how much worker output goes into a failed task's message.
const errorTail = 200

// Store is the read side of persistence plus runtime settings.
type Store interface {
	GetTask(ctx context.Context, id string) (*scheduler.Task, error)
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)
	Settings(ctx context.Context) (config.Settings, error)
	UpdateSettings(ctx context.Context, values map[string]string) error
}

// Scheduler mutates tasks.
type Scheduler interface {
	Enqueue(ctx context.Context, in scheduler.NewTask) (*scheduler.Task, error)
	AssignByID(ctx context.Context, taskID, workerID string) error
	Complete(ctx context.Context, taskID string, res scheduler.Result) (*scheduler.Task, error)
	Fail(ctx context.Context, taskID, message string) (*scheduler.Task, error)
	Cancel(ctx context.Context, taskID string, killWorker bool) (*scheduler.Task, error)
}

// Terminals is the worker pool as seen by clients.
type Terminals interface {
	Workers() []terminal.Worker
	Worker(id string) (terminal.Worker, bool)
	Write(id, data string) error
	Resize(id string, cols, rows int) error
	Kill(id string) error
	Release(id string) error
}

// Budget accepts new spend limits.
type Budget interface {
	SetLimits(ctx context.Context, u budget.LimitsUpdate) error
}

// Finalizer commits a finished task's work and opens a pull request.
type Finalizer interface {
	Finalize(ctx context.Context, workspace, message, branch string) (string, error)
}

// Broadcaster delivers a message to every connected client.
type Broadcaster interface {
	Broadcast(msg any)
}

// Config wires a Hub. Git, Swarm and Broadcast are optional.
type Config struct {
	Store             Store
	Scheduler         Scheduler
	Terminals         Terminals
	Budget            Budget
	Git               Finalizer
	Swarm             *swarm.Manager
	Broadcast         Broadcaster
	CancelKillsWorker bool
	Now               func() time.Time
	NewID             func() string
}

// Hub routes messages between clients and the core.
type Hub struct {
	store      Store
	sched      Scheduler
	terms      Terminals
	budget     Budget
	git        Finalizer
	swarm      *swarm.Manager
	out        Broadcaster
	cancelKill bool
	now        func() time.Time
	newID      func() string

	mu         sync.Mutex
	swarmTasks map[string]swarmRef
	swarmIDs   map[string]map[string]string

	// background tracks analyses and finalizations still running. root is
	// cancelled by Close.
	background sync.WaitGroup
	root       context.Context
	stop       context.CancelFunc
}

// New creates a hub.
func New(cfg Config) *Hub {
	h := &Hub{
		store:      cfg.Store,
		sched:      cfg.Scheduler,
		terms:      cfg.Terminals,
		budget:     cfg.Budget,
		git:        cfg.Git,
		swarm:      cfg.Swarm,
		out:        cfg.Broadcast,
		cancelKill: cfg.CancelKillsWorker,
		now:        cfg.Now,
		newID:      cfg.NewID,
		swarmTasks: make(map[string]swarmRef),
		swarmIDs:   make(map[string]map[string]string),
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	h.root, h.stop = context.WithCancel(context.Background())
	return h
}

// Wait blocks until background work started by Handle and Run has finished.
func (h *Hub) Wait() {
	h.background.Wait()
}

// Close cancels background work. Call Wait afterwards to let it unwind.
func (h *Hub) Close() {
	h.stop()
}

// detach returns a context that keeps ctx's values but is cancelled only by
// Close, for work that must outlive a client connection.
func (h *Hub) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(h.root, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (h *Hub) broadcast(msg any) {
	if h.out != nil {
		h.out.Broadcast(msg)
	}
}

func (h *Hub) alert(kind, workerID, message, severity string) AlertMessage {
	return AlertMessage{
		Type: TypeAlert,
		Alert: Alert{
			ID:        kind + "-" + h.newID(),
			WorkerID:  workerID,
			Message:   message,
			Severity:  severity,
			Timestamp: h.now().UnixMilli(),
		},
	}
}

// Handle processes one inbound message. reply reaches only the sender. Any
// failure is also reported to the sender as an "Invalid message" alert.
func (h *Hub) Handle(ctx context.Context, raw []byte, reply func(any)) error {
	err := h.handle(ctx, raw, reply)
	if err != nil {
		reply(h.alert("error", "", "Invalid message: "+err.Error(), SeverityError))
	}
	return err
}

func (h *Hub) handle(ctx context.Context, raw []byte, reply func(any)) error {
	env, err := decode[envelope](raw)
	if err != nil {
		return err
	}

	switch env.Type {
	case TypeTerminalInput:
		m, err := decode[terminalInput](raw)
		if err != nil {
			return err
		}
		if err := require("workerId", m.WorkerID); err != nil {
			return err
		}
		return h.terms.Write(m.WorkerID, m.Data)

	case TypeTerminalResize:
		m, err := decode[terminalResize](raw)
		if err != nil {
			return err
		}
		if err := require("workerId", m.WorkerID); err != nil {
			return err
		}
		if m.Cols <= 0 || m.Rows <= 0 {
			return fmt.Errorf("%w: cols and rows must be positive", ErrMalformedMessage)
		}
		return h.terms.Resize(m.WorkerID, m.Cols, m.Rows)

	case TypeTaskCreate:
		m, err := decode[taskCreate](raw)
		if err != nil {
			return err
		}
		if m.Task == nil {
			return fmt.Errorf("%w: task is required", ErrMalformedMessage)
		}
		_, err = h.sched.Enqueue(ctx, *m.Task)
		return err

	case TypeTaskAssign:
		m, err := decode[taskRef](raw)
		if err != nil {
			return err
		}
		if err := require("taskId", m.TaskID); err != nil {
			return err
		}
		if err := require("workerId", m.WorkerID); err != nil {
			return err
		}
		return h.sched.AssignByID(ctx, m.TaskID, m.WorkerID)

	case TypeTaskCancel:
		m, err := decode[taskRef](raw)
		if err != nil {
			return err
		}
		if err := require("taskId", m.TaskID); err != nil {
			return err
		}
		_, err = h.sched.Cancel(ctx, m.TaskID, h.cancelKill)
		return err

	case TypeWorkerKill:
		m, err := decode[workerRef](raw)
		if err != nil {
			return err
		}
		if err := require("workerId", m.WorkerID); err != nil {
			return err
		}
		return h.terms.Kill(m.WorkerID)

	case TypeSettingsUpdate:
		m, err := decode[settingsUpdate](raw)
		if err != nil {
			return err
		}
		return h.updateSettings(ctx, m.Settings)

	case TypeSubscribe:
		// Every client receives every broadcast.
		return nil

	case swarm.TypeAnalyze, swarm.TypeApprove, swarm.TypeStatus:
		req, err := decode[swarm.Request](raw)
		if err != nil {
			return err
		}
		return h.handleSwarm(ctx, req, reply)
	}

	return fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, env.Type)
}

// updateSettings stores the new values, then pushes any budget change to
// the tracker.
func (h *Hub) updateSettings(ctx context.Context, in map[string]any) error {
	if len(in) == 0 {
		return fmt.Errorf("%w: settings are required", ErrMalformedMessage)
	}
	values, err := settingValues(in)
	if err != nil {
		return err
	}
	if err := h.store.UpdateSettings(ctx, values); err != nil {
		return err
	}
	if h.budget == nil {
		return nil
	}

	var u budget.LimitsUpdate
	for key, ptr := range map[string]**float64{config.KeyDailyBudget: &u.Daily, config.KeyWeeklyBudget: &u.Weekly} {
		raw, ok := values[key]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
		*ptr = &v
	}
	if u.Daily == nil && u.Weekly == nil {
		return nil
	}
	return h.budget.SetLimits(ctx, u)
}

// InitMessage describes the pool and the task list for a new connection.
func (h *Hub) InitMessage(ctx context.Context) (Init, error) {
	tasks, err := h.store.ListTasks(ctx)
	if err != nil {
		return Init{}, fmt.Errorf("listing tasks: %w", err)
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}

	workers := h.terms.Workers()
	infos := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, workerInfo(w))
	}
	return Init{Type: TypeInit, Workers: infos, Tasks: tasks}, nil
}

// Run turns bus events into broadcasts and task updates until ctx is done or
// the channel is closed.
func (h *Hub) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			h.dispatch(ctx, ev)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.TerminalDataEvent:
		h.broadcast(TerminalData{Type: TypeTerminalData, WorkerID: e.Worker, Data: e.Data})

	case events.WorkerPhaseEvent:
		h.broadcast(h.workerStatus(e.Worker, e.Status, e.Phase))

	case events.WorkerCompletedEvent:
		h.onCompleted(ctx, e)

	case events.WorkerErrorEvent:
		if e.Task == nil {
			return
		}
		msg := fmt.Sprintf("Worker %s error: %s", e.Worker, tail(e.Output, errorTail))
		if _, err := h.sched.Fail(ctx, e.Task.ID, msg); err != nil {
			log.Printf("ERROR: failing task %q after worker error: %v", e.Task.ID, err)
		}

	case events.WorkerExitEvent:
		msg := fmt.Sprintf("Worker %s shell exited with code %d", e.Worker, e.ExitCode)
		h.broadcast(h.alert("worker-exit", e.Worker, msg, SeverityWarning))
		h.broadcast(h.workerStatus(e.Worker, "", ""))

	case events.BudgetEvent:
		h.broadcast(h.budgetAlert(e))

	case events.TaskUpdatedEvent:
		h.onTaskUpdated(ctx, e)
	}
}

// workerStatus prefers the worker's current snapshot over the values an
// event carried.
func (h *Hub) workerStatus(id, status, phase string) WorkerStatus {
	if w, ok := h.terms.Worker(id); ok {
		status, phase = string(w.Status), string(w.Phase)
	}
	return WorkerStatus{Type: TypeWorkerStatus, WorkerID: id, Status: status, Phase: phase}
}

func (h *Hub) budgetAlert(e events.BudgetEvent) AlertMessage {
	total := strconv.FormatFloat(e.Total, 'f', 2, 64)
	limit := strconv.FormatFloat(e.Limit, 'f', -1, 64)
	if e.Kind == events.EventTypeBudgetExceeded {
		return h.alert("budget-exceeded", "", fmt.Sprintf("Budget exceeded: %s at $%s/$%s", e.Level, total, limit), SeverityError)
	}
	return h.alert("budget-warning", "", fmt.Sprintf("Budget warning: %s at $%s/$%s", e.Level, total, limit), SeverityWarning)
}

// onCompleted records a finished run. With auto_pr on and no PR reported by
// the agent, the work is committed and a PR opened first; that happens in the
// background so output keeps flowing. The worker is released once the task
// is marked done.
func (h *Hub) onCompleted(ctx context.Context, e events.WorkerCompletedEvent) {
	if e.Task == nil {
		h.release(e.Worker)
		return
	}

	res := scheduler.Result{PRURL: e.PRURL}
	if e.Cost != nil {
		res.Cost = e.Cost.Cost
		res.TokensIn = e.Cost.TokensIn
		res.TokensOut = e.Cost.TokensOut
	}

	if res.PRURL != "" || h.git == nil || !h.autoPR(ctx) {
		h.complete(ctx, e.Worker, e.Task.ID, res)
		return
	}

	h.background.Add(1)
	go func() {
		defer h.background.Done()
		res.PRURL = h.finalize(ctx, e.Worker, e.Task.ID)
		h.complete(ctx, e.Worker, e.Task.ID, res)
	}()
}

func (h *Hub) autoPR(ctx context.Context) bool {
	s, err := h.store.Settings(ctx)
	if err != nil {
		log.Printf("WARNING: reading settings: %v", err)
		return false
	}
	return s.AutoPR
}

// finalize returns the new PR URL, or "" if anything went wrong.
func (h *Hub) finalize(ctx context.Context, workerID, taskID string) string {
	task, err := h.store.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("WARNING: loading task %q for finalize: %v", taskID, err)
		return ""
	}
	w, ok := h.terms.Worker(workerID)
	if !ok {
		log.Printf("WARNING: finalize: %s: %v", workerID, terminal.ErrUnknownWorker)
		return ""
	}
	url, err := h.git.Finalize(ctx, w.Workspace, task.Title, task.Branch)
	if err != nil {
		log.Printf("WARNING: finalize task %q on %s failed: %v", taskID, workerID, err)
		return ""
	}
	return url
}

func (h *Hub) complete(ctx context.Context, workerID, taskID string, res scheduler.Result) {
	defer h.release(workerID)
	if _, err := h.sched.Complete(ctx, taskID, res); err != nil {
		if errors.Is(err, scheduler.ErrTaskFinished) {
			log.Printf("WARNING: completion for finished task %q ignored", taskID)
			return
		}
		log.Printf("ERROR: completing task %q: %v", taskID, err)
	}
}

func (h *Hub) release(workerID string) {
	if err := h.terms.Release(workerID); err != nil {
		log.Printf("WARNING: releasing %s: %v", workerID, err)
	}
}

func (h *Hub) onTaskUpdated(ctx context.Context, e events.TaskUpdatedEvent) {
	task, err := h.store.GetTask(ctx, e.TaskID)
	if err != nil {
		log.Printf("WARNING: loading updated task %q: %v", e.TaskID, err)
		return
	}
	h.broadcast(TaskUpdated{Type: TypeTaskUpdated, Task: task})

	if task.Status.Finished() {
		h.finishSwarmTask(ctx, task)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
