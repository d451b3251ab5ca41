package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	WorkerID() string
}

// Topic constants
const (
	TopicTerminal = "terminal"
	TopicWorker   = "worker"
	TopicBudget   = "budget"
	TopicTask     = "task"
)

// Event type constants. This is the complete set of events the core emits.
const (
	EventTypeTerminalData    = "terminal.data"
	EventTypeWorkerPhase     = "worker.phase"
	EventTypeWorkerCompleted = "worker.completed"
	EventTypeWorkerError     = "worker.error"
	EventTypeWorkerExit      = "worker.exit"
	EventTypeBudgetWarning   = "budget.warning"
	EventTypeBudgetExceeded  = "budget.exceeded"
	EventTypeTaskUpdated     = "task.updated"
)

// TaskRef identifies the task a worker was running when an event fired.
// Nil when the worker had no task.
type TaskRef struct {
	ID    string
	Model string
}

// CostInfo carries the spend parsed from a worker's output.
type CostInfo struct {
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

// TerminalDataEvent forwards a raw chunk of worker output.
type TerminalDataEvent struct {
	Worker    string
	Data      string
	Timestamp time.Time
}

func (e TerminalDataEvent) EventType() string { return EventTypeTerminalData }
func (e TerminalDataEvent) WorkerID() string  { return e.Worker }

// WorkerPhaseEvent is published when a worker's classified phase changes.
type WorkerPhaseEvent struct {
	Worker    string
	Phase     string
	Status    string
	Timestamp time.Time
}

func (e WorkerPhaseEvent) EventType() string { return EventTypeWorkerPhase }
func (e WorkerPhaseEvent) WorkerID() string  { return e.Worker }

// WorkerCompletedEvent is published when a running worker returns to its prompt.
type WorkerCompletedEvent struct {
	Worker    string
	Task      *TaskRef
	Cost      *CostInfo
	PRURL     string
	Timestamp time.Time
}

func (e WorkerCompletedEvent) EventType() string { return EventTypeWorkerCompleted }
func (e WorkerCompletedEvent) WorkerID() string  { return e.Worker }

// WorkerErrorEvent is published when a running worker's output turns into an error.
type WorkerErrorEvent struct {
	Worker    string
	Task      *TaskRef
	Output    string
	Timestamp time.Time
}

func (e WorkerErrorEvent) EventType() string { return EventTypeWorkerError }
func (e WorkerErrorEvent) WorkerID() string  { return e.Worker }

// WorkerExitEvent is published when a worker's shell process exits.
type WorkerExitEvent struct {
	Worker    string
	ExitCode  int
	Timestamp time.Time
}

func (e WorkerExitEvent) EventType() string { return EventTypeWorkerExit }
func (e WorkerExitEvent) WorkerID() string  { return e.Worker }

// BudgetEvent is published when a recorded cost crosses a threshold.
// Kind is EventTypeBudgetWarning or EventTypeBudgetExceeded.
type BudgetEvent struct {
	Kind      string
	Level     string // "daily"
	Total     float64
	Limit     float64
	Timestamp time.Time
}

func (e BudgetEvent) EventType() string { return e.Kind }
func (e BudgetEvent) WorkerID() string  { return "" }

// TaskUpdatedEvent is published after the scheduler mutates a task.
type TaskUpdatedEvent struct {
	TaskID    string
	Status    string
	Worker    string
	Timestamp time.Time
}

func (e TaskUpdatedEvent) EventType() string { return EventTypeTaskUpdated }
func (e TaskUpdatedEvent) WorkerID() string  { return e.Worker }
