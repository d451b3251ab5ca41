package terminal

import (
	"time"

	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/status"
)

// WorkerStatus is the coarse state of a worker slot.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerRunning WorkerStatus = "running"
	WorkerError   WorkerStatus = "error"
)

// Worker is a point-in-time copy of one worker slot.
type Worker struct {
	ID          string          `json:"id"`
	Workspace   string          `json:"workspace"`
	Status      WorkerStatus    `json:"status"`
	Phase       status.Phase    `json:"phase"`
	CurrentTask *scheduler.Task `json:"currentTask"`
	Output      string          `json:"-"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	Live        bool            `json:"live"`
	Held        bool            `json:"held,omitempty"`
	Pid         int             `json:"pid,omitempty"`
}

type worker struct {
	id        string
	index     int
	workspace string
	proc      process
	status    WorkerStatus
	phase     status.Phase
	task      *scheduler.Task
	output    string
	startedAt *time.Time
	held      bool

	// gen changes whenever the process is replaced so output from a killed
	// shell's reader is ignored.
	gen int
}

func (w *worker) snapshot() Worker {
	s := Worker{
		ID:        w.id,
		Workspace: w.workspace,
		Status:    w.status,
		Phase:     w.phase,
		Output:    w.output,
		Held:      w.held,
	}
	if w.task != nil {
		s.CurrentTask = w.task.Clone()
	}
	if w.startedAt != nil {
		ts := *w.startedAt
		s.StartedAt = &ts
	}
	if p, ok := w.proc.(*liveProcess); ok {
		s.Live = true
		s.Pid = p.shell.Pid()
	}
	return s
}

func (w *worker) reset() {
	w.status = WorkerIdle
	w.phase = status.PhaseIdle
	w.task = nil
	w.startedAt = nil
	w.output = ""
}
