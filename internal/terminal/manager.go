// Package terminal runs the worker pool: one persistent shell per slot, each
// able to run one agent command at a time, with its output classified into
// work phases.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/status"
)

// OutputBufferSize is the size of each worker's rolling output window.
const OutputBufferSize = 4096

const readChunk = 4096

var (
	// ErrUnknownWorker is returned for worker ids the manager does not hold.
	ErrUnknownWorker = errors.New("worker not found")
	// ErrNoProcess is returned when writing to a stub worker.
	ErrNoProcess = errors.New("worker has no shell process")
)

// Publisher receives terminal and worker events.
type Publisher interface {
	Publish(topic string, event events.Event)
}

// Option configures a Manager.
type Option func(*Manager)

// WithSpawner replaces the default PTY spawner.
func WithSpawner(s Spawner) Option {
	return func(m *Manager) { m.spawner = s }
}

// WithShell sets the shell binary started in every slot.
func WithShell(shell string) Option {
	return func(m *Manager) { m.shell = shell }
}

// WithSize sets the initial terminal size.
func WithSize(cols, rows int) Option {
	return func(m *Manager) { m.cols, m.rows = cols, rows }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHoldOnComplete keeps a worker out of dispatch after it completes a
// task until Release is called for it.
func WithHoldOnComplete() Option {
	return func(m *Manager) { m.hold = true }
}

// Manager owns the worker slots.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*worker

	spawner Spawner
	bus     Publisher
	shell   string
	cols    int
	rows    int
	now     func() time.Time
	hold    bool

	readers sync.WaitGroup
}

// NewManager creates an empty pool. Call Init to start the shells.
func NewManager(bus Publisher, opts ...Option) *Manager {
	m := &Manager{
		workers: make(map[string]*worker),
		bus:     bus,
		shell:   "bash",
		cols:    120,
		rows:    40,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.spawner == nil {
		m.spawner = NewPTYSpawner()
	}
	return m
}

// Init creates workers worker-1..worker-n, each with its workspace directory
// under basePath and a shell started in it. A slot whose shell cannot be
// started becomes a stub worker.
func (m *Manager) Init(n int, basePath string) error {
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("worker-%d", i)
		workspace := filepath.Join(basePath, id)

		if err := os.MkdirAll(workspace, 0755); err != nil {
			return fmt.Errorf("failed to create workspace for %s: %w", id, err)
		}

		m.mu.Lock()
		w := &worker{id: id, index: i, workspace: workspace}
		w.reset()
		m.workers[id] = w
		m.startLocked(w)
		m.mu.Unlock()
	}
	return nil
}

// startLocked spawns a shell into w. Caller holds m.mu.
func (m *Manager) startLocked(w *worker) {
	w.gen++
	sh, err := m.spawner.Spawn(SpawnOptions{Shell: m.shell, Dir: w.workspace, Cols: m.cols, Rows: m.rows})
	if err != nil {
		log.Printf("WARNING: [%s] failed to spawn shell (%v), creating stub worker", w.id, err)
		w.proc = stubProcess{reason: err.Error()}
		return
	}

	w.proc = &liveProcess{shell: sh}
	m.readers.Add(1)
	go m.readLoop(w.id, w.gen, sh)
}

func (m *Manager) readLoop(id string, gen int, sh Shell) {
	defer m.readers.Done()

	buf := make([]byte, readChunk)
	for {
		n, err := sh.Read(buf)
		if n > 0 {
			m.handleOutput(id, gen, string(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Printf("WARNING: [%s] terminal read ended: %v", id, err)
			}
			break
		}
	}

	code, err := sh.Wait()
	if err != nil {
		log.Printf("WARNING: [%s] waiting for shell: %v", id, err)
	}

	// A shell replaced by Kill or dropped by Dispose exits quietly.
	m.mu.Lock()
	w, ok := m.workers[id]
	current := ok && w.gen == gen
	if current {
		w.proc = stubProcess{reason: fmt.Sprintf("shell exited with code %d", code)}
	}
	m.mu.Unlock()

	if current {
		m.publish(events.TopicWorker, events.WorkerExitEvent{Worker: id, ExitCode: code, Timestamp: m.now()})
	}
}

// handleOutput appends data to the rolling buffer, forwards it and
// reclassifies the worker.
func (m *Manager) handleOutput(id string, gen int, data string) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok || w.gen != gen {
		m.mu.Unlock()
		return
	}

	now := m.now()
	pending := []topicEvent{{events.TopicTerminal, events.TerminalDataEvent{Worker: id, Data: data, Timestamp: now}}}

	w.output += data
	if len(w.output) > OutputBufferSize {
		w.output = w.output[len(w.output)-OutputBufferSize:]
	}

	clean := status.StripANSI(w.output)
	phase := status.DetectPhase(clean)
	if phase != w.phase {
		w.phase = phase
		pending = append(pending, topicEvent{events.TopicWorker, events.WorkerPhaseEvent{
			Worker: id, Phase: string(phase), Status: string(w.status), Timestamp: now,
		}})
	}

	if phase == status.PhaseIdle && w.status == WorkerRunning {
		if c := status.DetectCompletion(clean); c.Completed {
			var model string
			if w.task != nil {
				model = w.task.Model
			}
			ev := events.WorkerCompletedEvent{
				Worker:    id,
				Task:      taskRef(w.task),
				PRURL:     c.PRURL,
				Timestamp: now,
			}
			if cost := status.ParseCost(clean, model); cost != nil {
				ev.Cost = &events.CostInfo{TokensIn: cost.TokensIn, TokensOut: cost.TokensOut, Cost: cost.Cost}
			}
			pending = append(pending, topicEvent{events.TopicWorker, ev})
			w.reset()
			w.held = m.hold
		}
	}

	if phase == status.PhaseError && w.status == WorkerRunning {
		w.status = WorkerError
		pending = append(pending, topicEvent{events.TopicWorker, events.WorkerErrorEvent{
			Worker: id, Task: taskRef(w.task), Output: clean, Timestamp: now,
		}})
	}
	m.mu.Unlock()

	for _, p := range pending {
		m.publish(p.topic, p.event)
	}
}

type topicEvent struct {
	topic string
	event events.Event
}

func taskRef(t *scheduler.Task) *events.TaskRef {
	if t == nil {
		return nil
	}
	return &events.TaskRef{ID: t.ID, Model: t.Model}
}

func (m *Manager) publish(topic string, ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(topic, ev)
	}
}

func (m *Manager) get(id string) (*worker, error) {
	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return w, nil
}

// Exec runs command in the worker's shell.
func (m *Manager) Exec(id, command string) error {
	return m.Write(id, command+"\r")
}

// Write sends raw input to the worker's shell.
func (m *Manager) Write(id, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.get(id)
	if err != nil {
		return err
	}
	switch p := w.proc.(type) {
	case *liveProcess:
		if _, err := io.WriteString(p.shell, data); err != nil {
			return fmt.Errorf("writing to %s: %w", id, err)
		}
		return nil
	case stubProcess:
		return fmt.Errorf("%w: %s (%s)", ErrNoProcess, id, p.reason)
	}
	return fmt.Errorf("%w: %s", ErrNoProcess, id)
}

// Resize changes the worker's terminal size. Stub workers ignore it.
func (m *Manager) Resize(id string, cols, rows int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.get(id)
	if err != nil {
		return err
	}
	switch p := w.proc.(type) {
	case *liveProcess:
		if err := p.shell.Resize(cols, rows); err != nil {
			return fmt.Errorf("resizing %s: %w", id, err)
		}
	case stubProcess:
	}
	return nil
}

// SetWorkerTask marks the worker as running task, clearing its output. A
// stub worker has nothing to run the task in and stays idle.
func (m *Manager) SetWorkerTask(id string, task *scheduler.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.get(id)
	if err != nil {
		return err
	}
	if p, ok := w.proc.(stubProcess); ok {
		return fmt.Errorf("%w: %s (%s)", ErrNoProcess, id, p.reason)
	}
	started := m.now()
	w.status = WorkerRunning
	w.phase = status.PhaseRunning
	w.task = task
	w.startedAt = &started
	w.output = ""
	return nil
}

// Kill terminates the worker's shell and everything it started, resets the
// slot to idle and starts a fresh shell in it.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	w, err := m.get(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	switch p := w.proc.(type) {
	case *liveProcess:
		if err := p.shell.Kill(); err != nil {
			log.Printf("WARNING: [%s] kill: %v", id, err)
		}
	case stubProcess:
	}
	w.reset()
	w.held = false
	m.startLocked(w)
	ev := events.WorkerPhaseEvent{Worker: id, Phase: string(w.phase), Status: string(w.status), Timestamp: m.now()}
	m.mu.Unlock()

	m.publish(events.TopicWorker, ev)
	return nil
}

// Release returns a held worker to dispatch. Releasing a worker that is not
// held is a no-op.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.get(id)
	if err != nil {
		return err
	}
	w.held = false
	return nil
}

// Dispose kills every shell and forgets all workers.
func (m *Manager) Dispose() {
	m.mu.Lock()
	for id, w := range m.workers {
		w.gen++
		if p, ok := w.proc.(*liveProcess); ok {
			if err := p.shell.Kill(); err != nil {
				log.Printf("WARNING: [%s] kill during dispose: %v", id, err)
			}
		}
	}
	m.workers = make(map[string]*worker)
	m.mu.Unlock()

	m.readers.Wait()
}

// Workers returns snapshots of every worker ordered by slot number.
func (m *Manager) Workers() []Worker {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		list = append(list, w)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].index < list[j].index })

	out := make([]Worker, 0, len(list))
	for _, w := range list {
		out = append(out, w.snapshot())
	}
	return out
}

// IdleWorkers returns snapshots of the idle workers, stubs included.
func (m *Manager) IdleWorkers() []Worker {
	var idle []Worker
	for _, w := range m.Workers() {
		if w.Status == WorkerIdle {
			idle = append(idle, w)
		}
	}
	return idle
}

// IdleWorkerIDs returns the idle workers that can run a command, in slot
// order. Stub and held workers are left out so nothing is dispatched to them.
func (m *Manager) IdleWorkerIDs() []string {
	var ids []string
	for _, w := range m.IdleWorkers() {
		if w.Live && !w.Held {
			ids = append(ids, w.ID)
		}
	}
	return ids
}

// Worker returns a snapshot of one worker.
func (m *Manager) Worker(id string) (Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return Worker{}, false
	}
	return w.snapshot(), true
}

// WorkerWorkspace returns the workspace path of a worker.
func (m *Manager) WorkerWorkspace(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		return "", false
	}
	return w.workspace, true
}
