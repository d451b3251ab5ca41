package terminal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/status"
)

var _ scheduler.WorkerPool = (*Manager)(nil)

var fixedNow = time.Date(2026, 3, 11, 12, 0, 0, 0, time.Local)

func setup(t *testing.T, n int, spawner *fakeSpawner) (*Manager, <-chan events.Event) {
	t.Helper()
	bus := events.NewEventBus()
	ch := bus.SubscribeAll(256)

	m := NewManager(bus, WithSpawner(spawner), WithClock(func() time.Time { return fixedNow }))
	if err := m.Init(n, t.TempDir()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		m.Dispose()
		bus.Close()
	})
	return m, ch
}

func TestInit(t *testing.T) {
	spawner := &fakeSpawner{}
	bus := events.NewEventBus()
	defer bus.Close()
	base := t.TempDir()

	m := NewManager(bus, WithSpawner(spawner))
	defer m.Dispose()
	if err := m.Init(3, base); err != nil {
		t.Fatalf("Init: %v", err)
	}

	workers := m.Workers()
	if len(workers) != 3 {
		t.Fatalf("got %d workers, want 3", len(workers))
	}
	for i, w := range workers {
		wantID := fmt.Sprintf("worker-%d", i+1)
		if w.ID != wantID {
			t.Errorf("worker %d id = %s, want %s", i, w.ID, wantID)
		}
		if w.Workspace != filepath.Join(base, wantID) {
			t.Errorf("workspace = %s", w.Workspace)
		}
		if info, err := os.Stat(w.Workspace); err != nil || !info.IsDir() {
			t.Errorf("workspace %s not created: %v", w.Workspace, err)
		}
		if w.Status != WorkerIdle || w.Phase != status.PhaseIdle || w.CurrentTask != nil || !w.Live {
			t.Errorf("worker %s = %+v, want idle live worker", w.ID, w)
		}
	}

	opts := spawner.calls[0]
	if opts.Shell != "bash" || opts.Cols != 120 || opts.Rows != 40 || opts.Dir != filepath.Join(base, "worker-1") {
		t.Errorf("spawn options = %+v", opts)
	}
}

func TestInitOptions(t *testing.T) {
	spawner := &fakeSpawner{}
	m := NewManager(nil, WithSpawner(spawner), WithShell("zsh"), WithSize(80, 24))
	defer m.Dispose()
	if err := m.Init(1, t.TempDir()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if opts := spawner.calls[0]; opts.Shell != "zsh" || opts.Cols != 80 || opts.Rows != 24 {
		t.Errorf("spawn options = %+v", opts)
	}
}

func TestSpawnFailureCreatesStub(t *testing.T) {
	spawner := &fakeSpawner{fail: map[int]bool{2: true}}
	m, _ := setup(t, 2, spawner)

	stub, ok := m.Worker("worker-2")
	if !ok {
		t.Fatal("worker-2 missing")
	}
	if stub.Live || stub.Status != WorkerIdle {
		t.Errorf("stub = %+v, want idle non-live worker", stub)
	}

	if got := len(m.IdleWorkers()); got != 2 {
		t.Errorf("IdleWorkers = %d, want 2 (stubs count as idle)", got)
	}
	if ids := m.IdleWorkerIDs(); len(ids) != 1 || ids[0] != "worker-1" {
		t.Errorf("IdleWorkerIDs = %v, want [worker-1]", ids)
	}

	if err := m.Exec("worker-2", "ls"); !errors.Is(err, ErrNoProcess) {
		t.Errorf("Exec on stub err = %v, want ErrNoProcess", err)
	}
	if err := m.Write("worker-2", "x"); !errors.Is(err, ErrNoProcess) {
		t.Errorf("Write on stub err = %v, want ErrNoProcess", err)
	}
	if err := m.Resize("worker-2", 100, 30); err != nil {
		t.Errorf("Resize on stub err = %v, want nil", err)
	}
}

func TestUnknownWorker(t *testing.T) {
	m, _ := setup(t, 1, &fakeSpawner{})

	calls := map[string]func() error{
		"exec":   func() error { return m.Exec("worker-9", "ls") },
		"write":  func() error { return m.Write("worker-9", "x") },
		"resize": func() error { return m.Resize("worker-9", 1, 1) },
		"task":   func() error { return m.SetWorkerTask("worker-9", &scheduler.Task{ID: "t"}) },
		"kill":   func() error { return m.Kill("worker-9") },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			if err := call(); !errors.Is(err, ErrUnknownWorker) {
				t.Errorf("err = %v, want ErrUnknownWorker", err)
			}
		})
	}

	if _, ok := m.Worker("worker-9"); ok {
		t.Error("Worker reported an unknown id")
	}
	if _, ok := m.WorkerWorkspace("worker-9"); ok {
		t.Error("WorkerWorkspace reported an unknown id")
	}
}

func TestExecWriteResize(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _ := setup(t, 1, spawner)
	sh := spawner.shell(0)

	if err := m.Exec("worker-1", "echo hi"); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := m.Write("worker-1", "\x03"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := sh.written(); got != "echo hi\r\x03" {
		t.Errorf("shell input = %q", got)
	}

	if err := m.Resize("worker-1", 200, 50); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if cols, rows := sh.size(); cols != 200 || rows != 50 {
		t.Errorf("size = %dx%d, want 200x50", cols, rows)
	}
}

func TestSetWorkerTask(t *testing.T) {
	m, _ := setup(t, 2, &fakeSpawner{})

	task := &scheduler.Task{ID: "task-1", Model: "claude-opus-4-6"}
	if err := m.SetWorkerTask("worker-2", task); err != nil {
		t.Fatalf("SetWorkerTask: %v", err)
	}

	w, _ := m.Worker("worker-2")
	if w.Status != WorkerRunning || w.Phase != status.PhaseRunning {
		t.Errorf("status/phase = %s/%s, want running/running", w.Status, w.Phase)
	}
	if w.CurrentTask == nil || w.CurrentTask.ID != "task-1" {
		t.Errorf("CurrentTask = %+v", w.CurrentTask)
	}
	if w.StartedAt == nil || !w.StartedAt.Equal(fixedNow) {
		t.Errorf("StartedAt = %v, want %v", w.StartedAt, fixedNow)
	}

	if ids := m.IdleWorkerIDs(); len(ids) != 1 || ids[0] != "worker-1" {
		t.Errorf("IdleWorkerIDs = %v, want [worker-1]", ids)
	}
}

func TestOutputPublishesDataAndPhase(t *testing.T) {
	spawner := &fakeSpawner{}
	m, ch := setup(t, 1, spawner)

	spawner.shell(0).emit(t, "\x1b[33mRunning tests with vitest\x1b[0m")

	data := waitFor(t, ch, ofType(events.EventTypeTerminalData)).(events.TerminalDataEvent)
	if data.Worker != "worker-1" || !strings.Contains(data.Data, "vitest") {
		t.Errorf("terminal.data = %+v", data)
	}
	phase := waitFor(t, ch, ofType(events.EventTypeWorkerPhase)).(events.WorkerPhaseEvent)
	if phase.Phase != string(status.PhaseTesting) || phase.Status != string(WorkerIdle) {
		t.Errorf("worker.phase = %+v", phase)
	}

	w, _ := m.Worker("worker-1")
	if w.Phase != status.PhaseTesting {
		t.Errorf("Phase = %s, want testing", w.Phase)
	}
}

func TestCompletionOnPromptAfterRun(t *testing.T) {
	spawner := &fakeSpawner{}
	m, ch := setup(t, 1, spawner)

	if err := m.SetWorkerTask("worker-1", &scheduler.Task{ID: "task-7", Model: "claude-opus-4-6"}); err != nil {
		t.Fatalf("SetWorkerTask: %v", err)
	}

	sh := spawner.shell(0)
	sh.emit(t, "Editing main.go\n")
	sh.emit(t, "Input tokens: 1000000, Output tokens: 0\nPR created: https://github.com/acme/app/pull/3\nuser@host:~$ ")

	ev := waitFor(t, ch, ofType(events.EventTypeWorkerCompleted)).(events.WorkerCompletedEvent)
	if ev.Task == nil || ev.Task.ID != "task-7" || ev.Task.Model != "claude-opus-4-6" {
		t.Errorf("Task = %+v", ev.Task)
	}
	if ev.PRURL != "https://github.com/acme/app/pull/3" {
		t.Errorf("PRURL = %q", ev.PRURL)
	}
	if ev.Cost == nil || ev.Cost.TokensIn != 1000000 || ev.Cost.Cost != 15 {
		t.Errorf("Cost = %+v, want opus pricing of 1M input tokens", ev.Cost)
	}

	w, _ := m.Worker("worker-1")
	if w.Status != WorkerIdle || w.CurrentTask != nil || w.StartedAt != nil || w.Output != "" {
		t.Errorf("worker after completion = %+v", w)
	}
}

func TestHoldOnComplete(t *testing.T) {
	spawner := &fakeSpawner{}
	bus := events.NewEventBus()
	ch := bus.SubscribeAll(64)
	m := NewManager(bus, WithSpawner(spawner), WithHoldOnComplete())
	if err := m.Init(2, t.TempDir()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		m.Dispose()
		bus.Close()
	})

	if err := m.SetWorkerTask("worker-1", &scheduler.Task{ID: "task-1"}); err != nil {
		t.Fatal(err)
	}
	spawner.shell(0).emit(t, "Writing a.go\n")
	spawner.shell(0).emit(t, "Done\nuser@host:~$ ")
	waitFor(t, ch, ofType(events.EventTypeWorkerCompleted))

	w, _ := m.Worker("worker-1")
	if w.Status != WorkerIdle || !w.Held {
		t.Errorf("worker after completion = %+v, want idle and held", w)
	}
	if ids := m.IdleWorkerIDs(); len(ids) != 1 || ids[0] != "worker-2" {
		t.Errorf("IdleWorkerIDs = %v, want [worker-2]", ids)
	}

	if err := m.Release("worker-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ids := m.IdleWorkerIDs(); len(ids) != 2 {
		t.Errorf("IdleWorkerIDs after release = %v", ids)
	}
	if err := m.Release("worker-1"); err != nil {
		t.Errorf("second Release: %v", err)
	}
	if err := m.Release("worker-9"); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Release unknown: err = %v", err)
	}
}

// TestCompletionSurvivesOutputFlood floods output nobody reads before the
// task finishes. Terminal data may be dropped, the completion may not.
func TestCompletionSurvivesOutputFlood(t *testing.T) {
	spawner := &fakeSpawner{}
	bus := events.NewEventBus()
	output := bus.Subscribe(events.TopicTerminal, 16)
	lifecycle := bus.SubscribeReliable(events.TopicWorker, events.TopicTask)
	m := NewManager(bus, WithSpawner(spawner), WithHoldOnComplete())
	if err := m.Init(1, t.TempDir()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		m.Dispose()
		bus.Close()
	})

	if err := m.SetWorkerTask("worker-1", &scheduler.Task{ID: "task-1"}); err != nil {
		t.Fatal(err)
	}
	sh := spawner.shell(0)
	for i := 0; i < 300; i++ {
		sh.emit(t, fmt.Sprintf("Writing file_%d.go\n", i))
	}
	sh.emit(t, "Done.\nuser@host:~$ ")

	ev := waitFor(t, lifecycle, ofType(events.EventTypeWorkerCompleted)).(events.WorkerCompletedEvent)
	if ev.Task == nil || ev.Task.ID != "task-1" {
		t.Errorf("completed task = %+v", ev.Task)
	}
	if bus.Dropped() == 0 || len(output) != 16 {
		t.Errorf("terminal output was not flooded: dropped=%d buffered=%d", bus.Dropped(), len(output))
	}

	if err := m.Release("worker-1"); err != nil {
		t.Fatal(err)
	}
	if ids := m.IdleWorkerIDs(); len(ids) != 1 {
		t.Errorf("IdleWorkerIDs = %v, want worker-1 back in dispatch", ids)
	}
}

func TestPromptWhileIdleDoesNotComplete(t *testing.T) {
	spawner := &fakeSpawner{}
	_, ch := setup(t, 1, spawner)

	spawner.shell(0).emit(t, "Writing x\n")
	waitFor(t, ch, ofType(events.EventTypeWorkerPhase))
	spawner.shell(0).emit(t, "user@host:~$ ")
	waitFor(t, ch, func(ev events.Event) bool {
		p, ok := ev.(events.WorkerPhaseEvent)
		return ok && p.Phase == string(status.PhaseIdle)
	})

	select {
	case ev := <-ch:
		if ev.EventType() == events.EventTypeWorkerCompleted {
			t.Fatal("idle worker reported completion")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestErrorWhileRunning(t *testing.T) {
	spawner := &fakeSpawner{}
	m, ch := setup(t, 1, spawner)

	if err := m.SetWorkerTask("worker-1", &scheduler.Task{ID: "task-3"}); err != nil {
		t.Fatalf("SetWorkerTask: %v", err)
	}
	spawner.shell(0).emit(t, "TypeError: cannot read properties of undefined")

	ev := waitFor(t, ch, ofType(events.EventTypeWorkerError)).(events.WorkerErrorEvent)
	if ev.Task == nil || ev.Task.ID != "task-3" {
		t.Errorf("Task = %+v", ev.Task)
	}
	if !strings.Contains(ev.Output, "TypeError") {
		t.Errorf("Output = %q", ev.Output)
	}

	w, _ := m.Worker("worker-1")
	if w.Status != WorkerError || w.CurrentTask == nil {
		t.Errorf("worker = %+v, want error status with task kept", w)
	}
	if len(m.IdleWorkerIDs()) != 0 {
		t.Error("errored worker should not be idle")
	}
}

func TestRollingBuffer(t *testing.T) {
	spawner := &fakeSpawner{}
	m, ch := setup(t, 1, spawner)
	sh := spawner.shell(0)

	sh.emit(t, strings.Repeat("a", 3000))
	sh.emit(t, strings.Repeat("b", 2000))
	waitFor(t, ch, func(ev events.Event) bool {
		d, ok := ev.(events.TerminalDataEvent)
		return ok && strings.HasPrefix(d.Data, "b")
	})

	w, _ := m.Worker("worker-1")
	if len(w.Output) != OutputBufferSize {
		t.Fatalf("buffer length = %d, want %d", len(w.Output), OutputBufferSize)
	}
	if !strings.HasSuffix(w.Output, strings.Repeat("b", 2000)) || !strings.HasPrefix(w.Output, "a") {
		t.Error("buffer should keep the newest bytes")
	}
}

func TestKillRespawns(t *testing.T) {
	spawner := &fakeSpawner{}
	m, ch := setup(t, 1, spawner)

	if err := m.SetWorkerTask("worker-1", &scheduler.Task{ID: "t"}); err != nil {
		t.Fatalf("SetWorkerTask: %v", err)
	}
	old := spawner.shell(0)

	if err := m.Kill("worker-1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	phase := waitFor(t, ch, ofType(events.EventTypeWorkerPhase)).(events.WorkerPhaseEvent)
	if phase.Status != string(WorkerIdle) {
		t.Errorf("phase event = %+v, want idle", phase)
	}
	// The killed shell belongs to a previous generation and exits quietly.
	expectNone(t, ch, events.EventTypeWorkerExit)
	if !old.isKilled() {
		t.Error("old shell was not killed")
	}
	if spawner.spawnCount() != 2 {
		t.Fatalf("spawned %d shells, want 2", spawner.spawnCount())
	}

	w, _ := m.Worker("worker-1")
	if w.Status != WorkerIdle || w.CurrentTask != nil || !w.Live || w.Pid != spawner.shell(1).Pid() {
		t.Errorf("worker after kill = %+v", w)
	}

	if err := m.Exec("worker-1", "pwd"); err != nil {
		t.Fatalf("Exec after respawn: %v", err)
	}
	if got := spawner.shell(1).written(); got != "pwd\r" {
		t.Errorf("new shell input = %q", got)
	}
}

func TestDisposeIsQuiet(t *testing.T) {
	spawner := &fakeSpawner{}
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.SubscribeAll(16)

	m := NewManager(bus, WithSpawner(spawner))
	if err := m.Init(2, t.TempDir()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m.Dispose()

	expectNone(t, ch, events.EventTypeWorkerExit)
}

func TestSetWorkerTaskRejectsStub(t *testing.T) {
	spawner := &fakeSpawner{failAll: true}
	m, _ := setup(t, 1, spawner)

	err := m.SetWorkerTask("worker-1", &scheduler.Task{ID: "t"})
	if !errors.Is(err, ErrNoProcess) {
		t.Fatalf("err = %v, want ErrNoProcess", err)
	}
	w, _ := m.Worker("worker-1")
	if w.Status != WorkerIdle || w.CurrentTask != nil || w.StartedAt != nil {
		t.Errorf("stub after rejected task = %+v, want idle", w)
	}
}

func TestKillRespawnFailureLeavesStub(t *testing.T) {
	spawner := &fakeSpawner{fail: map[int]bool{2: true}}
	m, _ := setup(t, 1, spawner)

	if err := m.Kill("worker-1"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	w, _ := m.Worker("worker-1")
	if w.Live || w.Status != WorkerIdle {
		t.Errorf("worker = %+v, want idle stub", w)
	}
}

func TestShellExitTurnsWorkerIntoStub(t *testing.T) {
	spawner := &fakeSpawner{}
	m, ch := setup(t, 1, spawner)

	spawner.shell(0).exit(3)

	exit := waitFor(t, ch, ofType(events.EventTypeWorkerExit)).(events.WorkerExitEvent)
	if exit.Worker != "worker-1" || exit.ExitCode != 3 {
		t.Errorf("exit = %+v", exit)
	}
	if w, _ := m.Worker("worker-1"); w.Live {
		t.Error("worker still live after its shell exited")
	}
	if err := m.Exec("worker-1", "ls"); !errors.Is(err, ErrNoProcess) {
		t.Errorf("Exec err = %v, want ErrNoProcess", err)
	}
}

func TestDispose(t *testing.T) {
	spawner := &fakeSpawner{}
	m := NewManager(nil, WithSpawner(spawner))
	if err := m.Init(2, t.TempDir()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	m.Dispose()

	for i := 0; i < 2; i++ {
		if !spawner.shell(i).isKilled() {
			t.Errorf("shell %d not killed", i)
		}
	}
	if len(m.Workers()) != 0 {
		t.Error("workers remain after Dispose")
	}
}
