package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/swarm/internal/decompose"
	"github.com/aristath/swarm/internal/planner"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/status"
	"github.com/aristath/swarm/internal/terminal"
)

// fakeTerminals serves as both the scheduler's worker pool and the hub's
// terminal view.
type fakeTerminals struct {
	mu       sync.Mutex
	workers  map[string]*terminal.Worker
	writes   []string
	resizes  []string
	execs    []string
	kills    []string
	released []string
}

func newFakeTerminals(ids ...string) *fakeTerminals {
	f := &fakeTerminals{workers: make(map[string]*terminal.Worker)}
	for _, id := range ids {
		f.workers[id] = &terminal.Worker{
			ID:        id,
			Workspace: "/ws/" + id,
			Status:    terminal.WorkerIdle,
			Phase:     status.PhaseIdle,
			Live:      true,
		}
	}
	return f
}

func (f *fakeTerminals) get(id string) (*terminal.Worker, error) {
	w, ok := f.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", terminal.ErrUnknownWorker, id)
	}
	return w, nil
}

func (f *fakeTerminals) IdleWorkerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, w := range f.workers {
		if w.Status == terminal.WorkerIdle {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeTerminals) WorkerWorkspace(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return "", false
	}
	return w.Workspace, true
}

func (f *fakeTerminals) SetWorkerTask(id string, t *scheduler.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.get(id)
	if err != nil {
		return err
	}
	w.Status = terminal.WorkerRunning
	w.Phase = status.PhaseRunning
	w.CurrentTask = t
	return nil
}

func (f *fakeTerminals) Exec(id, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, id+":"+cmd)
	return nil
}

func (f *fakeTerminals) Kill(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, err := f.get(id)
	if err != nil {
		return err
	}
	f.kills = append(f.kills, id)
	w.Status = terminal.WorkerIdle
	w.Phase = status.PhaseIdle
	w.CurrentTask = nil
	return nil
}

func (f *fakeTerminals) Workers() []terminal.Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]terminal.Worker, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeTerminals) Worker(id string) (terminal.Worker, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return terminal.Worker{}, false
	}
	return *w, true
}

func (f *fakeTerminals) Write(id, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return err
	}
	f.writes = append(f.writes, id+":"+data)
	return nil
}

func (f *fakeTerminals) Resize(id string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return err
	}
	f.resizes = append(f.resizes, fmt.Sprintf("%s:%dx%d", id, cols, rows))
	return nil
}

func (f *fakeTerminals) Release(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return err
	}
	f.released = append(f.released, id)
	return nil
}

func (f *fakeTerminals) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []string
	url   string
	err   error
}

func (f *fakeFinalizer) Finalize(_ context.Context, workspace, message, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workspace+"|"+message+"|"+branch)
	return f.url, f.err
}

// collector records every message sent to it.
type collector struct {
	mu   sync.Mutex
	msgs []any
}

func (c *collector) Broadcast(msg any) { c.send(msg) }

func (c *collector) send(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) all() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

// messagesOf returns the messages of type T in arrival order.
func messagesOf[T any](c *collector) []T {
	var out []T
	for _, m := range c.all() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type fakeDecomposer struct {
	result *decompose.Result
}

func (f *fakeDecomposer) Analyze(_ context.Context, repoPath string) (*decompose.Analysis, error) {
	return &decompose.Analysis{RepoPath: repoPath, Language: "Go"}, nil
}

func (f *fakeDecomposer) DecomposeAnalysis(context.Context, string, *decompose.Analysis, string) (*decompose.Result, error) {
	return f.result, nil
}

// chainResult is t1 <- t2, plus an independent t3.
func chainResult() *decompose.Result {
	return &decompose.Result{
		Tasks: []planner.SubTask{
			{ID: "t2", Title: "Wire handler", Description: "Call the\nnew store.", EstimatedMinutes: 20, DependsOn: []string{"t1"}, EstimatedCost: 1, Priority: planner.PriorityMedium},
			{ID: "t1", Title: "Add store", Description: "Create it.", EstimatedMinutes: 30, DependsOn: []string{}, EstimatedCost: 1, Priority: planner.PriorityHigh},
			{ID: "t3", Title: "Docs", EstimatedMinutes: 10, DependsOn: []string{}, EstimatedCost: 0.5, Priority: planner.PriorityLow},
		},
		Warnings: []string{},
	}
}
