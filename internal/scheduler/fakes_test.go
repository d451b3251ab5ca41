package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/config"
)

type memStore struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	settings config.Settings
}

func newMemStore() *memStore {
	return &memStore{tasks: map[string]*Task{}, settings: config.DefaultSettings()}
}

func (m *memStore) CreateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("duplicate task %s", t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

func (m *memStore) UpdateTask(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

var priorityRank = map[Priority]int{PriorityHigh: 0, PriorityMedium: 1, PriorityLow: 2}

func (m *memStore) NextQueuedTask(_ context.Context) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*Task
	for _, t := range m.tasks {
		if t.Status != StatusQueued {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if d, exists := m.tasks[dep]; exists && d.Status != StatusDone {
				ok = false
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if priorityRank[ready[i].Priority] != priorityRank[ready[j].Priority] {
			return priorityRank[ready[i].Priority] < priorityRank[ready[j].Priority]
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready[0].Clone(), nil
}

func (m *memStore) Settings(context.Context) (config.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *memStore) status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id].Status
}

type fakePool struct {
	mu      sync.Mutex
	order   []string
	idle    map[string]bool
	tasks   map[string]*Task
	execs   map[string][]string
	killed  []string
	stubs   map[string]bool
	execErr error
	blockOn chan struct{}
	inExec  chan struct{}
}

func newFakePool(ids ...string) *fakePool {
	p := &fakePool{idle: map[string]bool{}, tasks: map[string]*Task{}, execs: map[string][]string{}}
	for _, id := range ids {
		p.order = append(p.order, id)
		p.idle[id] = true
	}
	return p
}

func (p *fakePool) IdleWorkerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, id := range p.order {
		if p.idle[id] {
			out = append(out, id)
		}
	}
	return out
}

func (p *fakePool) WorkerWorkspace(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.idle[id]; !ok {
		return "", false
	}
	return "/ws/" + id, true
}

// errNoShell is what the fake pool returns for workers listed in stubs.
var errNoShell = errors.New("worker has no shell process")

func (p *fakePool) SetWorkerTask(id string, t *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stubs[id] {
		return errNoShell
	}
	p.tasks[id] = t
	p.idle[id] = false
	return nil
}

func (p *fakePool) Exec(id, cmd string) error {
	if p.blockOn != nil {
		p.inExec <- struct{}{}
		<-p.blockOn
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.execErr != nil {
		return p.execErr
	}
	p.execs[id] = append(p.execs[id], cmd)
	return nil
}

func (p *fakePool) Kill(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = append(p.killed, id)
	p.idle[id] = true
	delete(p.tasks, id)
	return nil
}

type fakeGit struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (g *fakeGit) Prepare(_ context.Context, workspace, repo, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, workspace+"|"+repo+"|"+branch)
	return g.err
}

type fakeBudget struct {
	mu      sync.Mutex
	over    bool
	entries []budget.Entry
	err     error
}

func (b *fakeBudget) IsOverBudget(context.Context) (budget.Check, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return budget.Check{}, b.err
	}
	if b.over {
		return budget.Check{Over: true, Reasons: []string{"Daily budget exceeded: $60.00 / $50"}}, nil
	}
	return budget.Check{}, nil
}

func (b *fakeBudget) Record(_ context.Context, e budget.Entry) (budget.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	return e, nil
}

var errBoom = errors.New("boom")

// clock hands out strictly increasing times so FIFO order is deterministic.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// counterIDs returns task-1, task-2, ...
func counterIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("task-%d", n)
	}
}
