package graph

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateTask is returned by AddTask when the id is already present.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrUnknownTask is returned by AddDependency when either endpoint is missing.
	ErrUnknownTask = errors.New("task not found")
	// ErrCycleDetected is returned by TopologicalSort when the graph is cyclic.
	ErrCycleDetected = errors.New("graph contains a cycle")
)

// Graph is a dependency graph over task ids with estimated durations.
// An edge taskID -> depID means depID must finish before taskID starts.
type Graph struct {
	mu        sync.RWMutex
	order     []string            // Insertion order of task ids
	durations map[string]float64  // Task id -> estimated minutes
	deps      map[string][]string // Task id -> prerequisite ids, insertion ordered
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		durations: make(map[string]float64),
		deps:      make(map[string][]string),
	}
}

// AddTask adds a node. Returns ErrDuplicateTask if the id already exists.
func (g *Graph) AddTask(id string, minutes float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.durations[id]; exists {
		return fmt.Errorf("task %q: %w", id, ErrDuplicateTask)
	}

	g.order = append(g.order, id)
	g.durations[id] = minutes
	g.deps[id] = nil
	return nil
}

// AddDependency records that taskID depends on depID.
// Both tasks must already exist; nodes are never created implicitly.
func (g *Graph) AddDependency(taskID, depID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.durations[taskID]; !exists {
		return fmt.Errorf("task %q: %w", taskID, ErrUnknownTask)
	}
	if _, exists := g.durations[depID]; !exists {
		return fmt.Errorf("task %q: %w", depID, ErrUnknownTask)
	}

	for _, existing := range g.deps[taskID] {
		if existing == depID {
			return nil
		}
	}
	g.deps[taskID] = append(g.deps[taskID], depID)
	return nil
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// IDs returns all task ids in insertion order.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Duration returns the estimated minutes for a task.
func (g *Graph) Duration(id string) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.durations[id]
	return d, ok
}

// Dependencies returns the prerequisite ids of a task.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.deps[id]...)
}

const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // fully explored
)

// DetectCycles walks every node with three-colour DFS and reports whether
// any back edge (including a self-loop) exists.
func (g *Graph) DetectCycles() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycle()
}

func (g *Graph) hasCycle() bool {
	colors := make(map[string]int, len(g.order))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, dep := range g.deps[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for _, id := range g.order {
		if colors[id] == white && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns every task id with dependencies before dependents.
// The order is a post-order DFS over insertion order, so it is deterministic.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycle() {
		return nil, ErrCycleDetected
	}

	result := make([]string, 0, len(g.order))
	visited := make(map[string]bool, len(g.order))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.deps[id] {
			visit(dep)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Ready returns every task not in completed whose dependencies are all in completed.
func (g *Graph) Ready(completed map[string]bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		if completed[id] {
			continue
		}
		if covered(g.deps[id], completed) {
			ready = append(ready, id)
		}
	}
	return ready
}

// ParallelGroups groups tasks into waves. Wave 0 holds the tasks with no
// dependencies; wave k holds the remaining tasks whose dependencies all sit
// in waves 0..k-1. Tasks on a cycle never appear.
func (g *Graph) ParallelGroups() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.order) == 0 {
		return nil
	}

	var groups [][]string
	processed := make(map[string]bool, len(g.order))

	for {
		var wave []string
		for _, id := range g.order {
			if processed[id] {
				continue
			}
			if covered(g.deps[id], processed) {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return groups
		}
		for _, id := range wave {
			processed[id] = true
		}
		groups = append(groups, wave)
	}
}

func covered(deps []string, done map[string]bool) bool {
	for _, dep := range deps {
		if !done[dep] {
			return false
		}
	}
	return true
}
