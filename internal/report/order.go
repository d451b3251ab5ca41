package report

import (
	"sort"

	"github.com/gammazero/toposort"

	"github.com/aristath/swarm/internal/scheduler"
)

// OrderTasks returns tasks dependency first. Tasks at the same depth keep
// their input order. Dependencies on ids outside tasks count as satisfied.
// When the dependencies form a cycle the input order is returned unchanged.
func OrderTasks(tasks []*scheduler.Task) []*scheduler.Task {
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		edges = append(edges, toposort.Edge{nil, t.ID})
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; ok && dep != t.ID {
				edges = append(edges, toposort.Edge{dep, t.ID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return append([]*scheduler.Task(nil), tasks...)
	}

	// Depths are filled in topological order so every dependency is known
	// before its dependents.
	depth := make(map[string]int, len(tasks))
	for _, node := range sorted {
		id, ok := node.(string)
		if !ok {
			continue
		}
		d := 0
		for _, dep := range tasks[index[id]].DependsOn {
			if dd, ok := depth[dep]; ok && dd+1 > d {
				d = dd + 1
			}
		}
		depth[id] = d
	}

	out := append([]*scheduler.Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		return depth[out[i].ID] < depth[out[j].ID]
	})
	return out
}
