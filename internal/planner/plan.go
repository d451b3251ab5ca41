// Package planner validates decomposed plans and simulates how they would
// spread across a worker pool.
package planner

import (
	"time"

	"github.com/aristath/swarm/internal/graph"
)

// Priority of a sub-task. Mirrors the scheduler's task priorities.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// SubTask is one unit of a decomposed goal.
type SubTask struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	EstimatedMinutes float64  `json:"estimatedMinutes"`
	DependsOn        []string `json:"dependsOn"`
	Model            string   `json:"model,omitempty"`
	EstimatedCost    float64  `json:"estimatedCost"`
	Priority         Priority `json:"priority"`
}

// Plan is a validated decomposition ready for approval.
type Plan struct {
	ID                    string    `json:"id"`
	Goal                  string    `json:"goal"`
	RepoPath              string    `json:"repoPath"`
	Tasks                 []SubTask `json:"tasks"`
	TotalEstimatedCost    float64   `json:"totalEstimatedCost"`
	TotalEstimatedMinutes float64   `json:"totalEstimatedMinutes"`
	CreatedAt             time.Time `json:"createdAt"`
}

// Task returns the sub-task with the given id.
func (p *Plan) Task(id string) (SubTask, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return SubTask{}, false
}

// BuildGraph loads tasks into a dependency graph. Duplicate ids and
// references to unknown tasks are skipped; ValidatePlan reports them.
func BuildGraph(tasks []SubTask) *graph.Graph {
	g := graph.New()
	for _, t := range tasks {
		_ = g.AddTask(t.ID, t.EstimatedMinutes)
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			_ = g.AddDependency(t.ID, dep)
		}
	}
	return g
}
