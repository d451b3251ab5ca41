package scheduler

import (
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusAssigned Status = "assigned"
	StatusRunning  Status = "running"
	StatusPR       Status = "pr"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Finished reports whether s is a terminal state.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusFailed
}

// Priority orders queued tasks; high runs first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Task is a unit of agent work placed on one worker.
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Prompt         string     `json:"prompt"`
	Repo           string     `json:"repo"`
	Branch         string     `json:"branch"`
	Priority       Priority   `json:"priority"`
	Model          string     `json:"model"`
	Agent          string     `json:"agent"`
	BudgetLimit    float64    `json:"budgetLimit"`
	DependsOn      []string   `json:"dependsOn"`
	Status         Status     `json:"status"`
	AssignedWorker string     `json:"assignedWorker,omitempty"`
	PRURL          string     `json:"prUrl,omitempty"`
	Cost           float64    `json:"cost"`
	TokensIn       int64      `json:"tokensIn"`
	TokensOut      int64      `json:"tokensOut"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// NewTask is the input to Enqueue. Zero values are filled from settings.
type NewTask struct {
	Title       string   `json:"title"`
	Prompt      string   `json:"prompt"`
	Repo        string   `json:"repo"`
	Branch      string   `json:"branch"`
	Priority    Priority `json:"priority,omitempty"`
	Model       string   `json:"model,omitempty"`
	Agent       string   `json:"agent,omitempty"`
	BudgetLimit *float64 `json:"budgetLimit,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty"`
}

// Result is what a finished agent run reported. Zero fields mean "not reported".
type Result struct {
	Cost      float64
	TokensIn  int64
	TokensOut int64
	PRURL     string
}
