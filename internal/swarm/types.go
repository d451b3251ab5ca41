// Package swarm drives planning sessions: a goal is analysed, decomposed into
// sub-tasks, validated and simulated, then held for approval before execution.
package swarm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/swarm/internal/decompose"
	"github.com/aristath/swarm/internal/planner"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidGoal is returned when an analyze request fails validation.
	ErrInvalidGoal = errors.New("invalid goal")
	// ErrInvalidState is returned when a message arrives in the wrong state.
	ErrInvalidState = errors.New("invalid session state")
)

// Status is a session's position in its lifecycle.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusAnalyzing        Status = "analyzing"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Goal defaults.
const (
	DefaultModel       = "claude-opus-4-6"
	DefaultMaxWorkers  = 6
	DefaultBudgetLimit = 20.0
)

// Goal is what a session plans for.
type Goal struct {
	Goal        string  `json:"goal"`
	RepoPath    string  `json:"repoPath"`
	Model       string  `json:"model"`
	MaxWorkers  int     `json:"maxWorkers"`
	BudgetLimit float64 `json:"budgetLimit"`
}

// DefaultGoal is the goal reported by a session that has not analysed yet.
func DefaultGoal() Goal {
	return Goal{Model: DefaultModel, MaxWorkers: DefaultMaxWorkers, BudgetLimit: DefaultBudgetLimit}
}

// Message types.
const (
	TypeAnalyze          = "swarm.analyze"
	TypeApprove          = "swarm.approve"
	TypeStatus           = "swarm.status"
	TypeAnalysisComplete = "swarm.analysis_complete"
	TypeExecutionStarted = "swarm.execution_started"
	TypeStatusResponse   = "swarm.status_response"
	TypeError            = "swarm.error"
)

// Request is an inbound swarm message. Optional numeric fields are pointers
// so an explicit zero can be told apart from an omitted value.
type Request struct {
	Type        string   `json:"type"`
	SessionID   string   `json:"sessionId,omitempty"`
	Goal        string   `json:"goal,omitempty"`
	RepoPath    string   `json:"repoPath,omitempty"`
	Model       string   `json:"model,omitempty"`
	MaxWorkers  *int     `json:"maxWorkers,omitempty"`
	BudgetLimit *float64 `json:"budgetLimit,omitempty"`
}

// ParseGoal validates the analyze fields of r and fills defaults.
func (r Request) ParseGoal() (Goal, error) {
	g := DefaultGoal()
	var problems []string

	if r.Goal == "" {
		problems = append(problems, "goal must not be empty")
	}
	if r.RepoPath == "" {
		problems = append(problems, "repoPath must not be empty")
	}
	if r.Model != "" {
		g.Model = r.Model
	}
	if r.MaxWorkers != nil {
		if *r.MaxWorkers <= 0 {
			problems = append(problems, "maxWorkers must be a positive integer")
		}
		g.MaxWorkers = *r.MaxWorkers
	}
	if r.BudgetLimit != nil {
		if *r.BudgetLimit <= 0 {
			problems = append(problems, "budgetLimit must be positive")
		}
		g.BudgetLimit = *r.BudgetLimit
	}

	if len(problems) > 0 {
		return Goal{}, fmt.Errorf("%w: %s", ErrInvalidGoal, strings.Join(problems, "; "))
	}
	g.Goal = r.Goal
	g.RepoPath = r.RepoPath
	return g, nil
}

// State is a snapshot of a session.
type State struct {
	ID               string              `json:"id"`
	Goal             Goal                `json:"goal"`
	Status           Status              `json:"status"`
	Analysis         *decompose.Analysis `json:"analysis"`
	Plan             *planner.Plan       `json:"plan"`
	Timeline         *planner.Timeline   `json:"timeline"`
	Warnings         []string            `json:"warnings"`
	CompletedTaskIDs []string            `json:"completedTaskIds"`
	FailedTaskIDs    []string            `json:"failedTaskIds"`
	StartedAt        time.Time           `json:"startedAt"`
	CompletedAt      *time.Time          `json:"completedAt"`
	Error            string              `json:"error,omitempty"`
}

// AnalysisComplete is sent when a plan is ready for approval.
type AnalysisComplete struct {
	Type      string              `json:"type"`
	SessionID string              `json:"sessionId"`
	Analysis  *decompose.Analysis `json:"analysis"`
	Plan      *planner.Plan       `json:"plan"`
	Timeline  *planner.Timeline   `json:"timeline"`
}

// ExecutionStarted is sent when a plan is approved.
type ExecutionStarted struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	Plan      *planner.Plan     `json:"plan"`
	Timeline  *planner.Timeline `json:"timeline"`
}

// StatusResponse answers a status request.
type StatusResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	State     State  `json:"state"`
}

// ErrorMessage reports a failure. SessionID is nil when the request named
// no session.
type ErrorMessage struct {
	Type      string  `json:"type"`
	SessionID *string `json:"sessionId"`
	Error     string  `json:"error"`
}

// SendFunc delivers an outbound message to whoever asked.
type SendFunc func(msg any)
