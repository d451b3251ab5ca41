package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aristath/swarm/internal/decompose"
	"github.com/aristath/swarm/internal/planner"
)

// Decomposer scans a repository and breaks a goal into sub-tasks.
type Decomposer interface {
	Analyze(ctx context.Context, repoPath string) (*decompose.Analysis, error)
	DecomposeAnalysis(ctx context.Context, goal string, a *decompose.Analysis, model string) (*decompose.Result, error)
}

// Archive keeps a copy of every session state change.
type Archive interface {
	SaveSwarmSession(ctx context.Context, id, status string, state []byte) error
}

// Session is one goal moving from analysis to execution.
type Session struct {
	id         string
	decomposer Decomposer
	archive    Archive
	now        func() time.Time

	mu    sync.Mutex
	state State
}

func newSession(id string, d Decomposer, a Archive, now func() time.Time) *Session {
	return &Session{
		id:         id,
		decomposer: d,
		archive:    a,
		now:        now,
		state: State{
			ID:               id,
			Goal:             DefaultGoal(),
			Status:           StatusIdle,
			Warnings:         []string{},
			CompletedTaskIDs: []string{},
			FailedTaskIDs:    []string{},
			StartedAt:        now(),
		},
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// Plan returns the validated plan, or nil before analysis finished.
func (s *Session) Plan() *planner.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Plan
}

// State returns a snapshot safe to hand to other goroutines.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() State {
	st := s.state
	st.Warnings = slices.Clone(s.state.Warnings)
	st.CompletedTaskIDs = slices.Clone(s.state.CompletedTaskIDs)
	st.FailedTaskIDs = slices.Clone(s.state.FailedTaskIDs)
	if s.state.CompletedAt != nil {
		t := *s.state.CompletedAt
		st.CompletedAt = &t
	}
	return st
}

// HandleMessage dispatches an inbound request addressed to this session.
func (s *Session) HandleMessage(ctx context.Context, req Request, send SendFunc) error {
	switch req.Type {
	case TypeAnalyze:
		return s.Analyze(ctx, req, send)
	case TypeApprove:
		return s.Approve(ctx, send)
	case TypeStatus:
		s.SendStatus(send)
		return nil
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidState, req.Type)
	}
}

// Analyze plans req's goal: scan the repository, decompose the goal,
// validate the plan and simulate it. On success the session awaits approval
// and send receives the plan. An invalid goal leaves the session idle; any
// later failure marks it failed. Either way send receives one error.
func (s *Session) Analyze(ctx context.Context, req Request, send SendFunc) error {
	s.mu.Lock()
	if st := s.state.Status; st != StatusIdle {
		s.mu.Unlock()
		s.sendError(send, fmt.Sprintf("Session is in '%s' state, cannot analyze", st))
		return fmt.Errorf("%w: cannot analyze while %s", ErrInvalidState, st)
	}
	goal, err := req.ParseGoal()
	if err != nil {
		s.mu.Unlock()
		s.sendError(send, "Invalid goal: "+strings.TrimPrefix(err.Error(), ErrInvalidGoal.Error()+": "))
		return err
	}
	s.state.Goal = goal
	s.state.Status = StatusAnalyzing
	s.mu.Unlock()
	s.persist(ctx)

	analysis, err := s.decomposer.Analyze(ctx, goal.RepoPath)
	if err != nil {
		return s.fail(ctx, send, err)
	}

	s.mu.Lock()
	s.state.Analysis = analysis
	s.state.Status = StatusPlanning
	s.mu.Unlock()
	s.persist(ctx)

	res, err := s.decomposer.DecomposeAnalysis(ctx, goal.Goal, analysis, goal.Model)
	if err != nil {
		return s.fail(ctx, send, err)
	}
	if len(res.Tasks) == 0 {
		return s.fail(ctx, send, fmt.Errorf("%w: no tasks", decompose.ErrInvalidResponse))
	}

	plan := planner.Plan{
		ID:        "plan-" + s.id,
		Goal:      goal.Goal,
		RepoPath:  goal.RepoPath,
		Tasks:     res.Tasks,
		CreatedAt: s.now(),
	}
	for _, t := range plan.Tasks {
		plan.TotalEstimatedCost += t.EstimatedCost
	}

	v := planner.ValidatePlan(&plan)
	if !v.Valid {
		return s.fail(ctx, send, fmt.Errorf("Plan validation failed: %s", strings.Join(v.Errors, "; ")))
	}

	plan = planner.OptimizeAssignment(plan, goal.MaxWorkers)
	timeline := planner.EstimateTimeline(plan.Tasks, goal.MaxWorkers)

	warnings := append(slices.Clone(res.Warnings), v.Warnings...)
	if plan.TotalEstimatedCost > goal.BudgetLimit {
		warnings = append(warnings, fmt.Sprintf("Estimated cost $%s exceeds the session budget of $%s",
			strconv.FormatFloat(plan.TotalEstimatedCost, 'f', 2, 64),
			strconv.FormatFloat(goal.BudgetLimit, 'f', -1, 64)))
	}

	s.mu.Lock()
	s.state.Plan = &plan
	s.state.Timeline = &timeline
	if warnings == nil {
		warnings = []string{}
	}
	s.state.Warnings = warnings
	s.state.Status = StatusAwaitingApproval
	s.mu.Unlock()
	s.persist(ctx)

	send(AnalysisComplete{
		Type:      TypeAnalysisComplete,
		SessionID: s.id,
		Analysis:  analysis,
		Plan:      &plan,
		Timeline:  &timeline,
	})
	return nil
}

// Approve starts execution of a plan awaiting approval.
func (s *Session) Approve(ctx context.Context, send SendFunc) error {
	s.mu.Lock()
	if st := s.state.Status; st != StatusAwaitingApproval {
		s.mu.Unlock()
		s.sendError(send, fmt.Sprintf("Cannot approve: session is in '%s' state, expected '%s'", st, StatusAwaitingApproval))
		return fmt.Errorf("%w: cannot approve while %s", ErrInvalidState, st)
	}
	plan, timeline := s.state.Plan, s.state.Timeline
	if plan == nil || timeline == nil {
		s.mu.Unlock()
		s.sendError(send, "Cannot approve: no plan or timeline available")
		return fmt.Errorf("%w: no plan", ErrInvalidState)
	}
	s.state.Status = StatusExecuting
	s.mu.Unlock()
	s.persist(ctx)

	send(ExecutionStarted{
		Type:      TypeExecutionStarted,
		SessionID: s.id,
		Plan:      plan,
		Timeline:  timeline,
	})
	return nil
}

// SendStatus sends a snapshot of the session.
func (s *Session) SendStatus(send SendFunc) {
	send(StatusResponse{Type: TypeStatusResponse, SessionID: s.id, State: s.State()})
}

// MarkTaskCompleted records a finished sub-task. Repeats, and marks on a
// session that is not executing, are ignored.
func (s *Session) MarkTaskCompleted(ctx context.Context, subTaskID string) Status {
	return s.mark(ctx, subTaskID, false)
}

// MarkTaskFailed records a failed sub-task. Repeats, and marks on a session
// that is not executing, are ignored.
func (s *Session) MarkTaskFailed(ctx context.Context, subTaskID string) Status {
	return s.mark(ctx, subTaskID, true)
}

func (s *Session) mark(ctx context.Context, subTaskID string, failed bool) Status {
	s.mu.Lock()
	list := &s.state.CompletedTaskIDs
	if failed {
		list = &s.state.FailedTaskIDs
	}
	if s.state.Status != StatusExecuting || slices.Contains(*list, subTaskID) {
		st := s.state.Status
		s.mu.Unlock()
		return st
	}
	*list = append(*list, subTaskID)
	s.checkCompletionLocked()
	st := s.state.Status
	s.mu.Unlock()

	s.persist(ctx)
	return st
}

// checkCompletionLocked finishes an executing session once every planned
// sub-task is accounted for.
func (s *Session) checkCompletionLocked() {
	if s.state.Plan == nil || s.state.Status != StatusExecuting {
		return
	}
	for _, t := range s.state.Plan.Tasks {
		if !slices.Contains(s.state.CompletedTaskIDs, t.ID) && !slices.Contains(s.state.FailedTaskIDs, t.ID) {
			return
		}
	}

	if n := len(s.state.FailedTaskIDs); n > 0 {
		s.state.Status = StatusFailed
		s.state.Error = fmt.Sprintf("%d task(s) failed: %s", n, strings.Join(s.state.FailedTaskIDs, ", "))
	} else {
		s.state.Status = StatusCompleted
	}
	now := s.now()
	s.state.CompletedAt = &now
}

func (s *Session) fail(ctx context.Context, send SendFunc, err error) error {
	s.mu.Lock()
	s.state.Status = StatusFailed
	s.state.Error = err.Error()
	s.mu.Unlock()
	s.persist(ctx)

	s.sendError(send, err.Error())
	return err
}

func (s *Session) sendError(send SendFunc, msg string) {
	id := s.id
	send(ErrorMessage{Type: TypeError, SessionID: &id, Error: msg})
}

// persist writes the current state to the archive. Failures are logged;
// the in-memory session stays authoritative.
func (s *Session) persist(ctx context.Context) {
	if s.archive == nil {
		return
	}
	st := s.State()
	data, err := json.Marshal(st)
	if err != nil {
		log.Printf("WARNING: encode swarm session %s: %v", s.id, err)
		return
	}
	if err := s.archive.SaveSwarmSession(context.WithoutCancel(ctx), s.id, string(st.Status), data); err != nil {
		log.Printf("WARNING: save swarm session %s: %v", s.id, err)
	}
}
