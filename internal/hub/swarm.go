package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/aristath/swarm/internal/planner"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/swarm"
)

// ErrSwarmDisabled is returned for swarm messages when no planner is wired.
var ErrSwarmDisabled = errors.New("swarm planning is not enabled")

// swarmRef ties a scheduler task to the sub-task it was created for.
type swarmRef struct {
	session string
	subtask string
}

// handleSwarm routes a planning request. Analysis runs in the background
// because it waits on the model, and outlives the connection that asked for
// it: a client that reconnects finds the session by id. Only Close stops it.
// Failures reach the sender as swarm.error messages, so they are only logged
// here.
func (h *Hub) handleSwarm(ctx context.Context, req swarm.Request, reply func(any)) error {
	if h.swarm == nil {
		return ErrSwarmDisabled
	}
	ctx, cancel := h.detach(ctx)

	send := func(msg any) {
		reply(msg)
		if started, ok := msg.(swarm.ExecutionStarted); ok {
			h.startPlan(ctx, started.SessionID, started.Plan)
		}
	}

	if req.Type == swarm.TypeAnalyze {
		h.background.Add(1)
		go func() {
			defer h.background.Done()
			defer cancel()
			if _, err := h.swarm.HandleMessage(ctx, req, send); err != nil {
				log.Printf("WARNING: swarm analyze: %v", err)
			}
		}()
		return nil
	}

	defer cancel()
	if id, err := h.swarm.HandleMessage(ctx, req, send); err != nil {
		log.Printf("WARNING: swarm %s for session %q: %v", req.Type, id, err)
	}
	return nil
}

// startPlan enqueues an approved plan, dependencies first, so every sub-task
// can refer to the scheduler ids of its prerequisites. A sub-task that cannot
// be enqueued is reported failed along with everything that depends on it.
func (h *Hub) startPlan(ctx context.Context, sessionID string, plan *planner.Plan) {
	sess, err := h.swarm.Get(sessionID)
	if err != nil {
		log.Printf("ERROR: starting plan: %v", err)
		return
	}

	order, err := planner.BuildGraph(plan.Tasks).TopologicalSort()
	if err != nil {
		log.Printf("ERROR: ordering plan %s: %v", plan.ID, err)
		for _, st := range plan.Tasks {
			sess.MarkTaskFailed(ctx, st.ID)
		}
		return
	}

	ids := make(map[string]string, len(order))
	h.mu.Lock()
	h.swarmIDs[sessionID] = ids
	h.mu.Unlock()

	failed := make(map[string]bool)
	for _, id := range order {
		st, _ := plan.Task(id)

		deps := make([]string, 0, len(st.DependsOn))
		blocked := false
		for _, dep := range st.DependsOn {
			if failed[dep] {
				blocked = true
				break
			}
			deps = append(deps, ids[dep])
		}
		if blocked {
			failed[id] = true
			sess.MarkTaskFailed(ctx, id)
			continue
		}

		task, err := h.sched.Enqueue(ctx, scheduler.NewTask{
			Title:     st.Title,
			Prompt:    subTaskPrompt(st),
			Repo:      plan.RepoPath,
			Branch:    fmt.Sprintf("swarm/%s/%s", sessionID, st.ID),
			Priority:  scheduler.Priority(st.Priority),
			Model:     st.Model,
			DependsOn: deps,
		})
		if err != nil {
			log.Printf("WARNING: enqueue sub-task %s of %s: %v", st.ID, sessionID, err)
			failed[id] = true
			sess.MarkTaskFailed(ctx, id)
			continue
		}

		h.mu.Lock()
		ids[id] = task.ID
		h.swarmTasks[task.ID] = swarmRef{session: sessionID, subtask: id}
		h.mu.Unlock()
	}
}

// subTaskPrompt keeps the agent prompt on one line.
func subTaskPrompt(st planner.SubTask) string {
	desc := strings.Join(strings.Fields(st.Description), " ")
	if desc == "" {
		return st.Title
	}
	return st.Title + ": " + desc
}

// finishSwarmTask reports a finished scheduler task to its session. When it
// failed, the queued tasks that depend on it are failed too, since they could
// never become ready.
func (h *Hub) finishSwarmTask(ctx context.Context, task *scheduler.Task) {
	h.mu.Lock()
	ref, ok := h.swarmTasks[task.ID]
	delete(h.swarmTasks, task.ID)
	h.mu.Unlock()
	if !ok || h.swarm == nil {
		return
	}

	sess, err := h.swarm.Get(ref.session)
	if err != nil {
		log.Printf("WARNING: task %q finished for a session that is gone: %v", task.ID, err)
		return
	}

	var st swarm.Status
	if task.Status == scheduler.StatusDone {
		st = sess.MarkTaskCompleted(ctx, ref.subtask)
	} else {
		st = sess.MarkTaskFailed(ctx, ref.subtask)
		h.failDependents(ctx, sess, ref)
	}

	if st.Finished() {
		h.mu.Lock()
		delete(h.swarmIDs, ref.session)
		h.mu.Unlock()
	}
}

func (h *Hub) failDependents(ctx context.Context, sess *swarm.Session, ref swarmRef) {
	plan := sess.Plan()
	if plan == nil {
		return
	}

	h.mu.Lock()
	ids := h.swarmIDs[ref.session]
	var targets []string
	for _, st := range plan.Tasks {
		if slices.Contains(st.DependsOn, ref.subtask) {
			if id, ok := ids[st.ID]; ok {
				targets = append(targets, id)
			}
		}
	}
	h.mu.Unlock()

	msg := fmt.Sprintf("Dependency %s failed", ref.subtask)
	for _, id := range targets {
		if _, err := h.sched.Fail(ctx, id, msg); err != nil && !errors.Is(err, scheduler.ErrTaskFinished) {
			log.Printf("WARNING: failing dependent task %q: %v", id, err)
		}
	}
}
