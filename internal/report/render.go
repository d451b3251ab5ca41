// Package report renders swarmd state as plain terminal tables for the CLI.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/planner"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/swarm"
	"github.com/aristath/swarm/internal/terminal"
)

const (
	maxTitle = 48
	shortID  = 8
)

// Tasks renders tasks dependency first.
func Tasks(tasks []*scheduler.Task) string {
	title := styleTitle.Render(fmt.Sprintf("Tasks (%d)", len(tasks)))
	if len(tasks) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, styleEmpty.Render("No tasks."))
	}

	rows := make([][]string, 0, len(tasks))
	for _, t := range OrderTasks(tasks) {
		deps := make([]string, 0, len(t.DependsOn))
		for _, d := range t.DependsOn {
			deps = append(deps, short(d))
		}
		rows = append(rows, []string{
			short(t.ID),
			string(t.Status),
			string(t.Priority),
			truncate(t.Title, maxTitle),
			orDash(t.AssignedWorker),
			fmt.Sprintf("$%.2f", t.Cost),
			orDash(strings.Join(deps, ",")),
		})
	}
	return lipgloss.JoinVertical(lipgloss.Left, title,
		table([]string{"ID", "STATUS", "PRIORITY", "TITLE", "WORKER", "COST", "DEPENDS"}, rows, 1))
}

// Workers renders the worker pool.
func Workers(workers []terminal.Worker) string {
	title := styleTitle.Render(fmt.Sprintf("Workers (%d)", len(workers)))
	if len(workers) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, styleEmpty.Render("No workers."))
	}

	rows := make([][]string, 0, len(workers))
	for _, w := range workers {
		task := "-"
		if w.CurrentTask != nil {
			task = truncate(w.CurrentTask.Title, maxTitle)
		}
		live := "yes"
		if !w.Live {
			live = "no"
		}
		rows = append(rows, []string{w.ID, string(w.Status), string(w.Phase), task, live})
	}
	return lipgloss.JoinVertical(lipgloss.Left, title,
		table([]string{"ID", "STATUS", "PHASE", "TASK", "LIVE"}, rows, 1))
}

// Budget renders spend against the limits, flagging any limit reached.
func Budget(s budget.Summary) string {
	lines := []string{
		styleTitle.Render("Budget"),
		spendLine("today", s.TodayTotal, s.Limits.Daily),
		spendLine("week", s.WeeklyTotal, s.Limits.Weekly),
	}

	workers := make([]string, 0, len(s.WorkerTotals))
	for id := range s.WorkerTotals {
		workers = append(workers, id)
	}
	sort.Strings(workers)
	for _, id := range workers {
		lines = append(lines, styleHeader.Render(fmt.Sprintf("  %s: $%.2f", id, s.WorkerTotals[id])))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func spendLine(label string, spent, limit float64) string {
	line := fmt.Sprintf("%-6s $%.2f / $%.2f", label+":", spent, limit)
	if limit > 0 && spent >= limit {
		return line + " " + styleWarning.Render("[exceeded]")
	}
	return line
}

// Plan renders a decomposition with its simulated schedule.
func Plan(plan *planner.Plan, timeline *planner.Timeline) string {
	lines := []string{
		styleTitle.Render(plan.Goal),
		styleHeader.Render(fmt.Sprintf("%d tasks, $%.2f, %.0f min of work",
			len(plan.Tasks), plan.TotalEstimatedCost, plan.TotalEstimatedMinutes)),
	}

	start := make(map[string]planner.TimelineEntry)
	if timeline != nil {
		for _, e := range timeline.Entries {
			start[e.TaskID] = e
		}
	}

	rows := make([][]string, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		slot := "-"
		if e, ok := start[t.ID]; ok {
			slot = fmt.Sprintf("%s %.0f-%.0f", e.WorkerID, e.StartMin, e.EndMin)
		}
		rows = append(rows, []string{
			t.ID,
			string(t.Priority),
			truncate(t.Title, maxTitle),
			fmt.Sprintf("%.0fm", t.EstimatedMinutes),
			fmt.Sprintf("$%.2f", t.EstimatedCost),
			orDash(strings.Join(t.DependsOn, ",")),
			slot,
		})
	}
	lines = append(lines, table([]string{"ID", "PRIORITY", "TITLE", "EST", "COST", "DEPENDS", "SLOT"}, rows, -1))

	if timeline != nil {
		lines = append(lines, styleHeader.Render(fmt.Sprintf("makespan %.0f min on %d worker(s)",
			timeline.MakespanMinutes, timeline.WorkersUsed)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// Sessions renders stored swarm sessions.
func Sessions(states []swarm.State) string {
	title := styleTitle.Render(fmt.Sprintf("Swarm sessions (%d)", len(states)))
	if len(states) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, styleEmpty.Render("No swarm sessions."))
	}

	rows := make([][]string, 0, len(states))
	for _, st := range states {
		tasks := 0
		if st.Plan != nil {
			tasks = len(st.Plan.Tasks)
		}
		rows = append(rows, []string{
			short(st.ID),
			string(st.Status),
			truncate(st.Goal.Goal, maxTitle),
			fmt.Sprintf("%d/%d", len(st.CompletedTaskIDs), tasks),
			fmt.Sprintf("%d", len(st.FailedTaskIDs)),
		})
	}
	return lipgloss.JoinVertical(lipgloss.Left, title,
		table([]string{"ID", "STATUS", "GOAL", "DONE", "FAILED"}, rows, 1))
}

// table lays rows out in padded columns. The column at statusCol, if any,
// is coloured by its value.
func table(headers []string, rows [][]string, statusCol int) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	render := func(cells []string, style func(int, string) lipgloss.Style) string {
		var b strings.Builder
		for i, cell := range cells {
			b.WriteString(style(i, cell).Render(cell))
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		return b.String()
	}

	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, render(headers, func(int, string) lipgloss.Style { return styleHeader }))
	for _, row := range rows {
		lines = append(lines, render(row, func(i int, cell string) lipgloss.Style {
			if i == statusCol {
				return statusStyle(cell)
			}
			return lipgloss.NewStyle()
		}))
	}
	return strings.Join(lines, "\n")
}

func short(id string) string {
	if len(id) <= shortID {
		return id
	}
	return id[:shortID]
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
