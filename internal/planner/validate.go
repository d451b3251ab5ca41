package planner

import (
	"fmt"
	"strconv"
)

// CostWarningThreshold is the per-task estimate in USD above which a plan
// gets a warning.
const CostWarningThreshold = 50.0

// Validation is the outcome of ValidatePlan.
type Validation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ValidatePlan reports unknown dependency ids and cycles as errors and
// expensive tasks as warnings. Cycles are only looked for once every
// reference resolves.
func ValidatePlan(plan *Plan) Validation {
	errs := []string{}
	warnings := []string{}

	ids := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		ids[t.ID] = true
	}

	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				errs = append(errs, fmt.Sprintf("Task '%s' references unknown dependency '%s'", t.ID, dep))
			}
		}
	}

	if len(errs) == 0 && BuildGraph(plan.Tasks).DetectCycles() {
		errs = append(errs, "Plan contains circular dependencies (cycle detected)")
	}

	for _, t := range plan.Tasks {
		if t.EstimatedCost > CostWarningThreshold {
			warnings = append(warnings, fmt.Sprintf("Task '%s' has a high estimated cost of $%s",
				t.ID, strconv.FormatFloat(t.EstimatedCost, 'f', -1, 64)))
		}
	}

	return Validation{Valid: len(errs) == 0, Errors: errs, Warnings: warnings}
}

// OptimizeAssignment returns a copy of plan whose totals are recomputed:
// the summed cost estimate and the simulated makespan on workerCount workers.
func OptimizeAssignment(plan Plan, workerCount int) Plan {
	var cost float64
	for _, t := range plan.Tasks {
		cost += t.EstimatedCost
	}
	plan.Tasks = append([]SubTask(nil), plan.Tasks...)
	plan.TotalEstimatedCost = cost
	plan.TotalEstimatedMinutes = EstimateTimeline(plan.Tasks, workerCount).MakespanMinutes
	return plan
}
