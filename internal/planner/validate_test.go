package planner

import (
	"testing"
)

func TestValidatePlan(t *testing.T) {
	tests := []struct {
		name         string
		tasks        []SubTask
		wantValid    bool
		wantErrors   []string
		wantWarnings []string
	}{
		{
			name:      "valid plan",
			tasks:     []SubTask{task("a", 10), task("b", 10, "a")},
			wantValid: true,
		},
		{
			name:      "unknown dependencies",
			tasks:     []SubTask{task("a", 10, "x"), task("b", 10, "a", "y")},
			wantValid: false,
			wantErrors: []string{
				"Task 'a' references unknown dependency 'x'",
				"Task 'b' references unknown dependency 'y'",
			},
		},
		{
			name:       "cycle",
			tasks:      []SubTask{task("a", 10, "c"), task("b", 10, "a"), task("c", 10, "b")},
			wantValid:  false,
			wantErrors: []string{"Plan contains circular dependencies (cycle detected)"},
		},
		{
			name:       "self dependency",
			tasks:      []SubTask{task("a", 10, "a")},
			wantValid:  false,
			wantErrors: []string{"Plan contains circular dependencies (cycle detected)"},
		},
		{
			name: "unknown dependency hides cycle check",
			tasks: []SubTask{
				task("a", 10, "b"), task("b", 10, "a"), task("c", 10, "missing"),
			},
			wantValid:  false,
			wantErrors: []string{"Task 'c' references unknown dependency 'missing'"},
		},
		{
			name: "expensive task warns but stays valid",
			tasks: []SubTask{
				{ID: "a", Title: "a", EstimatedMinutes: 10, EstimatedCost: 75.5, Priority: PriorityHigh},
				{ID: "b", Title: "b", EstimatedMinutes: 10, EstimatedCost: 50, Priority: PriorityLow},
			},
			wantValid:    true,
			wantWarnings: []string{"Task 'a' has a high estimated cost of $75.5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidatePlan(&Plan{ID: "plan-1", Goal: "g", Tasks: tt.tasks})

			if got.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", got.Valid, tt.wantValid)
			}
			assertStrings(t, "Errors", got.Errors, tt.wantErrors)
			assertStrings(t, "Warnings", got.Warnings, tt.wantWarnings)
		})
	}
}

func assertStrings(t *testing.T, field string, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s = %q, want %q", field, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s[%d] = %q, want %q", field, i, got[i], want[i])
		}
	}
}

func TestOptimizeAssignment(t *testing.T) {
	plan := Plan{
		ID:   "plan-s1",
		Goal: "ship it",
		Tasks: []SubTask{
			{ID: "a", EstimatedMinutes: 30, EstimatedCost: 1.25},
			{ID: "b", EstimatedMinutes: 20, EstimatedCost: 0.75, DependsOn: []string{"a"}},
			{ID: "c", EstimatedMinutes: 40, EstimatedCost: 2},
		},
		TotalEstimatedCost:    999,
		TotalEstimatedMinutes: 999,
	}

	got := OptimizeAssignment(plan, 2)

	if got.TotalEstimatedCost != 4 {
		t.Errorf("TotalEstimatedCost = %v, want 4", got.TotalEstimatedCost)
	}
	if got.TotalEstimatedMinutes != 50 {
		t.Errorf("TotalEstimatedMinutes = %v, want 50", got.TotalEstimatedMinutes)
	}
	if plan.TotalEstimatedCost != 999 {
		t.Error("OptimizeAssignment mutated its input")
	}
	if got.ID != plan.ID || len(got.Tasks) != 3 {
		t.Errorf("plan identity lost: %+v", got)
	}
}

func TestPriorityValid(t *testing.T) {
	for _, p := range []Priority{PriorityHigh, PriorityMedium, PriorityLow} {
		if !p.Valid() {
			t.Errorf("%s should be valid", p)
		}
	}
	if Priority("urgent").Valid() || Priority("").Valid() {
		t.Error("unknown priority reported valid")
	}
}
