package decompose

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aristath/swarm/internal/planner"
)

// ErrInvalidResponse is returned when the model's answer is not a usable
// decomposition.
var ErrInvalidResponse = errors.New("invalid decomposition response")

const systemPrompt = `You are a software engineering task decomposition expert.
Given a goal and codebase context, break it into a set of parallel sub-tasks that can be executed by AI coding agents.

Rules:
- Each task must be concrete and actionable.
- Identify dependencies between tasks: if task B requires output from task A, set B.dependsOn = ["A"].
- Minimize dependencies to maximize parallelism.
- Each task should take 15-120 minutes.
- Output ONLY valid JSON matching this schema (no markdown, no explanation):
{
  "tasks": [{
    "id": "t1",
    "title": "Short title",
    "description": "What the agent should do",
    "estimatedMinutes": 30,
    "dependsOn": [],
    "estimatedCost": 0.5,
    "priority": "medium"
  }],
  "reasoning": "Why you decomposed it this way",
  "warnings": ["any concerns"]
}`

// Result is a validated decomposition.
type Result struct {
	Tasks     []planner.SubTask `json:"tasks"`
	Reasoning string            `json:"reasoning,omitempty"`
	Warnings  []string          `json:"warnings"`
}

// SystemPrompt returns the instructions sent with every decomposition request.
func SystemPrompt() string {
	return systemPrompt
}

// UserPrompt renders the goal and repository description for the model.
func UserPrompt(goal string, a *Analysis) string {
	return fmt.Sprintf("Goal: %s\n\nCodebase:\n%s\n\nDecompose this goal into parallel sub-tasks.", goal, FormatContext(a))
}

// FormatContext renders an analysis as prompt lines.
func FormatContext(a *Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\n", a.Language)
	fmt.Fprintf(&b, "Top-level directories: %s\n", strings.Join(a.TopLevelDirs, ", "))
	fmt.Fprintf(&b, "Total files: %d\n", len(a.Files))
	if a.PackageName != "" {
		fmt.Fprintf(&b, "Package name: %s\n", a.PackageName)
	}
	if a.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", a.Description)
	}
	if len(a.Dependencies) > 0 {
		fmt.Fprintf(&b, "Key dependencies: %s\n", strings.Join(a.Dependencies, ", "))
	}
	if len(a.KeyFiles) > 0 {
		b.WriteString("Key files:\n")
		for _, f := range a.KeyFiles {
			fmt.Fprintf(&b, "  %s (%d bytes)\n", f.Path, f.Size)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

// extractJSON pulls the JSON document out of a model reply: a fenced block
// first, then everything from the first '{', then the whole trimmed text.
func extractJSON(text string) string {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if i := strings.Index(text, "{"); i >= 0 {
		return strings.TrimSpace(text[i:])
	}
	return strings.TrimSpace(text)
}

// ParseResult decodes and validates a model reply.
func ParseResult(text string) (*Result, error) {
	raw := extractJSON(text)

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("%w: AI returned invalid JSON: %s", ErrInvalidResponse, truncate(raw, 200))
	}
	if err := normalize(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// normalize fills defaults and rejects shapes the planner cannot use.
func normalize(res *Result) error {
	if len(res.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidResponse)
	}
	for i := range res.Tasks {
		t := &res.Tasks[i]
		switch {
		case t.ID == "":
			return fmt.Errorf("%w: task %d has no id", ErrInvalidResponse, i)
		case t.Title == "":
			return fmt.Errorf("%w: task %q has no title", ErrInvalidResponse, t.ID)
		case t.EstimatedMinutes <= 0:
			return fmt.Errorf("%w: task %q estimatedMinutes must be positive", ErrInvalidResponse, t.ID)
		case t.EstimatedCost < 0:
			return fmt.Errorf("%w: task %q estimatedCost must not be negative", ErrInvalidResponse, t.ID)
		}
		if t.Priority == "" {
			t.Priority = planner.PriorityMedium
		}
		if !t.Priority.Valid() {
			return fmt.Errorf("%w: task %q has priority %q", ErrInvalidResponse, t.ID, t.Priority)
		}
		if t.DependsOn == nil {
			t.DependsOn = []string{}
		}
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
