package decompose

import (
	"errors"
	"strings"
	"testing"

	"github.com/aristath/swarm/internal/planner"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "fenced json", in: "Here:\n```json\n{\"a\":1}\n```\nthanks", want: `{"a":1}`},
		{name: "bare fence", in: "```\n{\"b\":2}\n```", want: `{"b":2}`},
		{name: "leading prose", in: "Sure! {\"c\":3}", want: `{"c":3}`},
		{name: "plain", in: "  nothing here  ", want: "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.in); got != tt.want {
				t.Errorf("extractJSON = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseResult(t *testing.T) {
	res, err := ParseResult("```json\n" + `{
		"tasks": [
			{"id": "t1", "title": "Schema", "description": "add tables", "estimatedMinutes": 30, "estimatedCost": 0.5, "priority": "high"},
			{"id": "t2", "title": "API", "description": "endpoints", "estimatedMinutes": 45, "dependsOn": ["t1"]}
		],
		"reasoning": "schema first"
	}` + "\n```")
	if err != nil {
		t.Fatalf("ParseResult: %v", err)
	}
	if len(res.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(res.Tasks))
	}
	if res.Tasks[0].DependsOn == nil || len(res.Tasks[0].DependsOn) != 0 {
		t.Errorf("t1 DependsOn = %#v, want empty slice", res.Tasks[0].DependsOn)
	}
	if res.Tasks[1].Priority != planner.PriorityMedium {
		t.Errorf("t2 Priority = %q, want medium default", res.Tasks[1].Priority)
	}
	if res.Tasks[1].EstimatedCost != 0 {
		t.Errorf("t2 EstimatedCost = %v, want 0", res.Tasks[1].EstimatedCost)
	}
	if res.Reasoning != "schema first" {
		t.Errorf("Reasoning = %q", res.Reasoning)
	}
	if res.Warnings == nil {
		t.Error("Warnings should default to an empty slice")
	}
}

func TestParseResultRejects(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantMsg string
	}{
		{name: "not json", in: "I cannot help with that", wantMsg: "invalid JSON"},
		{name: "no tasks", in: `{"tasks": []}`, wantMsg: "no tasks"},
		{name: "missing id", in: `{"tasks":[{"title":"x","estimatedMinutes":5}]}`, wantMsg: "no id"},
		{name: "missing title", in: `{"tasks":[{"id":"t1","estimatedMinutes":5}]}`, wantMsg: "no title"},
		{name: "zero minutes", in: `{"tasks":[{"id":"t1","title":"x","estimatedMinutes":0}]}`, wantMsg: "estimatedMinutes"},
		{name: "negative cost", in: `{"tasks":[{"id":"t1","title":"x","estimatedMinutes":5,"estimatedCost":-1}]}`, wantMsg: "estimatedCost"},
		{name: "bad priority", in: `{"tasks":[{"id":"t1","title":"x","estimatedMinutes":5,"priority":"urgent"}]}`, wantMsg: "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResult(tt.in)
			if !errors.Is(err, ErrInvalidResponse) {
				t.Fatalf("err = %v, want ErrInvalidResponse", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %q, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestParseResultTruncatesInvalidJSON(t *testing.T) {
	_, err := ParseResult("{" + strings.Repeat("x", 500))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(err.Error()) > 300 {
		t.Errorf("error message not truncated: %d bytes", len(err.Error()))
	}
}

func TestFormatContext(t *testing.T) {
	a := &Analysis{
		Language:     "Go",
		TopLevelDirs: []string{"cmd", "internal"},
		Files:        []string{"go.mod", "cmd/main.go"},
		PackageName:  "example.com/svc",
		Dependencies: []string{"github.com/google/uuid"},
		KeyFiles:     []KeyFile{{Path: "cmd/main.go", Size: 120}},
	}
	got := FormatContext(a)

	for _, want := range []string{
		"Language: Go",
		"Top-level directories: cmd, internal",
		"Total files: 2",
		"Package name: example.com/svc",
		"Key dependencies: github.com/google/uuid",
		"  cmd/main.go (120 bytes)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Description:") {
		t.Error("empty description should be omitted")
	}

	prompt := UserPrompt("add auth", a)
	if !strings.HasPrefix(prompt, "Goal: add auth\n\nCodebase:\n") || !strings.HasSuffix(prompt, "Decompose this goal into parallel sub-tasks.") {
		t.Errorf("unexpected prompt:\n%s", prompt)
	}
}
