// Package status classifies raw worker terminal output into work phases,
// cost estimates and completion/error verdicts.
package status

import (
	"regexp"
	"strings"
)

// Phase is the fine-grained activity of a worker derived from its output.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePlanning Phase = "planning"
	PhaseCoding   Phase = "coding"
	PhaseTesting  Phase = "testing"
	PhasePR       Phase = "pr"
	PhaseRunning  Phase = "running"
	PhaseError    Phase = "error"
)

// Rule maps a predicate over the output buffer to a phase.
type Rule struct {
	Phase Phase
	Match func(output string) bool
}

var (
	promptAtEndRe = regexp.MustCompile(`\$\s*$`)

	errorRe      = regexp.MustCompile(`(?i)Error:|FAILED|error TS\d+|SyntaxError|TypeError|ReferenceError|Cannot find|ENOENT`)
	pkgErrorRe   = regexp.MustCompile(`(?i)npm ERR!|pnpm ERR!|yarn error`)
	planningRe   = regexp.MustCompile(`Planning\.\.\.|Analyzing|Thinking|[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`)
	understandRe = regexp.MustCompile(`(?i)Understanding the (codebase|task|requirements)`)
	prRe         = regexp.MustCompile(`(?i)PR created|gh pr create|pull request created|https://github\.com/.*/pull/`)
	testingRe    = regexp.MustCompile(`(?i)Running tests|npm test|pnpm test|yarn test|vitest|jest|✓|✗|PASS|FAIL|Test (Suites|Files)`)
	codingRe     = regexp.MustCompile(`(?i)Writing|Creating|Updating|Editing|Modified|Created|Deleted|Reading|Searching`)
	diffRe       = regexp.MustCompile(`(?i)\+\+\+|---|\d+ (file|line)s? changed`)

	completionRe = regexp.MustCompile(`(?i)Session completed|Task complete|Done\.|All done|Finished`)
	inProgressRe = regexp.MustCompile(`(?i)Running|Executing|Processing`)
	prURLRe      = regexp.MustCompile(`https://github\.com/[^\s/]+/[^\s/]+/pull/\d+`)

	ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07]*\x07`)
)

// completionWindow is the trailing span searched for in-progress phrases.
const completionWindow = 100

// rules is evaluated top to bottom; the first match wins. Idle must stay
// first and error second.
var rules = []Rule{
	{Phase: PhaseIdle, Match: endsWithPrompt},
	{Phase: PhaseError, Match: DetectError},
	{Phase: PhasePlanning, Match: func(s string) bool { return planningRe.MatchString(s) || understandRe.MatchString(s) }},
	{Phase: PhasePR, Match: prRe.MatchString},
	{Phase: PhaseTesting, Match: testingRe.MatchString},
	{Phase: PhaseCoding, Match: func(s string) bool { return codingRe.MatchString(s) || diffRe.MatchString(s) }},
}

// Rules returns a copy of the ordered classification rules.
func Rules() []Rule {
	return append([]Rule(nil), rules...)
}

// DetectPhase returns the phase of the first matching rule, or PhaseRunning.
func DetectPhase(output string) Phase {
	for _, r := range rules {
		if r.Match(output) {
			return r.Phase
		}
	}
	return PhaseRunning
}

// DetectError reports compiler errors, runtime exception names and
// package-manager failure markers anywhere in the output.
func DetectError(output string) bool {
	return errorRe.MatchString(output) || pkgErrorRe.MatchString(output)
}

// Completion is the verdict of DetectCompletion.
type Completion struct {
	Completed bool
	PRURL     string
}

// DetectCompletion reports whether the agent session has finished.
func DetectCompletion(output string) Completion {
	if endsWithPrompt(output) {
		return Completion{Completed: true, PRURL: prURLRe.FindString(output)}
	}

	tail := output
	if len(tail) > completionWindow {
		tail = tail[len(tail)-completionWindow:]
	}
	if completionRe.MatchString(output) && !inProgressRe.MatchString(tail) {
		return Completion{Completed: true, PRURL: prURLRe.FindString(output)}
	}

	return Completion{}
}

// StripANSI removes terminal colour and cursor escape sequences.
func StripANSI(s string) string {
	return ansiEscapeRe.ReplaceAllString(s, "")
}

func endsWithPrompt(output string) bool {
	return promptAtEndRe.MatchString(strings.TrimRight(output, " \t\r\n"))
}
