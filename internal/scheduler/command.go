package scheduler

import (
	"fmt"
	"strings"

	"github.com/aristath/swarm/internal/config"
)

var promptEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")

// BuildCommand renders the shell line that starts task's agent on a worker.
// The agent name is looked up in providers; its Type selects the command shape:
//
//	claude: <command> -p "<prompt>" --model <model> --dangerously-skip-permissions [args...]
//	codex:  <command> "<prompt>" [args...]
//	goose:  <command> run --text "<prompt>" [--model <model>] [args...]
//
// The prompt is escaped for a double-quoted bash word.
func BuildCommand(task *Task, providers map[string]config.ProviderConfig) (string, error) {
	p, ok := providers[task.Agent]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, task.Agent)
	}

	command := p.Command
	if command == "" {
		command = task.Agent
	}
	prompt := promptEscaper.Replace(task.Prompt)

	var line string
	switch p.Type {
	case "claude":
		line = fmt.Sprintf(`%s -p "%s" --model %s --dangerously-skip-permissions`, command, prompt, task.Model)
	case "codex":
		line = fmt.Sprintf(`%s "%s"`, command, prompt)
	case "goose":
		line = fmt.Sprintf(`%s run --text "%s"`, command, prompt)
		if task.Model != "" {
			line += " --model " + task.Model
		}
	default:
		return "", fmt.Errorf("%w: %s (provider type %q)", ErrUnknownAgent, task.Agent, p.Type)
	}

	if len(p.Args) > 0 {
		line += " " + strings.Join(p.Args, " ")
	}
	return line, nil
}
