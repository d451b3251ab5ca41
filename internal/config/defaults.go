package config

import (
	"os"
	"path/filepath"
)

// DefaultConfig returns the default configuration with the built-in claude and codex providers.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           3001,
			DBPath:         filepath.Join(".swarmd", "swarmd.db"),
			TickIntervalMS: 5000,
		},
		Workers: WorkersConfig{
			Count:         6,
			WorkspaceBase: defaultWorkspaceBase(),
			Shell:         "bash",
			Cols:          120,
			Rows:          40,
		},
		Budget: BudgetConfig{
			Daily:   50,
			Weekly:  200,
			PerTask: 3,
		},
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
		},
		Decompose: DecomposeConfig{
			Model:          "claude-opus-4-6",
			MaxTokens:      8192,
			MaxRetries:     3,
			TimeoutSeconds: 120,
			Region:         "us-east-1",
		},
		Git: GitConfig{
			BaseBranch: "main",
			Remote:     "origin",
			PRLabel:    "swarmd",
			AutoPR:     true,
		},
		Agent: "claude",
		Model: "claude-sonnet-4-6",
	}
}

func defaultWorkspaceBase() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "swarm-workspaces"
	}
	return filepath.Join(home, "swarm-workspaces")
}
