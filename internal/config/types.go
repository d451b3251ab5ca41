package config

// ProviderConfig defines how an agent CLI is invoked on a worker shell.
type ProviderConfig struct {
	Command string   `json:"command" mapstructure:"command"`      // CLI binary name (e.g., "claude", "codex")
	Args    []string `json:"args,omitempty" mapstructure:"args"` // Extra args appended to every invocation
	Type    string   `json:"type" mapstructure:"type"`           // Command shape: "claude" or "codex"
}

// ServerConfig configures the HTTP/websocket server and the dispatch loop.
type ServerConfig struct {
	Port              int    `json:"port" mapstructure:"port"`
	DBPath            string `json:"db_path" mapstructure:"db_path"`
	TickIntervalMS    int    `json:"tick_interval_ms" mapstructure:"tick_interval_ms"`
	CancelKillsWorker bool   `json:"cancel_kills_worker" mapstructure:"cancel_kills_worker"`
}

// WorkersConfig configures the terminal pool.
type WorkersConfig struct {
	Count         int    `json:"count" mapstructure:"count"`
	WorkspaceBase string `json:"workspace_base" mapstructure:"workspace_base"`
	Shell         string `json:"shell" mapstructure:"shell"`
	Cols          int    `json:"cols" mapstructure:"cols"`
	Rows          int    `json:"rows" mapstructure:"rows"`
}

// BudgetConfig holds spend limits in USD.
type BudgetConfig struct {
	Daily   float64 `json:"daily" mapstructure:"daily"`
	Weekly  float64 `json:"weekly" mapstructure:"weekly"`
	PerTask float64 `json:"per_task" mapstructure:"per_task"`
}

// DecomposeConfig configures the model used to break goals into sub-tasks.
type DecomposeConfig struct {
	APIKey         string `json:"api_key,omitempty" mapstructure:"api_key"`
	Model          string `json:"model" mapstructure:"model"`
	MaxTokens      int64  `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries     int    `json:"max_retries" mapstructure:"max_retries"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	UseBedrock     bool   `json:"use_bedrock" mapstructure:"use_bedrock"`
	Region         string `json:"region,omitempty" mapstructure:"region"`
}

// GitConfig configures branch preparation and pull requests.
type GitConfig struct {
	BaseBranch string `json:"base_branch" mapstructure:"base_branch"`
	Remote     string `json:"remote" mapstructure:"remote"`
	PRLabel    string `json:"pr_label" mapstructure:"pr_label"`
	AutoPR     bool   `json:"auto_pr" mapstructure:"auto_pr"`
}

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig              `json:"server" mapstructure:"server"`
	Workers   WorkersConfig             `json:"workers" mapstructure:"workers"`
	Budget    BudgetConfig              `json:"budget" mapstructure:"budget"`
	Providers map[string]ProviderConfig `json:"providers" mapstructure:"providers"`
	Decompose DecomposeConfig           `json:"decompose" mapstructure:"decompose"`
	Git       GitConfig                 `json:"git" mapstructure:"git"`
	Agent     string                    `json:"default_agent" mapstructure:"default_agent"`
	Model     string                    `json:"default_model" mapstructure:"default_model"`
}

// Settings returns the runtime settings seeded from this configuration.
func (c *Config) Settings() Settings {
	return Settings{
		WorkerCount:   c.Workers.Count,
		WorkspaceBase: c.Workers.WorkspaceBase,
		DailyBudget:   c.Budget.Daily,
		WeeklyBudget:  c.Budget.Weekly,
		DefaultModel:  c.Model,
		DefaultAgent:  c.Agent,
		AutoPR:        c.Git.AutoPR,
	}
}
