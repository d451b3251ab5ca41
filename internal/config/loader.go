package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): SWARMD_* environment variables,
// project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if globalPath != "" {
		if err := mergeConfigFile(v, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(v, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	v.SetEnvPrefix("SWARMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("decompose.api_key", "SWARMD_DECOMPOSE_API_KEY", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Workers.WorkspaceBase = expandHome(cfg.Workers.WorkspaceBase)

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.swarmd/config.json
// Project: .swarmd/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// DefaultPaths returns the conventional global and project config paths.
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".swarmd", "config.json"), filepath.Join(".swarmd", "config.json"), nil
}

// mergeConfigFile merges a config file into v.
// Missing files are silently skipped. Malformed files return an error.
func mergeConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.db_path", d.Server.DBPath)
	v.SetDefault("server.tick_interval_ms", d.Server.TickIntervalMS)
	v.SetDefault("server.cancel_kills_worker", d.Server.CancelKillsWorker)

	v.SetDefault("workers.count", d.Workers.Count)
	v.SetDefault("workers.workspace_base", d.Workers.WorkspaceBase)
	v.SetDefault("workers.shell", d.Workers.Shell)
	v.SetDefault("workers.cols", d.Workers.Cols)
	v.SetDefault("workers.rows", d.Workers.Rows)

	v.SetDefault("budget.daily", d.Budget.Daily)
	v.SetDefault("budget.weekly", d.Budget.Weekly)
	v.SetDefault("budget.per_task", d.Budget.PerTask)

	for name, p := range d.Providers {
		v.SetDefault("providers."+name+".command", p.Command)
		v.SetDefault("providers."+name+".type", p.Type)
	}

	v.SetDefault("decompose.api_key", "")
	v.SetDefault("decompose.model", d.Decompose.Model)
	v.SetDefault("decompose.max_tokens", d.Decompose.MaxTokens)
	v.SetDefault("decompose.max_retries", d.Decompose.MaxRetries)
	v.SetDefault("decompose.timeout_seconds", d.Decompose.TimeoutSeconds)
	v.SetDefault("decompose.use_bedrock", d.Decompose.UseBedrock)
	v.SetDefault("decompose.region", d.Decompose.Region)

	v.SetDefault("git.base_branch", d.Git.BaseBranch)
	v.SetDefault("git.remote", d.Git.Remote)
	v.SetDefault("git.pr_label", d.Git.PRLabel)
	v.SetDefault("git.auto_pr", d.Git.AutoPR)

	v.SetDefault("default_agent", d.Agent)
	v.SetDefault("default_model", d.Model)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
