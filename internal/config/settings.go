package config

import (
	"fmt"
	"sort"
	"strconv"
)

// Runtime setting keys as stored in the settings table and sent by clients.
const (
	KeyWorkerCount   = "worker_count"
	KeyWorkspaceBase = "workspace_base"
	KeyDailyBudget   = "daily_budget"
	KeyWeeklyBudget  = "weekly_budget"
	KeyDefaultModel  = "default_model"
	KeyDefaultAgent  = "default_agent"
	KeyAutoPR        = "auto_pr"
)

// Settings are the runtime-editable values persisted alongside tasks.
type Settings struct {
	WorkerCount   int     `json:"worker_count"`
	WorkspaceBase string  `json:"workspace_base"`
	DailyBudget   float64 `json:"daily_budget"`
	WeeklyBudget  float64 `json:"weekly_budget"`
	DefaultModel  string  `json:"default_model"`
	DefaultAgent  string  `json:"default_agent"`
	AutoPR        bool    `json:"auto_pr"`
}

// DefaultSettings returns the settings of DefaultConfig.
func DefaultSettings() Settings {
	return DefaultConfig().Settings()
}

// SettingKeys returns every known setting key in sorted order.
func SettingKeys() []string {
	keys := []string{
		KeyWorkerCount, KeyWorkspaceBase, KeyDailyBudget, KeyWeeklyBudget,
		KeyDefaultModel, KeyDefaultAgent, KeyAutoPR,
	}
	sort.Strings(keys)
	return keys
}

// Map renders the settings as the string key/value pairs the store persists.
func (s Settings) Map() map[string]string {
	return map[string]string{
		KeyWorkerCount:   strconv.Itoa(s.WorkerCount),
		KeyWorkspaceBase: s.WorkspaceBase,
		KeyDailyBudget:   strconv.FormatFloat(s.DailyBudget, 'f', -1, 64),
		KeyWeeklyBudget:  strconv.FormatFloat(s.WeeklyBudget, 'f', -1, 64),
		KeyDefaultModel:  s.DefaultModel,
		KeyDefaultAgent:  s.DefaultAgent,
		KeyAutoPR:        strconv.FormatBool(s.AutoPR),
	}
}

// Apply returns a copy of s with the given string values applied.
// Unknown keys are ignored; unparsable values are an error and nothing is applied.
func (s Settings) Apply(values map[string]string) (Settings, error) {
	out := s
	for key, raw := range values {
		var err error
		switch key {
		case KeyWorkerCount:
			out.WorkerCount, err = strconv.Atoi(raw)
			if err == nil && out.WorkerCount < 0 {
				err = fmt.Errorf("must not be negative")
			}
		case KeyWorkspaceBase:
			out.WorkspaceBase = expandHome(raw)
		case KeyDailyBudget:
			out.DailyBudget, err = strconv.ParseFloat(raw, 64)
		case KeyWeeklyBudget:
			out.WeeklyBudget, err = strconv.ParseFloat(raw, 64)
		case KeyDefaultModel:
			out.DefaultModel = raw
		case KeyDefaultAgent:
			out.DefaultAgent = raw
		case KeyAutoPR:
			out.AutoPR, err = strconv.ParseBool(raw)
		}
		if err != nil {
			return s, fmt.Errorf("setting %s=%q: %w", key, raw, err)
		}
	}
	return out, nil
}

// IsSettingKey reports whether key names a runtime setting.
func IsSettingKey(key string) bool {
	_, ok := DefaultSettings().Map()[key]
	return ok
}
