package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/status"
	"github.com/aristath/swarm/internal/terminal"
)

// ErrMalformedMessage is returned for inbound messages that cannot be decoded
// or are missing required fields.
var ErrMalformedMessage = errors.New("malformed message")

// Inbound message types.
const (
	TypeTerminalInput  = "terminal.input"
	TypeTerminalResize = "terminal.resize"
	TypeTaskCreate     = "task.create"
	TypeTaskAssign     = "task.assign"
	TypeTaskCancel     = "task.cancel"
	TypeWorkerKill     = "worker.kill"
	TypeSettingsUpdate = "settings.update"
	TypeSubscribe      = "subscribe"
)

// Outbound message types.
const (
	TypeTaskUpdated  = "task.updated"
	TypeTerminalData = "terminal.data"
	TypeWorkerStatus = "worker.status"
	TypeAlert        = "alert"
	TypeInit         = "init"
)

// Alert severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

type envelope struct {
	Type string `json:"type"`
}

type terminalInput struct {
	WorkerID string `json:"workerId"`
	Data     string `json:"data"`
}

type terminalResize struct {
	WorkerID string `json:"workerId"`
	Cols     int    `json:"cols"`
	Rows     int    `json:"rows"`
}

type taskCreate struct {
	Task *scheduler.NewTask `json:"task"`
}

type taskRef struct {
	TaskID   string `json:"taskId"`
	WorkerID string `json:"workerId"`
}

type workerRef struct {
	WorkerID string `json:"workerId"`
}

type settingsUpdate struct {
	Settings map[string]any `json:"settings"`
}

func decode[T any](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return v, nil
}

func require(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformedMessage, field)
	}
	return nil
}

// settingAliases maps the camelCase names clients send to setting keys.
var settingAliases = map[string]string{
	"workerCount":   config.KeyWorkerCount,
	"workspaceBase": config.KeyWorkspaceBase,
	"dailyBudget":   config.KeyDailyBudget,
	"weeklyBudget":  config.KeyWeeklyBudget,
	"defaultModel":  config.KeyDefaultModel,
	"defaultAgent":  config.KeyDefaultAgent,
	"autoPr":        config.KeyAutoPR,
	"autoPR":        config.KeyAutoPR,
}

// settingValues turns a client's settings object into the string values the
// store persists. Unknown keys are rejected.
func settingValues(in map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for key, raw := range in {
		if alias, ok := settingAliases[key]; ok {
			key = alias
		}
		if !config.IsSettingKey(key) {
			return nil, fmt.Errorf("%w: unknown setting %q", ErrMalformedMessage, key)
		}
		switch v := raw.(type) {
		case string:
			out[key] = v
		case float64:
			out[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[key] = strconv.FormatBool(v)
		default:
			return nil, fmt.Errorf("%w: setting %s has unsupported value %v", ErrMalformedMessage, key, raw)
		}
	}
	return out, nil
}

// TaskUpdated carries the stored state of a task after any change.
type TaskUpdated struct {
	Type string          `json:"type"`
	Task *scheduler.Task `json:"task"`
}

// TerminalData forwards worker output.
type TerminalData struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId"`
	Data     string `json:"data"`
}

// WorkerStatus reports a worker's status and phase.
type WorkerStatus struct {
	Type     string `json:"type"`
	WorkerID string `json:"workerId"`
	Status   string `json:"status"`
	Phase    string `json:"phase"`
}

// Alert is a user-facing notice. Timestamp is in unix milliseconds.
type Alert struct {
	ID        string `json:"id"`
	WorkerID  string `json:"workerId,omitempty"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	Timestamp int64  `json:"timestamp"`
}

// AlertMessage wraps an Alert.
type AlertMessage struct {
	Type  string `json:"type"`
	Alert Alert  `json:"alert"`
}

// WorkerInfo is the summary of a worker sent on connect.
type WorkerInfo struct {
	ID            string                `json:"id"`
	Workspace     string                `json:"workspace"`
	Status        terminal.WorkerStatus `json:"status"`
	Phase         status.Phase          `json:"phase"`
	CurrentTaskID *string               `json:"currentTaskId"`
	StartedAt     *time.Time            `json:"startedAt"`
	Live          bool                  `json:"live"`
}

// Init is the first message a new connection receives.
type Init struct {
	Type    string            `json:"type"`
	Workers []WorkerInfo      `json:"workers"`
	Tasks   []*scheduler.Task `json:"tasks"`
}

func workerInfo(w terminal.Worker) WorkerInfo {
	info := WorkerInfo{
		ID:        w.ID,
		Workspace: w.Workspace,
		Status:    w.Status,
		Phase:     w.Phase,
		StartedAt: w.StartedAt,
		Live:      w.Live,
	}
	if w.CurrentTask != nil {
		id := w.CurrentTask.ID
		info.CurrentTaskID = &id
	}
	return info
}
