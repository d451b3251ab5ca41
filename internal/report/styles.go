package report

import (
	"github.com/charmbracelet/lipgloss"
)

// Status styles
var (
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true)
	styleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true)
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true)
	stylePending = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Layout styles
var (
	styleTitle   = lipgloss.NewStyle().Bold(true)
	styleHeader  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleEmpty   = lipgloss.NewStyle().Faint(true)
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
)

// statusStyle picks the colour for a task, worker or session status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "running", "assigned", "executing", "analyzing", "planning", "pr":
		return styleRunning
	case "done", "completed":
		return styleDone
	case "failed", "error":
		return styleFailed
	default:
		return stylePending
	}
}
