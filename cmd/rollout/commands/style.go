package commands

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/rollout/pkg/deployment"
	"github.com/openfroyo/rollout/pkg/drift"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorGreen   = lipgloss.Color("#10B981")
	colorRed     = lipgloss.Color("#EF4444")
	colorYellow  = lipgloss.Color("#F59E0B")
	colorDim     = lipgloss.Color("#6B7280")

	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	styleDim     = lipgloss.NewStyle().Foreground(colorDim)
	styleOK      = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	styleFail    = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(colorYellow)
	styleRunning = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	styleKey     = lipgloss.NewStyle().Foreground(colorDim).Width(14)

	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(colorDim)

	styleErrorBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorRed).
			Padding(0, 1)
)

func statusStyle(s string) lipgloss.Style {
	switch s {
	case string(deployment.StatusCompleted), string(deployment.StageStatusSucceeded):
		return styleOK
	case string(deployment.StatusFailed), string(deployment.StatusAborted):
		return styleFail
	case string(deployment.StatusInProgress), string(deployment.StageStatusRunning):
		return styleRunning
	default:
		return styleDim
	}
}

func severityStyle(s drift.Severity) lipgloss.Style {
	switch s {
	case drift.SeverityHigh:
		return styleFail
	case drift.SeverityMedium:
		return styleWarn
	default:
		return styleDim
	}
}

func keyValue(key string, value interface{}) string {
	return styleKey.Render(key) + fmt.Sprint(value)
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
