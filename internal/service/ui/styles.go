package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sandevgo/tuskmem/internal/core"
)

// ANSI palette colors so output follows the terminal theme.
var (
	TitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true).MarginBottom(1)
	UsageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	DescStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	FlagStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	WarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)

	roleStyles = map[string]lipgloss.Style{
		core.RoleSystem:    lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
		core.RoleUser:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		core.RoleAssistant: lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true),
		core.RoleTool:      lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
	}
)

// Role renders a message role as an upper-case label.
func Role(role string) string {
	label := strings.ToUpper(role)
	if s, ok := roleStyles[role]; ok {
		return s.Render(label)
	}
	return label
}

// Meter renders token usage against the budget as a fixed-width bar.
func Meter(used, budget, width int) string {
	if budget <= 0 || width <= 0 {
		return fmt.Sprintf("%d tokens", used)
	}
	filled := min(used*width/budget, width)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)

	style := UsageStyle
	if used > budget {
		style = WarnStyle
	}
	return fmt.Sprintf("[%s] %d/%d tokens", style.Render(bar), used, budget)
}
