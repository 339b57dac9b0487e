package tui

import "github.com/charmbracelet/lipgloss"

// Styles contains all lipgloss styles for the watch TUI
type Styles struct {
	Title  lipgloss.Style
	Timer  lipgloss.Style
	Tenant lipgloss.Style

	Pipeline lipgloss.Style
	Disabled lipgloss.Style
	Queue    lipgloss.Style
	Change   lipgloss.Style
	Context  lipgloss.Style

	BuildQueued  lipgloss.Style
	BuildRunning lipgloss.Style
	BuildSuccess lipgloss.Style
	BuildFailed  lipgloss.Style

	EventTitle lipgloss.Style
	EventLine  lipgloss.Style
	Error      lipgloss.Style
	Footer     lipgloss.Style
	FooterKey  lipgloss.Style
}

// DefaultStyles returns the default watch styles
func DefaultStyles() Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Timer:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Tenant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),

		Pipeline: lipgloss.NewStyle().Bold(true),
		Disabled: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Queue:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Change:   lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		Context:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true),

		BuildQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		BuildRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		BuildSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		BuildFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),

		EventTitle: lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Bold(true),
		EventLine:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Error:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		Footer:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginTop(1),
		FooterKey:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	}
}
