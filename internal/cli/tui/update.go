package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/web"
)

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case TickMsg:
		return m, tickCmd()

	case StatusMsg:
		m.Status = web.Status(msg)
		m.HaveState = true
		m.StreamErr = ""

	case EventMsg:
		m.Events = append(m.Events, events.ObserverEvent(msg))
		if len(m.Events) > m.EventCap {
			m.Events = m.Events[len(m.Events)-m.EventCap:]
		}

	case StreamErrMsg:
		m.StreamErr = msg.Err.Error()

	case DoneMsg:
		return m, tea.Quit
	}

	return m, nil
}
