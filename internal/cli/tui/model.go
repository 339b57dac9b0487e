// Package tui renders the live pipeline view for the watch command.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/RevCBH/switchyard/internal/events"
	"github.com/RevCBH/switchyard/internal/web"
)

// Model is the bubbletea model for the watch TUI
type Model struct {
	Styles Styles

	// State
	Status    web.Status
	HaveState bool
	Events    []events.ObserverEvent
	EventCap  int
	StartTime time.Time
	StreamErr string
	Width     int
	Height    int

	// Control
	Quitting bool
}

// NewModel creates a new watch model
func NewModel() *Model {
	return &Model{
		Styles:    DefaultStyles(),
		EventCap:  200,
		StartTime: time.Now(),
	}
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg is sent every second to refresh the elapsed timer
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// StatusMsg carries a fresh status snapshot
type StatusMsg web.Status

// EventMsg carries one observer event from the stream
type EventMsg events.ObserverEvent

// StreamErrMsg reports a broken status or event connection
type StreamErrMsg struct {
	Err error
}

// DoneMsg signals the TUI should exit
type DoneMsg struct{}
