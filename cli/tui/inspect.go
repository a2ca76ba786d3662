package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/justapithecus/kiln/cli/reader"
)

// inspectPageSize bounds rows shown per view before truncation.
const inspectPageSize = 25

// InspectModel is a Bubble Tea model for inspect views.
type InspectModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(viewType string, data any) InspectModel {
	return InspectModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case "inspect_requests":
		content = m.renderInspectRequests()
	case "inspect_lifecycle":
		content = m.renderInspectLifecycle()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m InspectModel) renderInspectRequests() string {
	data, ok := m.data.([]reader.RequestRow)
	if !ok {
		return "Invalid data type for inspect_requests"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Journaled Requests"))
	b.WriteString("\n\n")

	shown := data
	if len(shown) > inspectPageSize {
		shown = shown[:inspectPageSize]
	}

	for _, row := range shown {
		state := "failed"
		if row.Success {
			state = "succeeded"
		}
		b.WriteString(fmt.Sprintf("%s %s %s %s\n",
			ValueStyle.Render(fmt.Sprintf("#%d", row.RequestID)),
			ValueStyle.Render(row.Module+"."+row.Function),
			StateStyle(state).Render(fmt.Sprintf("%d", row.Status)),
			LabelStyle.Render(fmt.Sprintf("%dms", row.DurationMs))))
	}

	if len(data) > inspectPageSize {
		b.WriteString(HelpStyle.Render(fmt.Sprintf("\n… %d more", len(data)-inspectPageSize)))
	}

	return BoxStyle.Render(b.String())
}

func (m InspectModel) renderInspectLifecycle() string {
	data, ok := m.data.([]reader.LifecycleRow)
	if !ok {
		return "Invalid data type for inspect_lifecycle"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Pool Lifecycle Events"))
	b.WriteString("\n\n")

	shown := data
	if len(shown) > inspectPageSize {
		shown = shown[:inspectPageSize]
	}

	for _, row := range shown {
		line := fmt.Sprintf("%s %s",
			LabelStyle.Render(row.Timestamp),
			StateStyle(lifecycleState(row.EventType)).Render(row.EventType))
		if row.WorkerID != nil {
			line += ValueStyle.Render(fmt.Sprintf(" worker=%d", *row.WorkerID))
		}
		if row.Detail != "" {
			line += " " + ValueStyle.Render(row.Detail)
		}
		b.WriteString(line + "\n")
	}

	if len(data) > inspectPageSize {
		b.WriteString(HelpStyle.Render(fmt.Sprintf("\n… %d more", len(data)-inspectPageSize)))
	}

	return BoxStyle.Render(b.String())
}

// lifecycleState maps lifecycle event types onto display states.
func lifecycleState(eventType string) string {
	switch eventType {
	case "pool_started", "worker_respawned":
		return "succeeded"
	case "worker_crashed":
		return "failed"
	default:
		return ""
	}
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	model := NewInspectModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without full TUI (for fallback).
func RenderInspectStatic(viewType string, data any) string {
	model := NewInspectModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
