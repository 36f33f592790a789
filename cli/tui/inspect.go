package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/kiln/types"
)

const timeLayout = "2006-01-02 15:04:05"

// InspectModel is a Bubble Tea model for inspect views.
// The rendered report scrolls inside a viewport.
type InspectModel struct {
	viewType string
	data     any
	viewport viewport.Model
	ready    bool
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
		// One line for the help footer.
		height := max(msg.Height-2, 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.viewport.SetContent(m.content())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}
	help := HelpStyle.Render("↑/↓ scroll • q quit")
	if !m.ready {
		return m.content() + "\n" + help
	}
	return m.viewport.View() + "\n" + help
}

func (m InspectModel) content() string {
	switch m.viewType {
	case ViewInspectJob:
		return m.renderInspectJob()
	default:
		return fmt.Sprintf("Unknown view type: %s", m.viewType)
	}
}

func (m InspectModel) renderInspectJob() string {
	data, ok := m.data.(*types.RunReport)
	if !ok {
		return "Invalid data type for inspect_job"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Job " + data.JobID))
	b.WriteString("\n")

	status := string(data.Status)
	rows := [][2]string{
		{"Status", StateStyle(status).Render(status)},
		{"Result", StateStyle(string(data.Result)).Render(string(data.Result))},
	}
	if data.Reason != "" {
		reason := string(data.Reason)
		if data.Environmental {
			reason += " (environmental)"
		}
		rows = append(rows, [2]string{"Reason", ErrorStyle.Render(reason)})
	}
	rows = append(rows,
		[2]string{"Attempts", ValueStyle.Render(fmt.Sprintf("%d", data.TotalAttempts))},
		[2]string{"Budget", ValueStyle.Render(fmt.Sprintf("%d of %d left", data.RemainingBudget, data.InitialBudget))},
		[2]string{"Created", ValueStyle.Render(data.CreatedAt.Format(timeLayout))},
	)
	if !data.FinishedAt.IsZero() {
		rows = append(rows, [2]string{"Finished", ValueStyle.Render(data.FinishedAt.Format(timeLayout))})
	}
	rows = append(rows, [2]string{"Duration", ValueStyle.Render((time.Duration(data.DurationMs) * time.Millisecond).String())})
	if data.LastSource != nil {
		rows = append(rows, [2]string{"Entry", ValueStyle.Render(data.LastSource.Entry)})
	}
	for _, row := range rows {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(row[0]+":"), row[1])
	}
	if data.Message != "" {
		b.WriteString("\n")
		b.WriteString(ValueStyle.Render(data.Message))
		b.WriteString("\n")
	}

	if len(data.Attempts) > 0 {
		b.WriteString("\n")
		b.WriteString(SectionStyle.Render("Attempts"))
		b.WriteString("\n")
		b.WriteString(renderAttempts(data.Attempts))
	}

	if len(data.Artifacts) > 0 {
		b.WriteString("\n")
		b.WriteString(SectionStyle.Render("Artifacts"))
		b.WriteString("\n")
		for _, a := range data.Artifacts {
			fmt.Fprintf(&b, "  • %s\n", ValueStyle.Render(a))
		}
	}

	if data.InfraError != "" {
		b.WriteString("\n")
		b.WriteString(SectionStyle.Render("Infrastructure error"))
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render(data.InfraError))
		b.WriteString("\n")
	}

	diags, title := data.LastDiagnostics, "Last diagnostics"
	if len(diags) == 0 {
		diags, title = data.ResidualWarnings, "Residual warnings"
	}
	if len(diags) > 0 {
		b.WriteString("\n")
		b.WriteString(SectionStyle.Render(title))
		b.WriteString("\n")
		b.WriteString(renderDiagnostics(diags))
	}

	return BoxStyle.Render(b.String())
}

func renderAttempts(attempts []types.AttemptSummary) string {
	var b strings.Builder
	header := fmt.Sprintf("  %-4s %-24s %-5s %-6s %-9s %s", "#", "OUTCOME", "EXIT", "FATAL", "DURATION", "HASH")
	b.WriteString(LabelStyle.UnsetWidth().Render(header))
	b.WriteString("\n")
	for _, a := range attempts {
		index := fmt.Sprintf("%d", a.Index)
		if a.Rerun {
			index += "r"
		}
		outcome := string(a.Outcome)
		hash := string(a.SourceHash)
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(&b, "  %-4s %s %-5d %-6d %-9s %s\n",
			index,
			StateStyle(outcome).Render(fmt.Sprintf("%-24s", outcome)),
			a.ExitCode,
			a.Fatal,
			(time.Duration(a.DurationMs) * time.Millisecond).String(),
			hash,
		)
	}
	return b.String()
}

func renderDiagnostics(diags []types.Diagnostic) string {
	var b strings.Builder
	for _, d := range diags {
		severity := StateStyle(string(d.Severity)).Render(fmt.Sprintf("%-7s", d.Severity))
		where := ""
		if d.Line > 0 {
			where = fmt.Sprintf(" l.%d", d.Line)
		}
		fmt.Fprintf(&b, "  %s %s%s\n", severity, ValueStyle.Render(string(d.Category)), where)
		if msg := firstLine(d.Message); msg != "" {
			fmt.Fprintf(&b, "          %s\n", HelpStyle.UnsetMarginTop().Render(msg))
		}
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	model := NewInspectModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without full TUI (for fallback).
func RenderInspectStatic(viewType string, data any) string {
	model := NewInspectModel(viewType, data)
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
