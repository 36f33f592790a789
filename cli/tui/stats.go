package tui

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/kiln/cli/reader"
)

// barWidth is the length of the longest failure-reason bar.
const barWidth = 30

// StatsModel shows aggregate job statistics. The view is static; the
// model only waits for a quit key.
type StatsModel struct {
	stats    *reader.JobStats
	invalid  string
	quitting bool
}

// NewStatsModel creates a stats model. viewType must be ViewStatsJobs and
// data a *reader.JobStats; anything else renders an error line.
func NewStatsModel(viewType string, data any) StatsModel {
	if viewType != ViewStatsJobs {
		return StatsModel{invalid: "Unknown view type: " + viewType}
	}
	stats, ok := data.(*reader.JobStats)
	if !ok || stats == nil {
		return StatsModel{invalid: "Invalid data type for " + ViewStatsJobs}
	}
	return StatsModel{stats: stats}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok && key.Matches(k, keys.Quit) {
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}
	body := m.invalid
	if m.stats != nil {
		body = renderJobStats(m.stats)
	}
	return body + "\n" + HelpStyle.Render("q quit")
}

func renderJobStats(s *reader.JobStats) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Job Statistics"))
	b.WriteString("\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		tile("Jobs", fmt.Sprint(s.Total), slateColor),
		tile("Succeeded", fmt.Sprint(s.Succeeded), okColor),
		tile("Failed", fmt.Sprint(s.Failed), faultColor),
	))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		tile("Environmental", fmt.Sprint(s.Environmental), cautionClr),
		tile("Attempts", fmt.Sprint(s.Attempts), slateColor),
		tile("Mean attempts", fmt.Sprintf("%.1f", s.MeanAttempts), emberColor),
	))

	if len(s.ByReason) > 0 {
		b.WriteString("\n\n")
		b.WriteString(SectionStyle.Render("Failures by reason"))
		b.WriteString("\n")
		b.WriteString(reasonBars(s.ByReason))
	}
	return b.String()
}

func tile(label, value string, color lipgloss.TerminalColor) string {
	v := lipgloss.NewStyle().Bold(true).Foreground(color).Render(value)
	return TileStyle.BorderForeground(color).Render(v + "\n" + LabelStyle.UnsetWidth().Render(label))
}

// reasonBars draws one bar per reason, most frequent first, scaled to the
// largest count.
func reasonBars(byReason map[string]int) string {
	type row struct {
		reason string
		count  int
	}
	rows := make([]row, 0, len(byReason))
	for r, n := range byReason {
		rows = append(rows, row{r, n})
	}
	slices.SortFunc(rows, func(a, b row) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return cmp.Compare(a.reason, b.reason)
	})

	top := rows[0].count
	var b strings.Builder
	for _, r := range rows {
		n := 1
		if top > 0 {
			n = max(1, r.count*barWidth/top)
		}
		fmt.Fprintf(&b, "%s %s %d\n",
			LabelStyle.Render(r.reason),
			ErrorStyle.Render(strings.Repeat("█", n)),
			r.count)
	}
	return b.String()
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(viewType string, data any) error {
	_, err := tea.NewProgram(NewStatsModel(viewType, data), tea.WithAltScreen()).Run()
	return err
}

// RenderStatsStatic renders the stats view without starting a program.
func RenderStatsStatic(viewType string, data any) string {
	return lipgloss.NewStyle().Padding(1, 2).Render(NewStatsModel(viewType, data).View())
}
