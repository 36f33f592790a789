// Package tui provides Bubble Tea views for kiln inspect and kiln stats.
//
// Views are opt-in (--tui) and render the same payloads as json/table
// output. They never show data the other formats lack.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/kiln/types"
)

// Kiln palette: ember for headings, ash for chrome, plain green/amber/red
// for outcomes.
var (
	emberColor = lipgloss.Color("#E4572E")
	ashColor   = lipgloss.Color("#8A8F98")
	slateColor = lipgloss.Color("#4C6EF5")
	okColor    = lipgloss.Color("#2F9E44")
	cautionClr = lipgloss.Color("#F08C00")
	faultColor = lipgloss.Color("#E03131")
	textColor  = lipgloss.AdaptiveColor{Light: "#1A1B1E", Dark: "#F1F3F5"}
)

// Text styles shared by the views.
var (
	TitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(emberColor).MarginBottom(1)
	SectionStyle = lipgloss.NewStyle().Bold(true).Underline(true).Foreground(slateColor)
	LabelStyle   = lipgloss.NewStyle().Foreground(ashColor).Width(14)
	ValueStyle   = lipgloss.NewStyle().Foreground(textColor)
	HelpStyle    = lipgloss.NewStyle().Foreground(ashColor).Italic(true).MarginTop(1)

	SuccessStyle = lipgloss.NewStyle().Foreground(okColor)
	WarningStyle = lipgloss.NewStyle().Foreground(cautionClr)
	ErrorStyle   = lipgloss.NewStyle().Foreground(faultColor).Bold(true)

	// BoxStyle frames a whole view.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(ashColor).
			Padding(0, 1)

	// TileStyle frames one number in the stats view.
	TileStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder(), false, false, false, true).
			PaddingLeft(1).
			MarginRight(2).
			Width(16)
)

// StateStyle picks a color for a job status, run result, attempt outcome
// or diagnostic severity.
func StateStyle(state string) lipgloss.Style {
	switch state {
	// Also covers OutcomeSuccess, which shares the value.
	case string(types.JobStatusSucceeded), string(types.RunResultSuccess):
		return SuccessStyle
	case string(types.JobStatusPending), string(types.JobStatusRunning),
		string(types.OutcomeSucceededWithWarnings), string(types.SeverityWarning), "incomplete":
		return WarningStyle
	case string(types.JobStatusFailed), string(types.RunResultFailure), string(types.SeverityFatal),
		string(types.OutcomeContentDefect), string(types.OutcomeTimedOut),
		string(types.OutcomeInfrastructureFailure), string(types.OutcomeCancelled):
		return ErrorStyle
	}
	return ValueStyle
}
