package tui

import (
	"fmt"
	"slices"
)

// View types.
const (
	ViewInspectJob = "inspect_job"
	ViewStatsJobs  = "stats_jobs"
)

// Run starts the TUI for the view type.
func Run(viewType string, data any) error {
	switch viewType {
	case ViewInspectJob:
		return RunInspectTUI(viewType, data)
	case ViewStatsJobs:
		return RunStatsTUI(viewType, data)
	default:
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
}

// IsTUISupported returns true if the view type supports TUI mode.
// Only read-only views (inspect, stats) do.
func IsTUISupported(viewType string) bool {
	return slices.Contains(SupportedTUIViews(), viewType)
}

// SupportedTUIViews returns a list of view types that support TUI.
func SupportedTUIViews() []string {
	return []string{ViewInspectJob, ViewStatsJobs}
}
