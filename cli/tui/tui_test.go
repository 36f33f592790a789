package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/kiln/cli/reader"
	"github.com/pithecene-io/kiln/types"
)

func testReport() *types.RunReport {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &types.RunReport{
		JobID:           "01JABCDEF0123456789ABCDEFG",
		Status:          types.JobStatusFailed,
		Result:          types.RunResultFailure,
		Reason:          types.FailureContentDefect,
		Message:         "content defect after 2 attempts: retry budget exhausted",
		TotalAttempts:   2,
		InitialBudget:   1,
		RemainingBudget: 0,
		CreatedAt:       created,
		FinishedAt:      created.Add(9 * time.Second),
		DurationMs:      9000,
		LastSource:      &types.SourceSummary{Entry: "main.tex"},
		Attempts: []types.AttemptSummary{
			{Index: 1, Outcome: types.OutcomeContentDefect, ExitCode: 1, Fatal: 1, SourceHash: "3f9a0c2b7d1e4f56"},
			{Index: 2, Outcome: types.OutcomeContentDefect, ExitCode: 1, Fatal: 1, SourceHash: "9b1c22aa0e3d7f10"},
		},
		LastDiagnostics: []types.Diagnostic{{
			Severity: types.SeverityFatal,
			Category: types.CategoryUndefinedControlSequence,
			Line:     7,
			Message:  "! Undefined control sequence.\nl.7 \\foo",
		}},
	}
}

func TestIsTUISupported(t *testing.T) {
	tests := []struct {
		viewType string
		want     bool
	}{
		{"inspect_job", true},
		{"stats_jobs", true},
		{"inspect_run", false},
		{"list_jobs", false},
		{"version", false},
		{"compile", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.viewType, func(t *testing.T) {
			if got := IsTUISupported(tt.viewType); got != tt.want {
				t.Errorf("IsTUISupported(%q) = %v, want %v", tt.viewType, got, tt.want)
			}
		})
	}
}

func TestSupportedTUIViews(t *testing.T) {
	views := SupportedTUIViews()
	if len(views) != 2 {
		t.Errorf("SupportedTUIViews() returned %d views, expected 2", len(views))
	}
	for _, v := range views {
		if !IsTUISupported(v) {
			t.Errorf("SupportedTUIViews() returned %q but IsTUISupported returns false", v)
		}
	}
}

func TestRun_UnsupportedViewType(t *testing.T) {
	if err := Run("list_jobs", nil); err == nil {
		t.Error("Expected error for unsupported view type")
	}
}

func TestRenderInspectStatic(t *testing.T) {
	out := RenderInspectStatic(ViewInspectJob, testReport())

	for _, want := range []string{
		"01JABCDEF0123456789ABCDEFG",
		"content-defect",
		"Attempts",
		"3f9a0c2b7d1e",
		"undefined-control-sequence",
		"l.7",
		"! Undefined control sequence.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect view missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\\foo") {
		t.Error("only the first line of a diagnostic message should be shown")
	}
}

func TestRenderInspectStatic_WrongData(t *testing.T) {
	out := RenderInspectStatic(ViewInspectJob, "not a report")
	if !strings.Contains(out, "Invalid data type") {
		t.Errorf("expected invalid data message, got %s", out)
	}
}

func TestInspectModel_ViewportAndQuit(t *testing.T) {
	var model tea.Model = NewInspectModel(ViewInspectJob, testReport())

	model, _ = model.Update(tea.WindowSizeMsg{Width: 200, Height: 60})
	if !strings.Contains(model.View(), "01JABCDEF0123456789ABCDEFG") {
		t.Errorf("viewport should show the report:\n%s", model.View())
	}

	model, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should return a quit command")
	}
	if model.View() != "" {
		t.Error("view should be empty after quitting")
	}
}

func TestRenderStatsStatic(t *testing.T) {
	stats := &reader.JobStats{
		Total:         4,
		Succeeded:     1,
		Failed:        3,
		Environmental: 1,
		ByReason:      map[string]int{"content-defect": 2, "infrastructure": 1},
		Attempts:      10,
		MeanAttempts:  2.5,
	}
	out := RenderStatsStatic(ViewStatsJobs, stats)

	for _, want := range []string{"Job Statistics", "Succeeded", "2.5", "content-defect", "infrastructure"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats view missing %q:\n%s", want, out)
		}
	}
}

func TestRenderStatsStatic_InvalidData(t *testing.T) {
	out := RenderStatsStatic(ViewStatsJobs, "not stats")
	if !strings.Contains(out, "Invalid data type") {
		t.Errorf("expected invalid data message, got:\n%s", out)
	}
	out = RenderStatsStatic(ViewInspectJob, &reader.JobStats{})
	if !strings.Contains(out, "Unknown view type") {
		t.Errorf("expected unknown view message, got:\n%s", out)
	}
}

func TestReasonBars_OrderedByCount(t *testing.T) {
	out := reasonBars(map[string]int{"timed-out": 1, "content-defect": 4, "cancelled": 1})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), out)
	}
	for i, want := range []string{"content-defect", "cancelled", "timed-out"} {
		if !strings.Contains(lines[i], want) {
			t.Errorf("line %d = %q, want reason %q", i, lines[i], want)
		}
	}
	if strings.Count(lines[0], "█") != barWidth {
		t.Errorf("top bar should be full width: %q", lines[0])
	}
}
