package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pithecene-io/kiln/diag"
	"github.com/pithecene-io/kiln/types"
)

// BuildRunReport composes the report of a job from its run state.
// Works on running states too (Result is then pending).
func BuildRunReport(state *types.RunState) *types.RunReport {
	report := &types.RunReport{
		ContractVersion: types.Version,
		JobID:           state.JobID,
		Status:          state.Status,
		Result:          state.Result,
		Reason:          state.Reason,
		Environmental:   state.Reason == types.FailureInfrastructure,
		TotalAttempts:   state.AttemptCount(),
		InitialBudget:   state.InitialBudget,
		RemainingBudget: state.Budget,
		CreatedAt:       state.CreatedAt,
		FinishedAt:      state.FinishedAt,
		Attempts:        make([]types.AttemptSummary, 0, state.AttemptCount()),
	}
	if !state.FinishedAt.IsZero() {
		report.DurationMs = state.FinishedAt.Sub(state.CreatedAt).Milliseconds()
	}

	for _, a := range state.Attempts {
		report.Attempts = append(report.Attempts, summarizeAttempt(a))
		if report.InfraError == "" && a.InfraError != "" {
			report.InfraError = a.InfraError
		}
	}

	last := state.LastAttempt()
	lastSource := state.Original
	if last != nil {
		lastSource = last.Source
		report.LastDiagnostics = last.Diagnostics
	}
	report.LastSource = summarizeSource(lastSource)

	if state.Result == types.RunResultSuccess && last != nil {
		report.Artifacts = last.ArtifactPaths
		report.ResidualWarnings = diag.Residual(last.Diagnostics)
	}
	if report.Environmental {
		original := state.Original.Snapshot()
		report.OriginalSource = &original
	}

	report.Message = reportMessage(state, last)
	return report
}

func summarizeAttempt(a *types.CompileAttempt) types.AttemptSummary {
	s := diag.Summarize(a.Diagnostics)
	byCategory := make(map[string]int, len(s.ByCategory))
	for k, v := range s.ByCategory {
		byCategory[k] = v
	}
	return types.AttemptSummary{
		Index:       a.Index,
		Outcome:     a.Outcome,
		Rerun:       a.Rerun,
		ExitCode:    a.ExitCode,
		SourceHash:  a.SourceHash,
		DurationMs:  a.Duration().Milliseconds(),
		StartedAt:   a.StartedAt,
		Diagnostics: byCategory,
		Fatal:       s.Fatal,
		Warnings:    s.Warnings,
		Artifacts:   a.ArtifactPaths,
	}
}

func summarizeSource(src types.SourceTree) *types.SourceSummary {
	return &types.SourceSummary{
		Entry:     src.Entry,
		Hash:      src.Hash(),
		Files:     src.Paths(),
		EntryText: src.EntryText(),
	}
}

// reportMessage is the one-line human summary of a job.
// Failures always name the outcome category, the attempt count and the
// last diagnostic set.
func reportMessage(state *types.RunState, last *types.CompileAttempt) string {
	attempts := pluralize(state.AttemptCount(), "attempt")

	switch state.Status {
	case types.JobStatusPending:
		return "job pending"
	case types.JobStatusRunning:
		return fmt.Sprintf("job running (%s so far)", attempts)
	case types.JobStatusSucceeded:
		if last != nil && len(diag.Residual(last.Diagnostics)) > 0 {
			return fmt.Sprintf("compiled with warnings after %s", attempts)
		}
		return fmt.Sprintf("compiled successfully after %s", attempts)
	}

	var b strings.Builder
	switch state.Reason {
	case types.FailureInfrastructure:
		fmt.Fprintf(&b, "infrastructure failure after %s: the build environment failed, not the document", attempts)
		if last != nil && last.InfraError != "" {
			fmt.Fprintf(&b, " (%s)", last.InfraError)
		}
		return b.String()
	case types.FailureCancelled:
		fmt.Fprintf(&b, "cancelled after %s", attempts)
	case types.FailureTimedOut:
		fmt.Fprintf(&b, "timed out after %s", attempts)
	default:
		fmt.Fprintf(&b, "content defect after %s: retry budget exhausted", attempts)
	}
	if last != nil {
		if cats := categoryList(diag.PrimaryCauses(last.Diagnostics)); cats != "" {
			fmt.Fprintf(&b, "; last diagnostics: %s", cats)
		}
	}
	return b.String()
}

// categoryList renders "category xN" pairs in stable order.
func categoryList(diags []types.Diagnostic) string {
	counts := make(map[types.Category]int)
	for _, d := range diags {
		counts[d.Category]++
	}
	cats := make([]string, 0, len(counts))
	for c := range counts {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	for i, c := range cats {
		if n := counts[types.Category(c)]; n > 1 {
			cats[i] = fmt.Sprintf("%s x%d", c, n)
		}
	}
	return strings.Join(cats, ", ")
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// WriteRunReport writes the report as JSON to the specified path.
// If path is "-", writes to stderr.
func WriteRunReport(report *types.RunReport, path string) error {
	if path == "" {
		return errors.New("report path must not be empty")
	}

	if path == "-" {
		if err := writeRunReportTo(report, os.Stderr); err != nil {
			return fmt.Errorf("failed to write report to stderr: %w", err)
		}
		return nil
	}

	data, err := MarshalRunReport(report)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return nil
}

// MarshalRunReport encodes a report as indented JSON with a trailing newline.
func MarshalRunReport(report *types.RunReport) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return append(data, '\n'), nil
}

// writeRunReportTo writes report JSON to any writer.
func writeRunReportTo(report *types.RunReport, w io.Writer) error {
	data, err := MarshalRunReport(report)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
