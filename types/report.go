//nolint:revive // types is a common Go package naming convention
package types

import "time"

// AttemptSummary is the per-attempt entry of a RunReport.
type AttemptSummary struct {
	Index       int            `json:"index" yaml:"index"`
	Outcome     Outcome        `json:"outcome" yaml:"outcome"`
	Rerun       bool           `json:"rerun" yaml:"rerun"`
	ExitCode    int            `json:"exit_code" yaml:"exit_code"`
	SourceHash  SourceHash     `json:"source_hash" yaml:"source_hash"`
	DurationMs  int64          `json:"duration_ms" yaml:"duration_ms"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	Diagnostics map[string]int `json:"diagnostics" yaml:"diagnostics"`
	Fatal       int            `json:"fatal" yaml:"fatal"`
	Warnings    int            `json:"warnings" yaml:"warnings"`
	Artifacts   []string       `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// SourceSummary describes a source tree in a report.
type SourceSummary struct {
	Entry     string     `json:"entry" yaml:"entry"`
	Hash      SourceHash `json:"hash" yaml:"hash"`
	Files     []string   `json:"files" yaml:"files"`
	EntryText string     `json:"entry_text" yaml:"entry_text"`
	// Snapshot is the store prefix holding the full tree, when persisted.
	Snapshot string `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
}

// RunReport is the single document describing a job, written as report.json.
// It is the only job output that crosses the orchestrator boundary.
type RunReport struct {
	ContractVersion string `json:"contract_version" yaml:"contract_version"`

	JobID  string        `json:"job_id" yaml:"job_id"`
	Status JobStatus     `json:"status" yaml:"status"`
	Result RunResult     `json:"result" yaml:"result"`
	Reason FailureReason `json:"reason,omitempty" yaml:"reason,omitempty"`
	// Environmental is true when the failure stems from the execution
	// environment rather than the document content.
	Environmental bool   `json:"environmental" yaml:"environmental"`
	Message       string `json:"message" yaml:"message"`

	TotalAttempts   int `json:"total_attempts" yaml:"total_attempts"`
	InitialBudget   int `json:"initial_budget" yaml:"initial_budget"`
	RemainingBudget int `json:"remaining_budget" yaml:"remaining_budget"`

	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	DurationMs int64     `json:"duration_ms" yaml:"duration_ms"`

	LastSource *SourceSummary   `json:"last_source,omitempty" yaml:"last_source,omitempty"`
	Attempts   []AttemptSummary `json:"attempts" yaml:"attempts"`

	// LastDiagnostics is the diagnostic set of the final attempt.
	LastDiagnostics []Diagnostic `json:"last_diagnostics,omitempty" yaml:"last_diagnostics,omitempty"`
	// ResidualWarnings are the non-fatal diagnostics left on a successful build.
	ResidualWarnings []Diagnostic `json:"residual_warnings,omitempty" yaml:"residual_warnings,omitempty"`

	// Artifacts are the store keys of the produced outputs on success.
	Artifacts []string `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`

	// InfraError is the first infrastructure error, unredacted.
	InfraError string `json:"infra_error,omitempty" yaml:"infra_error,omitempty"`
	// OriginalSource is the submitted tree, byte for byte, on infrastructure failure.
	OriginalSource *SourceSnapshot `json:"original_source,omitempty" yaml:"original_source,omitempty"`
}

// IsTerminal reports whether the report describes a finished job.
func (r *RunReport) IsTerminal() bool {
	return r.Status.IsTerminal()
}
