//nolint:revive // types is a common Go package naming convention
package types

import "time"

// Outcome is the classification of a single compile attempt.
type Outcome string

const (
	// OutcomeSuccess indicates a clean build with an artifact and no diagnostics.
	OutcomeSuccess Outcome = "success"
	// OutcomeSucceededWithWarnings indicates an artifact with only non-fatal diagnostics.
	OutcomeSucceededWithWarnings Outcome = "succeeded_with_warnings"
	// OutcomeContentDefect indicates the source must be rewritten.
	OutcomeContentDefect Outcome = "content_defect"
	// OutcomeTimedOut indicates the attempt exceeded its time limit.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeInfrastructureFailure indicates the sandbox could not be provisioned.
	OutcomeInfrastructureFailure Outcome = "infrastructure_failure"
	// OutcomeCancelled indicates the job was cancelled while the attempt ran.
	OutcomeCancelled Outcome = "cancelled"
)

// CompileAttempt is one recorded execution of the compiler.
// Immutable once appended to a RunState.
type CompileAttempt struct {
	// Index is the 1-based ordinal of the attempt within its job.
	Index int `json:"index"`
	// Source is the exact tree submitted to the sandbox.
	Source SourceTree `json:"-"`
	// SourceHash is Source.Hash().
	SourceHash SourceHash `json:"source_hash"`
	// Rerun is true for the automatic multi-pass rerun of an unchanged source.
	Rerun bool `json:"rerun"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"-"`
	Stderr   []byte `json:"-"`

	Diagnostics []Diagnostic `json:"diagnostics"`
	Outcome     Outcome      `json:"outcome"`

	// ArtifactPaths are the store keys of produced outputs (primary first).
	ArtifactPaths []string `json:"artifact_paths,omitempty"`
	// InfraError is the verbatim provisioning error for infrastructure failures.
	InfraError string `json:"infra_error,omitempty"`
}

// Duration returns the wall-clock time of the attempt.
func (a *CompileAttempt) Duration() time.Duration {
	return a.EndedAt.Sub(a.StartedAt)
}
