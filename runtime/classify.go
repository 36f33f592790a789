package runtime

import (
	"github.com/pithecene-io/kiln/diag"
	"github.com/pithecene-io/kiln/types"
)

// ClassifyInput is the evidence of one attempt.
type ClassifyInput struct {
	// InfraFailure is set when the sandbox could not be provisioned.
	InfraFailure bool
	// TimedOut is set when the attempt hit its time limit.
	TimedOut bool
	// Cancelled is set when the job was cancelled while the attempt ran.
	Cancelled bool
	// ExitCode is the compiler exit code.
	ExitCode int
	// Diagnostics are the parsed log entries.
	Diagnostics []types.Diagnostic
	// ArtifactProduced is set when the primary output exists and is non-empty.
	ArtifactProduced bool
}

// Classify maps attempt evidence to an outcome.
//
// The exit code is never trusted on its own: a zero exit without an artifact
// is a content defect, and a non-zero exit that still rendered a document
// with only non-fatal diagnostics is a success with warnings.
//
// Precedence (first match wins):
//   - cancelled
//   - infrastructure failure
//   - timed out
//   - any fatal diagnostic, or no artifact with a non-zero exit: content defect
//   - no artifact with a zero exit: content defect
//   - artifact with no diagnostics: success
//   - artifact with only non-fatal diagnostics: succeeded with warnings
func Classify(in ClassifyInput) types.Outcome {
	switch {
	case in.Cancelled:
		return types.OutcomeCancelled
	case in.InfraFailure:
		return types.OutcomeInfrastructureFailure
	case in.TimedOut:
		return types.OutcomeTimedOut
	case types.HasFatal(in.Diagnostics):
		return types.OutcomeContentDefect
	case !in.ArtifactProduced:
		return types.OutcomeContentDefect
	case len(in.Diagnostics) == 0:
		return types.OutcomeSuccess
	default:
		return types.OutcomeSucceededWithWarnings
	}
}

// NeedsRerun reports whether an unchanged rerun is expected to resolve the
// diagnostics. Purely cosmetic warnings do not trigger one.
func NeedsRerun(diags []types.Diagnostic) bool {
	return diag.NeedsRerun(diags)
}

// IsSuccess reports whether the outcome produced a usable artifact.
func IsSuccess(o types.Outcome) bool {
	return o == types.OutcomeSuccess || o == types.OutcomeSucceededWithWarnings
}
