//nolint:revive // types is a common Go package naming convention
package types

// Severity is the impact level of a diagnostic.
type Severity string

const (
	// SeverityFatal marks a defect in the source itself.
	SeverityFatal Severity = "fatal"
	// SeverityWarning marks a condition that may resolve on its own (e.g. on rerun).
	SeverityWarning Severity = "warning"
	// SeverityInfo marks a cosmetic condition with no effect on the output structure.
	SeverityInfo Severity = "info"
)

// Category is the closed set of diagnostic kinds recognised in compiler logs.
// New kinds are added here and registered in the diag rule table.
type Category string

const (
	CategoryMissingPackage           Category = "missing-package"
	CategoryUndefinedControlSequence Category = "undefined-control-sequence"
	CategoryUndefinedReference       Category = "undefined-reference"
	CategoryLabelMayHaveChanged      Category = "label-may-have-changed"
	CategoryAuxiliaryFileChanged     Category = "auxiliary-file-changed"
	CategoryFontSubstitution         Category = "font-substitution"
	CategoryUnclassifiedWarning      Category = "unclassified-warning"
	CategoryUnclassifiedFatal        Category = "unclassified-fatal"
)

// Remediation is the default action a diagnostic calls for.
type Remediation string

const (
	// RemediationRepair requires rewriting the source.
	RemediationRepair Remediation = "repair"
	// RemediationRerun is resolved by compiling the same source again.
	RemediationRerun Remediation = "rerun"
	// RemediationNone needs no action.
	RemediationNone Remediation = "none"
)

// Diagnostic is one structured entry extracted from a compiler log.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Category Category `json:"category"`
	// Line is the originating input line, 0 when unknown.
	Line int `json:"line,omitempty"`
	// Package is the LaTeX package (or missing file stem) the entry refers to.
	Package string `json:"package,omitempty"`
	// Message is the verbatim log text of the entry.
	Message string `json:"message"`
	// Symptom is true when the entry is a consequence of an earlier root cause.
	Symptom bool `json:"symptom,omitempty"`
}

// IsFatal reports whether the diagnostic has fatal severity.
func (d Diagnostic) IsFatal() bool {
	return d.Severity == SeverityFatal
}

// HasFatal reports whether any diagnostic is fatal.
func HasFatal(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.IsFatal() {
			return true
		}
	}
	return false
}
