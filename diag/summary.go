package diag

import "github.com/pithecene-io/kiln/types"

// Summary counts diagnostics by severity and category.
type Summary struct {
	Fatal      int
	Warnings   int
	Info       int
	ByCategory map[string]int
}

// Summarize counts diagnostics.
func Summarize(diags []types.Diagnostic) Summary {
	s := Summary{ByCategory: make(map[string]int)}
	for _, d := range diags {
		switch d.Severity {
		case types.SeverityFatal:
			s.Fatal++
		case types.SeverityWarning:
			s.Warnings++
		default:
			s.Info++
		}
		s.ByCategory[string(d.Category)]++
	}
	return s
}

// PrimaryCauses returns the fatal diagnostics that are not symptoms of an
// earlier entry. When every fatal entry is a symptom, all fatal entries are
// returned so a repairer never sees an empty cause list for a failed attempt.
func PrimaryCauses(diags []types.Diagnostic) []types.Diagnostic {
	var primary, fatal []types.Diagnostic
	for _, d := range diags {
		if !d.IsFatal() {
			continue
		}
		fatal = append(fatal, d)
		if !d.Symptom {
			primary = append(primary, d)
		}
	}
	if len(primary) == 0 {
		return fatal
	}
	return primary
}

// Residual returns the non-fatal diagnostics.
func Residual(diags []types.Diagnostic) []types.Diagnostic {
	var out []types.Diagnostic
	for _, d := range diags {
		if !d.IsFatal() {
			out = append(out, d)
		}
	}
	return out
}

// NeedsRerun reports whether any diagnostic asks for a plain rerun.
func NeedsRerun(diags []types.Diagnostic) bool {
	for _, d := range diags {
		if RemediationOf(d.Category) == types.RemediationRerun {
			return true
		}
	}
	return false
}
