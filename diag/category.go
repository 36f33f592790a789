// Package diag turns raw LaTeX compiler logs into structured diagnostics.
//
// Diagnostics are a closed set of categories (types.Category), each with a
// fixed severity and default remediation. Log entries that match no rule are
// kept as unclassified-warning or unclassified-fatal; nothing is dropped.
package diag

import "github.com/pithecene-io/kiln/types"

// categoryInfo is the fixed severity and remediation of a category.
type categoryInfo struct {
	severity    types.Severity
	remediation types.Remediation
}

var categories = map[types.Category]categoryInfo{
	types.CategoryMissingPackage:           {types.SeverityFatal, types.RemediationRepair},
	types.CategoryUndefinedControlSequence: {types.SeverityFatal, types.RemediationRepair},
	types.CategoryUndefinedReference:       {types.SeverityWarning, types.RemediationRerun},
	types.CategoryLabelMayHaveChanged:      {types.SeverityWarning, types.RemediationRerun},
	types.CategoryAuxiliaryFileChanged:     {types.SeverityWarning, types.RemediationRerun},
	types.CategoryFontSubstitution:         {types.SeverityInfo, types.RemediationNone},
	types.CategoryUnclassifiedWarning:      {types.SeverityWarning, types.RemediationNone},
	types.CategoryUnclassifiedFatal:        {types.SeverityFatal, types.RemediationRepair},
}

// Categories returns every known category.
func Categories() []types.Category {
	return []types.Category{
		types.CategoryMissingPackage,
		types.CategoryUndefinedControlSequence,
		types.CategoryUndefinedReference,
		types.CategoryLabelMayHaveChanged,
		types.CategoryAuxiliaryFileChanged,
		types.CategoryFontSubstitution,
		types.CategoryUnclassifiedWarning,
		types.CategoryUnclassifiedFatal,
	}
}

// SeverityOf returns the fixed severity of a category.
// Unknown categories are treated as fatal.
func SeverityOf(c types.Category) types.Severity {
	if info, ok := categories[c]; ok {
		return info.severity
	}
	return types.SeverityFatal
}

// RemediationOf returns the default remediation of a category.
func RemediationOf(c types.Category) types.Remediation {
	if info, ok := categories[c]; ok {
		return info.remediation
	}
	return types.RemediationRepair
}

// New builds a diagnostic with the category's fixed severity.
func New(c types.Category, message string) types.Diagnostic {
	return types.Diagnostic{
		Severity: SeverityOf(c),
		Category: c,
		Message:  message,
	}
}
