package sandbox

import (
	"strings"

	"github.com/pithecene-io/kiln/types"
)

// Default compiler invocation.
var (
	DefaultLaTeXCommand = []string{"xelatex", "-interaction=nonstopmode", "-halt-on-error"}
	DefaultBibCommand   = []string{"bibtex"}
)

// BibliographyMode selects when the bibliography pass runs.
type BibliographyMode string

const (
	// BibliographyAuto runs the pass when the entry references a bibliography.
	BibliographyAuto BibliographyMode = "auto"
	// BibliographyAlways always runs the pass.
	BibliographyAlways BibliographyMode = "always"
	// BibliographyNever never runs the pass.
	BibliographyNever BibliographyMode = "never"
)

// bibliographyMarkers are entry-document fragments that require a bibtex pass.
var bibliographyMarkers = []string{`\bibliography{`, `\addbibresource`, `\printbibliography`}

// Compiler describes the commands making up one attempt.
type Compiler struct {
	// LaTeX is the engine invocation; the entry document is appended.
	LaTeX []string
	// Bib is the bibliography invocation; the job name is appended.
	Bib []string
	// Bibliography selects when the bibliography pass runs.
	Bibliography BibliographyMode
}

// withDefaults fills unset fields.
func (c Compiler) withDefaults() Compiler {
	if len(c.LaTeX) == 0 {
		c.LaTeX = DefaultLaTeXCommand
	}
	if len(c.Bib) == 0 {
		c.Bib = DefaultBibCommand
	}
	if c.Bibliography == "" {
		c.Bibliography = BibliographyAuto
	}
	return c
}

// Steps returns the command lines run for one attempt, in order.
// Without a bibliography this is a single LaTeX pass; with one it is
// latex, bib, latex.
func (c Compiler) Steps(spec *types.SandboxSpec) [][]string {
	c = c.withDefaults()
	latex := appendArg(c.LaTeX, spec.Entry)
	if !c.needsBibliography(spec) {
		return [][]string{latex}
	}
	return [][]string{latex, appendArg(c.Bib, spec.JobName()), latex}
}

func (c Compiler) needsBibliography(spec *types.SandboxSpec) bool {
	switch c.Bibliography {
	case BibliographyAlways:
		return true
	case BibliographyNever:
		return false
	}
	text := string(spec.Files[spec.Entry])
	for _, marker := range bibliographyMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func appendArg(cmd []string, arg string) []string {
	out := make([]string, 0, len(cmd)+1)
	out = append(out, cmd...)
	return append(out, arg)
}
