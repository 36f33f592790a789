package diag

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pithecene-io/kiln/types"
)

// maxPrintLine is TeX's default max_print_line; longer log lines are hard-wrapped.
const maxPrintLine = 79

// lineContextWindow is how far past an error marker the parser looks for "l.<n>".
const lineContextWindow = 8

// entryKind is the marker class of a log line.
type entryKind int

const (
	kindNone entryKind = iota
	kindError
	kindWarning
)

// rule maps an entry body to a category.
type rule struct {
	category types.Category
	pattern  *regexp.Regexp
	// pkg is the submatch index holding the package name, 0 for none.
	pkg int
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{types.CategoryMissingPackage, regexp.MustCompile(`LaTeX Error: File ` + "`" + `([^']+)\.(?:sty|cls)' not found`), 1},
	{types.CategoryUndefinedControlSequence, regexp.MustCompile(`Undefined control sequence`), 0},
	{types.CategoryUndefinedReference, regexp.MustCompile(`(?:Reference|Citation) ` + "`" + `[^']*' on page \S+ undefined`), 0},
	{types.CategoryUndefinedReference, regexp.MustCompile(`There were undefined (?:references|citations)`), 0},
	{types.CategoryUndefinedReference, regexp.MustCompile(`I didn't find a database entry for`), 0},
	{types.CategoryLabelMayHaveChanged, regexp.MustCompile(`Label\(s\) may have changed|Rerun to get cross-references right`), 0},
	{types.CategoryAuxiliaryFileChanged, regexp.MustCompile(`^Package rerunfilecheck Warning`), 0},
	{types.CategoryAuxiliaryFileChanged, regexp.MustCompile(`Rerun to get|[Pp]lease (?:re)?run LaTeX|Rerun LaTeX`), 0},
	{types.CategoryFontSubstitution, regexp.MustCompile(`^LaTeX Font Warning|^Package fontspec Warning|^Missing character: There is no`), 0},
}

var (
	warningMarker  = regexp.MustCompile(`^(?:LaTeX(?: Font)?|Package (\S+)|Class (\S+)|pdfTeX|XeTeX) [Ww]arning:`)
	bibtexWarning  = regexp.MustCompile(`^Warning--`)
	fileLineError  = regexp.MustCompile(`^(?:\./)?[^\s:]+\.(?:tex|sty|cls|ltx):(\d+): (.*)$`)
	packageError   = regexp.MustCompile(`(?:Package|Class) (\S+) Error:`)
	inputLine      = regexp.MustCompile(`on input line (\d+)`)
	contextLine    = regexp.MustCompile(`^l\.(\d+)`)
	missingChar    = regexp.MustCompile(`^Missing character: There is no`)
	genericError   = regexp.MustCompile(`(?:^|\s)Error:|Fatal error|^No pages of output`)
	bibError       = regexp.MustCompile(`^I couldn't open|^I found no \\|^ERROR - |^\(There (?:was|were) \d+ error messages?\)`)
	terminalNoise  = regexp.MustCompile(`Emergency stop|==> Fatal error occurred|No pages of output|job aborted|^\(There (?:was|were) \d+ error messages?\)|^Bibliography pass .* exited with status`)
	undefinedSumm  = regexp.MustCompile(`There were undefined (?:references|citations)`)
	continuationOf = func(pkg string) string { return "(" + pkg + ")" }
)

// Parse scans the whole log and returns every diagnostic entry in log order.
// exitCode decides how unmatched error markers are classified: fatal when the
// compiler exited non-zero, warning otherwise.
func Parse(log string, exitCode int) []types.Diagnostic {
	lines := splitLines(log)
	var diags []types.Diagnostic

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		kind, body, lineNo := classifyLine(line)
		if kind == kindNone {
			continue
		}

		var pkg string
		switch kind {
		case kindWarning:
			if m := warningMarker.FindStringSubmatch(line); m != nil {
				pkg = firstNonEmpty(m[1], m[2])
			}
			// Join hard-wrapped and package continuation lines.
			for i+1 < len(lines) && isContinuation(lines[i], lines[i+1], pkg) {
				i++
				body += " " + strings.TrimSpace(strings.TrimPrefix(lines[i], continuationOf(pkg)))
			}
		case kindError:
			if m := packageError.FindStringSubmatch(body); m != nil {
				pkg = m[1]
			}
			if lineNo == 0 {
				if n, ctx := findContextLine(lines, i+1); n > 0 {
					lineNo = n
					body += "\n" + ctx
				}
			}
		}

		d := classifyEntry(kind, body, exitCode)
		if d.Package == "" {
			d.Package = pkg
		}
		if d.Line == 0 {
			d.Line = lineNo
		}
		if d.Line == 0 {
			if m := inputLine.FindStringSubmatch(body); m != nil {
				d.Line, _ = strconv.Atoi(m[1])
			}
		}
		diags = append(diags, d)
	}

	if exitCode != 0 && len(diags) == 0 {
		diags = append(diags, truncatedLogDiagnostic(lines, exitCode))
	}

	markSymptoms(diags)
	return diags
}

// classifyLine detects whether a line opens a log entry.
// Returns the entry body (marker prefix removed for errors) and a line
// number when the line carries one (file-line-error format).
func classifyLine(line string) (entryKind, string, int) {
	switch {
	case strings.HasPrefix(line, "!"):
		return kindError, strings.TrimSpace(strings.TrimPrefix(line, "!")), 0
	case fileLineError.MatchString(line):
		m := fileLineError.FindStringSubmatch(line)
		n, _ := strconv.Atoi(m[1])
		return kindError, m[2], n
	case warningMarker.MatchString(line), bibtexWarning.MatchString(line), missingChar.MatchString(line):
		return kindWarning, line, 0
	case bibError.MatchString(line), genericError.MatchString(line):
		return kindError, strings.TrimSpace(line), 0
	default:
		return kindNone, "", 0
	}
}

// classifyEntry applies the rule table to an entry body.
func classifyEntry(kind entryKind, body string, exitCode int) types.Diagnostic {
	for _, r := range rules {
		m := r.pattern.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		d := New(r.category, body)
		if r.pkg > 0 && r.pkg < len(m) {
			d.Package = m[r.pkg]
		}
		return d
	}

	if kind == kindError && exitCode != 0 {
		return New(types.CategoryUnclassifiedFatal, body)
	}
	return New(types.CategoryUnclassifiedWarning, body)
}

// isContinuation reports whether next continues the entry ending at prev.
func isContinuation(prev, next, pkg string) bool {
	if strings.TrimSpace(next) == "" {
		return false
	}
	if pkg != "" && strings.HasPrefix(next, continuationOf(pkg)) {
		return true
	}
	if len(prev) < maxPrintLine {
		return false
	}
	kind, _, _ := classifyLine(next)
	return kind == kindNone
}

// findContextLine looks for TeX's "l.<n> <context>" line after an error marker.
func findContextLine(lines []string, from int) (int, string) {
	for j := from; j < len(lines) && j < from+lineContextWindow; j++ {
		if strings.HasPrefix(lines[j], "!") {
			return 0, ""
		}
		if m := contextLine.FindStringSubmatch(lines[j]); m != nil {
			n, _ := strconv.Atoi(m[1])
			return n, strings.TrimSpace(lines[j])
		}
	}
	return 0, ""
}

// truncatedLogDiagnostic represents a failed compile whose log yielded nothing.
func truncatedLogDiagnostic(lines []string, exitCode int) types.Diagnostic {
	for j := len(lines) - 1; j >= 0; j-- {
		if s := strings.TrimSpace(lines[j]); s != "" {
			return New(types.CategoryUnclassifiedFatal, s)
		}
	}
	return New(types.CategoryUnclassifiedFatal,
		fmt.Sprintf("compiler exited with status %d and produced no log output", exitCode))
}

// markSymptoms flags entries that follow from an earlier root cause.
func markSymptoms(diags []types.Diagnostic) {
	var sawMissingPackage, sawFatal, sawReference bool
	for i := range diags {
		d := &diags[i]
		switch {
		case d.Category == types.CategoryUndefinedControlSequence && sawMissingPackage:
			d.Symptom = true
		case sawFatal && terminalNoise.MatchString(d.Message):
			d.Symptom = true
		case sawReference && undefinedSumm.MatchString(d.Message):
			d.Symptom = true
		}

		if d.Symptom {
			continue
		}
		switch d.Category {
		case types.CategoryMissingPackage:
			sawMissingPackage = true
		case types.CategoryUndefinedReference:
			sawReference = true
		}
		if d.IsFatal() {
			sawFatal = true
		}
	}
}

func splitLines(log string) []string {
	log = strings.ReplaceAll(log, "\r\n", "\n")
	lines := strings.Split(log, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return lines
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
