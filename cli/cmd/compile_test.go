package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/reader"
	"github.com/pithecene-io/kiln/types"
)

// cleanCompiler writes a warning-free log and a PDF for its entry argument.
const cleanCompiler = `#!/bin/sh
entry="$1"
job="${entry%.tex}"
echo "This is fake TeX" > "$job.log"
echo "Output written on $job.pdf (1 page)." >> "$job.log"
printf 'PDF' > "$job.pdf"
echo "compiled $entry"
exit 0
`

// brokenCompiler reports an undefined control sequence and produces no PDF.
const brokenCompiler = `#!/bin/sh
entry="$1"
job="${entry%.tex}"
printf '! Undefined control sequence.\nl.3 \\foo\n' > "$job.log"
echo "fatal error on stderr" >&2
exit 1
`

type testEnv struct {
	dir     string
	source  string
	storage string
	config  string
}

// newTestEnv writes a source tree, a fake compiler and a kiln.yaml using
// the local engine with fs storage under a temp directory.
func newTestEnv(t *testing.T, compiler string) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes require a POSIX shell")
	}
	dir := t.TempDir()
	env := &testEnv{
		dir:     dir,
		source:  filepath.Join(dir, "src"),
		storage: filepath.Join(dir, "store"),
		config:  filepath.Join(dir, "kiln.yaml"),
	}
	if err := os.MkdirAll(env.source, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.source, "main.tex"), []byte("\\documentclass{article}\n\\begin{document}\nhi\n\\end{document}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(dir, "fakelatex")
	if err := os.WriteFile(bin, []byte(compiler), 0o755); err != nil {
		t.Fatal(err)
	}
	scratch := filepath.Join(dir, "scratch")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatal(err)
	}

	yaml := fmt.Sprintf(`engine: local
scratch_dir: %s
compiler:
  latex: [%s]
  bibliography: never
limits:
  time_limit: 30s
retry:
  budget: 0
storage:
  backend: fs
  path: %s
log:
  level: error
`, scratch, bin, env.storage)
	if err := os.WriteFile(env.config, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return env
}

// newTestApp creates a cli.App with every command wired up and ExitErrHandler
// suppressed so errors are returned instead of calling os.Exit.
func newTestApp(out *bytes.Buffer) *cli.App {
	app := cli.NewApp()
	app.Name = "kiln"
	app.Commands = []*cli.Command{
		CompileCommand(),
		InspectCommand(),
		ListCommand(),
		StatsCommand(),
		VersionCommand("abc123"),
	}
	app.Writer = out
	app.ErrWriter = &bytes.Buffer{}
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

func readReport(t *testing.T, path string) *types.RunReport {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report types.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return &report
}

func TestCompile_SucceedsAndIsInspectable(t *testing.T) {
	env := newTestEnv(t, cleanCompiler)
	reportPath := filepath.Join(env.dir, "report.json")
	pdfPath := filepath.Join(env.dir, "out.pdf")
	metricsPath := filepath.Join(env.dir, "kiln.prom")

	var out bytes.Buffer
	err := newTestApp(&out).Run([]string{"kiln", "compile",
		"--config", env.config,
		"--source", env.source,
		"--report", reportPath,
		"--output", pdfPath,
		"--metrics-file", metricsPath,
	})
	if err != nil {
		t.Fatalf("compile: %v (output: %s)", err, out.String())
	}

	report := readReport(t, reportPath)
	if report.Status != types.JobStatusSucceeded || report.TotalAttempts != 1 {
		t.Fatalf("unexpected report: status=%s attempts=%d message=%s", report.Status, report.TotalAttempts, report.Message)
	}
	if !strings.Contains(out.String(), "status=succeeded") {
		t.Errorf("summary missing status: %s", out.String())
	}
	if pdf, err := os.ReadFile(pdfPath); err != nil || string(pdf) != "PDF" {
		t.Errorf("--output should hold the PDF, got %q, %v", pdf, err)
	}
	if _, err := os.Stat(metricsPath); err != nil {
		t.Errorf("metrics file not written: %v", err)
	}

	out.Reset()
	err = newTestApp(&out).Run([]string{"kiln", "inspect", "--config", env.config, "--format", "json", report.JobID})
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var inspected types.RunReport
	if err := json.Unmarshal(out.Bytes(), &inspected); err != nil {
		t.Fatalf("inspect output is not a report: %v\n%s", err, out.String())
	}
	if inspected.JobID != report.JobID || inspected.Status != types.JobStatusSucceeded {
		t.Errorf("inspect returned %s/%s", inspected.JobID, inspected.Status)
	}

	out.Reset()
	err = newTestApp(&out).Run([]string{"kiln", "inspect", "--config", env.config, "--attempt", "1", report.JobID})
	if err != nil {
		t.Fatalf("inspect --attempt: %v", err)
	}
	if !strings.Contains(out.String(), "compiled main.tex") {
		t.Errorf("attempt log should hold compiler stdout, got %q", out.String())
	}

	out.Reset()
	err = newTestApp(&out).Run([]string{"kiln", "list", "--config", env.config, "--format", "json"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var items []reader.ListJobItem
	if err := json.Unmarshal(out.Bytes(), &items); err != nil {
		t.Fatalf("list output: %v\n%s", err, out.String())
	}
	if len(items) != 1 || items[0].JobID != report.JobID || items[0].Status != "succeeded" {
		t.Errorf("unexpected list: %+v", items)
	}

	out.Reset()
	err = newTestApp(&out).Run([]string{"kiln", "stats", "--config", env.config, "--format", "json"})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats reader.JobStats
	if err := json.Unmarshal(out.Bytes(), &stats); err != nil {
		t.Fatalf("stats output: %v\n%s", err, out.String())
	}
	if stats.Total != 1 || stats.Succeeded != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCompile_ContentDefectExitsOne(t *testing.T) {
	env := newTestEnv(t, brokenCompiler)
	reportPath := filepath.Join(env.dir, "report.json")
	pdfPath := filepath.Join(env.dir, "out.pdf")

	var out bytes.Buffer
	err := newTestApp(&out).Run([]string{"kiln", "compile",
		"--config", env.config,
		"--source", env.source,
		"--report", reportPath,
		"--output", pdfPath,
	})
	if got := exitCode(err); got != exitContentDefect {
		t.Fatalf("expected exit %d, got %d (%v)", exitContentDefect, got, err)
	}

	report := readReport(t, reportPath)
	if report.Reason != types.FailureContentDefect || report.TotalAttempts != 1 {
		t.Errorf("unexpected report: reason=%s attempts=%d", report.Reason, report.TotalAttempts)
	}
	if len(report.LastDiagnostics) == 0 || report.LastDiagnostics[0].Category != types.CategoryUndefinedControlSequence {
		t.Errorf("expected undefined-control-sequence, got %+v", report.LastDiagnostics)
	}
	if !strings.Contains(out.String(), "undefined-control-sequence") {
		t.Errorf("summary should list diagnostics: %s", out.String())
	}
	if _, err := os.Stat(pdfPath); !os.IsNotExist(err) {
		t.Error("--output must not be written for a failed job")
	}

	out.Reset()
	err = newTestApp(&out).Run([]string{"kiln", "inspect", "--config", env.config,
		"--attempt", "1", "--stream", "stderr", report.JobID})
	if err != nil {
		t.Fatalf("inspect stderr: %v", err)
	}
	if !strings.Contains(out.String(), "fatal error on stderr") {
		t.Errorf("stderr log missing, got %q", out.String())
	}
}

func TestCompile_BudgetFlagOverridesConfig(t *testing.T) {
	env := newTestEnv(t, brokenCompiler)
	reportPath := filepath.Join(env.dir, "report.json")

	var out bytes.Buffer
	err := newTestApp(&out).Run([]string{"kiln", "compile",
		"--config", env.config,
		"--source", env.source,
		"--budget", "2",
		"--report", reportPath,
		"--quiet",
	})
	if got := exitCode(err); got != exitContentDefect {
		t.Fatalf("expected exit %d, got %d (%v)", exitContentDefect, got, err)
	}
	report := readReport(t, reportPath)
	// Unavailable repair consumes budget without changing the source.
	if report.InitialBudget != 2 || report.TotalAttempts != 3 {
		t.Errorf("budget 2 should allow 3 attempts, got budget=%d attempts=%d", report.InitialBudget, report.TotalAttempts)
	}
	if out.Len() != 0 {
		t.Errorf("--quiet should suppress the summary, got %q", out.String())
	}
}

func TestCompile_MissingCompilerIsInfrastructure(t *testing.T) {
	env := newTestEnv(t, cleanCompiler)
	if err := os.Remove(filepath.Join(env.dir, "fakelatex")); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err := newTestApp(&out).Run([]string{"kiln", "compile", "--config", env.config, "--source", env.source})
	if got := exitCode(err); got != exitInfrastructure {
		t.Fatalf("expected exit %d, got %d (%v)", exitInfrastructure, got, err)
	}
}

func TestCompile_SetupErrors(t *testing.T) {
	env := newTestEnv(t, cleanCompiler)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing entry", []string{"--source", env.source, "--entry", "absent.tex"}, "failed to load source"},
		{"bad engine", []string{"--source", env.source, "--engine", "podman"}, "engine must be docker or local"},
		{"negative budget", []string{"--source", env.source, "--budget", "-1"}, "retry.budget"},
		{"bad log level", []string{"--source", env.source, "--log-level", "loud"}, "invalid log level"},
		{"bad log format", []string{"--source", env.source, "--log-format", "xml"}, "log.format must be json or console"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			args := append([]string{"kiln", "compile", "--config", env.config}, tt.args...)
			err := newTestApp(&out).Run(args)
			if got := exitCode(err); got != exitInfrastructure {
				t.Fatalf("expected exit %d, got %d (%v)", exitInfrastructure, got, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestInspect_Errors(t *testing.T) {
	env := newTestEnv(t, cleanCompiler)
	var out bytes.Buffer

	if err := newTestApp(&out).Run([]string{"kiln", "inspect", "--config", env.config}); err == nil {
		t.Error("inspect without job id should fail")
	}

	err := newTestApp(&out).Run([]string{"kiln", "inspect", "--config", env.config, "01JUNKNOWN"})
	if err == nil || !strings.Contains(err.Error(), "job store not found") {
		t.Errorf("missing store should be reported, got %v", err)
	}

	if err := os.MkdirAll(env.storage, 0o755); err != nil {
		t.Fatal(err)
	}
	err = newTestApp(&out).Run([]string{"kiln", "inspect", "--config", env.config, "01JUNKNOWN"})
	if err == nil || !strings.Contains(err.Error(), "no report for job") {
		t.Errorf("unknown job should be reported, got %v", err)
	}
}

func TestList_RejectsTUI(t *testing.T) {
	env := newTestEnv(t, cleanCompiler)
	var out bytes.Buffer
	err := newTestApp(&out).Run([]string{"kiln", "list", "--config", env.config, "--tui"})
	if err == nil || !strings.Contains(err.Error(), "--tui is not supported") {
		t.Errorf("expected --tui rejection, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	if err := newTestApp(&out).Run([]string{"kiln", "version", "--format", "json"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	var resp VersionResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("version output: %v", err)
	}
	if resp.Version != types.Version || resp.Commit != "abc123" {
		t.Errorf("unexpected version response %+v", resp)
	}
}
