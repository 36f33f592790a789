// Package main provides the kiln CLI entrypoint.
//
// Usage:
//
//	kiln <command> [options]
//
// Exit codes for `compile`:
//   - 0: compiled (possibly with warnings)
//   - 1: content defect, retry budget spent
//   - 2: infrastructure failure or invalid setup
//   - 3: timed out
//   - 4: cancelled
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/cmd"
	"github.com/pithecene-io/kiln/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	// A missing .env is fine; a malformed one is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: failed to load .env: %v\n", err)
		os.Exit(2)
	}

	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "kiln",
		Usage:          "Sandboxed LaTeX compile-repair orchestrator",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.CompileCommand(),
			cmd.InspectCommand(),
			cmd.ListCommand(),
			cmd.StatsCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if code, ok := handleExitErr(os.Stderr, err); ok {
		os.Exit(code)
	}
}

// handleExitErr prints err and returns the process exit code.
// It reports false for a nil error.
func handleExitErr(w io.Writer, err error) (int, bool) {
	if err == nil {
		return 0, false
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() is "exit status N"; nothing to print.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(w, msg)
		}
		return code, true
	}

	fmt.Fprintf(w, "Error: %v\n", err)
	return 1, true
}
