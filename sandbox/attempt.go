package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pithecene-io/kiln/types"
)

// launcher builds the process for one compile step inside a staged scratch
// directory. The returned hook, if any, runs when the step is killed.
type launcher func(ctx context.Context, s *scratch, spec *types.SandboxSpec, step []string) (*exec.Cmd, func(), error)

// exitInspector maps a finished step to an infrastructure error, or nil
// when the exit belongs to the document.
type exitInspector func(step []string, res *stepResult) *InfraError

// runAttempt stages the SandboxSpec, runs every compile step under its time
// limit and collects the outputs. Shared by all engines.
func runAttempt(ctx context.Context, scratchBase string, compiler Compiler, spec *types.SandboxSpec, launch launcher, inspect exitInspector) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("attempt cancelled before start: %w", err)
	}

	started := time.Now()
	s, err := stage(scratchBase, spec)
	if err != nil {
		return nil, &InfraError{Op: "stage", Err: err}
	}
	defer func() { _ = s.remove() }()

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if spec.TimeLimit > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, spec.TimeLimit)
	}
	defer cancel()

	res := &Result{}
	var stdout, stderr bytes.Buffer
	var trailer []byte

	steps := compiler.Steps(spec)
	for i, step := range steps {
		cmd, onKill, err := launch(attemptCtx, s, spec, step)
		if err != nil {
			return nil, &InfraError{Op: "prepare " + step[0], Err: err}
		}

		sr, err := runStep(attemptCtx, cmd, onKill)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("attempt cancelled: %w", ctx.Err())
		}
		if err != nil {
			return nil, &InfraError{Op: "run " + step[0], Err: err}
		}

		stdout.Write(sr.Stdout)
		stderr.Write(sr.Stderr)
		res.ExitCode = sr.ExitCode

		if attemptCtx.Err() != nil {
			res.TimedOut = true
			break
		}
		if inspect != nil {
			if ie := inspect(step, sr); ie != nil {
				return nil, ie
			}
		}
		if sr.ExitCode != 0 {
			// A failing non-LaTeX step (bibliography) is not reflected in
			// the .log, so its output is appended for the parser.
			if i > 0 && i < len(steps)-1 {
				trailer = bibliographyTrailer(step, sr)
			}
			break
		}
	}

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	if err := s.collect(spec, res.Stdout, res); err != nil {
		return nil, &InfraError{Op: "collect", Err: err}
	}
	if len(trailer) > 0 {
		res.LogText += "\n" + string(trailer)
	}
	res.Duration = time.Since(started)
	return res, nil
}

// bibliographyTrailer is the output of a failed bibliography pass followed by
// a "!" error line, so the failure stays fatal when none of the tool's own
// messages are recognised.
func bibliographyTrailer(step []string, sr *stepResult) []byte {
	var b bytes.Buffer
	b.Write(sr.Stdout)
	b.Write(sr.Stderr)
	if b.Len() > 0 && !bytes.HasSuffix(b.Bytes(), []byte("\n")) {
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "! Bibliography pass %s exited with status %d.\n", filepath.Base(step[0]), sr.ExitCode)
	return b.Bytes()
}
