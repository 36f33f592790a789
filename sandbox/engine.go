// Package sandbox runs LaTeX compile attempts in isolated, time-bounded environments.
//
// Each attempt gets a fresh scratch directory populated from a types.SandboxSpec.
// The scratch directory is removed before Run returns; outputs are copied into
// the Result first. Two engines are provided: DockerEngine (default) runs the
// compiler in a throwaway container with networking disabled, LocalEngine runs
// a locally installed toolchain with a reduced environment.
package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pithecene-io/kiln/types"
)

// Engine runs one compile attempt.
//
// Run returns a *InfraError when the environment could not be provisioned,
// and an error wrapping context.Canceled when ctx is cancelled mid-attempt.
// A timed-out attempt is not an error: Result.TimedOut is set instead.
type Engine interface {
	Run(ctx context.Context, spec *types.SandboxSpec) (*Result, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, spec *types.SandboxSpec) (*Result, error)

// Run calls f(ctx, spec).
func (f EngineFunc) Run(ctx context.Context, spec *types.SandboxSpec) (*Result, error) {
	return f(ctx, spec)
}

// Result is the raw evidence of one attempt.
type Result struct {
	// ExitCode is the exit code of the last step that ran.
	ExitCode int
	// Stdout and Stderr are the concatenated outputs of all steps.
	Stdout []byte
	Stderr []byte
	// LogText is the compiler's <jobname>.log, or stdout when no log was written.
	LogText string
	// Artifacts are rendered outputs keyed by scratch-relative path.
	Artifacts map[string][]byte
	// Aux are auxiliary pass files to carry into a rerun.
	Aux map[string][]byte
	// TimedOut is set when the time limit expired and the attempt was killed.
	TimedOut bool
	// Duration is the wall-clock time of the attempt.
	Duration time.Duration
}

// HasArtifact reports whether the named artifact was produced and is non-empty.
func (r *Result) HasArtifact(name string) bool {
	if r == nil {
		return false
	}
	data, ok := r.Artifacts[name]
	return ok && len(data) > 0
}

// InfraError reports that the sandbox itself failed, independent of the document.
type InfraError struct {
	// Op names the failed operation (e.g. "stage", "docker run").
	Op string
	// Stderr is the verbatim diagnostic output of the failed operation, if any.
	Stderr string
	// Err is the underlying cause.
	Err error
}

func (e *InfraError) Error() string {
	msg := fmt.Sprintf("sandbox %s failed", e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// parseIdentity parses a "uid:gid" execution identity.
func parseIdentity(identity string) (uint32, uint32, error) {
	uidStr, gidStr, ok := strings.Cut(identity, ":")
	if !ok {
		gidStr = uidStr
	}
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid identity %q: %w", identity, err)
	}
	gid, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid identity %q: %w", identity, err)
	}
	return uint32(uid), uint32(gid), nil
}
