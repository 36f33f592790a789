package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/pithecene-io/kiln/types"
)

// LocalConfig configures the local engine.
type LocalConfig struct {
	// Path is the PATH given to the compiler. Empty inherits the caller's PATH.
	Path string
	// Env are additional variables passed through to the compiler.
	Env map[string]string
	// ScratchDir is the base directory for per-attempt scratch directories.
	ScratchDir string
	// Compiler describes the compile steps.
	Compiler Compiler
}

// LocalEngine runs a locally installed toolchain in a scratch directory.
// It offers no network or resource isolation; the environment is reduced
// to an allowlist and shell escape is disabled.
type LocalEngine struct {
	config LocalConfig
}

// NewLocalEngine creates a local engine.
func NewLocalEngine(config LocalConfig) *LocalEngine {
	if config.Path == "" {
		config.Path = os.Getenv("PATH")
	}
	config.Compiler = config.Compiler.withDefaults()
	return &LocalEngine{config: config}
}

// Run implements Engine.
func (e *LocalEngine) Run(ctx context.Context, spec *types.SandboxSpec) (*Result, error) {
	resolved := make(map[string]string)
	for _, step := range e.config.Compiler.Steps(spec) {
		if _, ok := resolved[step[0]]; ok {
			continue
		}
		bin, err := e.lookPath(step[0])
		if err != nil {
			return nil, &InfraError{Op: "compiler lookup", Err: err}
		}
		resolved[step[0]] = bin
	}

	launch := func(_ context.Context, s *scratch, spec *types.SandboxSpec, step []string) (*exec.Cmd, func(), error) {
		cmd := exec.Command(resolved[step[0]], step[1:]...)
		cmd.Dir = s.dir
		cmd.Env = e.environ(s.dir)
		if err := e.dropPrivileges(cmd, s.dir, spec.Identity); err != nil {
			return nil, nil, err
		}
		return cmd, nil, nil
	}
	return runAttempt(ctx, e.config.ScratchDir, e.config.Compiler, spec, launch, inspectLocalExit)
}

// lookPath resolves a compiler binary against the configured PATH.
func (e *LocalEngine) lookPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return exec.LookPath(name)
	}
	for _, dir := range filepath.SplitList(e.config.Path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if bin, err := exec.LookPath(candidate); err == nil {
			return bin, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

// environ returns the allowlisted compiler environment.
func (e *LocalEngine) environ(dir string) []string {
	env := map[string]string{
		"PATH":         e.config.Path,
		"HOME":         dir,
		"TEXMFVAR":     filepath.Join(dir, ".texmf-var"),
		"openout_any":  "p",
		"shell_escape": "f",
	}
	for k, v := range e.config.Env {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// dropPrivileges switches to the configured identity when running as root.
func (e *LocalEngine) dropPrivileges(cmd *exec.Cmd, dir, identity string) error {
	if identity == "" || os.Geteuid() != 0 {
		return nil
	}
	uid, gid, err := parseIdentity(identity)
	if err != nil {
		return err
	}
	err = filepath.WalkDir(dir, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(p, int(uid), int(gid))
	})
	if err != nil {
		return fmt.Errorf("failed to hand scratch directory to %s: %w", identity, err)
	}
	setCredential(cmd, uid, gid)
	return nil
}

func inspectLocalExit(step []string, res *stepResult) *InfraError {
	if res.ExitCode == exitNotExecutable || res.ExitCode == exitNotFound {
		return &InfraError{Op: "run " + step[0], Stderr: string(res.Stderr), Err: fmt.Errorf("exit status %d", res.ExitCode)}
	}
	return nil
}

var _ Engine = (*LocalEngine)(nil)
