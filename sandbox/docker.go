package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/kiln/types"
)

// Docker defaults.
const (
	DefaultDockerBinary  = "docker"
	DefaultImage         = "autotex-compiler:latest"
	DefaultWorkdir       = "/home/latexuser/compile_env"
	DefaultMemoryBytes   = int64(1 << 30)
	DefaultPullPolicy    = "missing"
	containerNamePrefix  = "kiln-"
	containerKillTimeout = 10 * time.Second
)

// Exit codes that describe the runtime rather than the compiler (docker and POSIX shells).
const (
	exitDockerDaemon  = 125
	exitNotExecutable = 126
	exitNotFound      = 127
)

// DockerConfig configures the docker engine.
type DockerConfig struct {
	// Binary is the docker CLI path.
	Binary string
	// Image is the compiler image.
	Image string
	// Workdir is the mount point of the scratch directory inside the container.
	Workdir string
	// Pull is the image pull policy: "missing", "always" or "never".
	Pull string
	// ExtraArgs are inserted before the image name.
	ExtraArgs []string
	// ScratchDir is the base directory for per-attempt scratch directories.
	ScratchDir string
	// Compiler describes the compile steps.
	Compiler Compiler
}

// DockerEngine runs each compile step in a throwaway container.
type DockerEngine struct {
	config DockerConfig
}

// NewDockerEngine creates a docker engine, filling unset fields with defaults.
func NewDockerEngine(config DockerConfig) *DockerEngine {
	if config.Binary == "" {
		config.Binary = DefaultDockerBinary
	}
	if config.Image == "" {
		config.Image = DefaultImage
	}
	if config.Workdir == "" {
		config.Workdir = DefaultWorkdir
	}
	if config.Pull == "" {
		config.Pull = DefaultPullPolicy
	}
	config.Compiler = config.Compiler.withDefaults()
	return &DockerEngine{config: config}
}

// Run implements Engine.
func (e *DockerEngine) Run(ctx context.Context, spec *types.SandboxSpec) (*Result, error) {
	binary, err := exec.LookPath(e.config.Binary)
	if err != nil {
		return nil, &InfraError{Op: "docker lookup", Err: err}
	}
	launch := func(ctx context.Context, s *scratch, spec *types.SandboxSpec, step []string) (*exec.Cmd, func(), error) {
		name := containerNamePrefix + uuid.NewString()
		cmd := exec.Command(binary, e.runArgs(name, s.dir, spec, step)...)
		return cmd, func() { e.killContainer(binary, name) }, nil
	}
	return runAttempt(ctx, e.config.ScratchDir, e.config.Compiler, spec, launch, inspectDockerExit)
}

// runArgs builds the docker run argument list for one step.
func (e *DockerEngine) runArgs(name, hostDir string, spec *types.SandboxSpec, step []string) []string {
	args := []string{"run", "--rm", "--name", name}

	if spec.Network != types.NetworkEnabled {
		args = append(args, "--network=none")
	}

	memory := spec.Limits.MemoryBytes
	if memory <= 0 {
		memory = DefaultMemoryBytes
	}
	args = append(args, "--memory="+strconv.FormatInt(memory, 10))
	if spec.Limits.CPUs > 0 {
		args = append(args, "--cpus="+strconv.FormatFloat(spec.Limits.CPUs, 'f', -1, 64))
	}
	if spec.Limits.PIDs > 0 {
		args = append(args, "--pids-limit="+strconv.Itoa(spec.Limits.PIDs))
	}

	if identity := dockerIdentity(spec.Identity); identity != "" {
		args = append(args, "--user", identity)
	}
	args = append(args,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--pull="+e.config.Pull,
		"-v", hostDir+":"+e.config.Workdir+":rw",
		"-w", e.config.Workdir,
	)
	args = append(args, e.config.ExtraArgs...)
	args = append(args, e.config.Image)
	return append(args, step...)
}

// killContainer removes a container left running after its CLI was killed.
func (e *DockerEngine) killContainer(binary, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), containerKillTimeout)
	defer cancel()
	_ = exec.CommandContext(ctx, binary, "kill", name).Run()
}

// dockerIdentity defaults to the invoking user so the container can write
// the bind-mounted scratch directory.
func dockerIdentity(identity string) string {
	if identity != "" {
		return identity
	}
	if uid := os.Getuid(); uid >= 0 {
		return fmt.Sprintf("%d:%d", uid, os.Getgid())
	}
	return ""
}

func inspectDockerExit(step []string, res *stepResult) *InfraError {
	switch res.ExitCode {
	case exitDockerDaemon:
		return &InfraError{Op: "docker run", Stderr: string(res.Stderr), Err: errors.New("docker daemon error or image unavailable")}
	case exitNotExecutable:
		return &InfraError{Op: "docker run", Stderr: string(res.Stderr), Err: fmt.Errorf("%s is not executable in the image", step[0])}
	case exitNotFound:
		return &InfraError{Op: "docker run", Stderr: string(res.Stderr), Err: fmt.Errorf("%s not found in the image", step[0])}
	}
	return nil
}

var _ Engine = (*DockerEngine)(nil)
