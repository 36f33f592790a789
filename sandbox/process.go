package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
const waitDelay = 3 * time.Second

// stepResult is the outcome of one process run.
type stepResult struct {
	// ExitCode is the process exit code, -1 when killed by a signal.
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// runStep runs cmd to completion in its own process group.
// When ctx ends the whole group is killed and onKill (if set) runs, so
// processes started outside the group (e.g. a container) can be torn down.
// A start failure is returned as an error; a non-zero exit is not.
func runStep(ctx context.Context, cmd *exec.Cmd, onKill func()) (*stepResult, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	SetProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = KillProcessGroup(cmd)
		if onKill != nil {
			onKill()
		}
		err = <-done
	}

	result := &stepResult{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}

	// Determine exit code
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				result.ExitCode = status.ExitStatus()
			} else {
				result.ExitCode = -1
			}
		} else if !errors.Is(err, exec.ErrWaitDelay) {
			return nil, fmt.Errorf("wait for %s failed: %w", cmd.Path, err)
		}
	}

	return result, nil
}
