//go:build !unix

package sandbox

import "os/exec"

// SetProcessGroup is a no-op where process groups are unavailable.
func SetProcessGroup(*exec.Cmd) {}

// KillProcessGroup kills only the command's own process.
func KillProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func setCredential(*exec.Cmd, uint32, uint32) {}
