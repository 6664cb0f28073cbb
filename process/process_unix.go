//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// ConfigureGroup puts the child in its own process group so the whole
// tree can be signalled at once. Must be called before cmd.Start.
func ConfigureGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// killPID sends SIGKILL to a single process. ESRCH means the process is
// already gone, which counts as success.
func killPID(pid int) error {
	err := syscall.Kill(pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
