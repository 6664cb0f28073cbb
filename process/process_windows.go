//go:build windows

package process

import (
	"os/exec"
	"strconv"
)

// ConfigureGroup is a no-op on Windows; taskkill /T handles the tree.
func ConfigureGroup(cmd *exec.Cmd) {}

// killGroup terminates the process tree rooted at pid via taskkill.
func killGroup(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// killPID terminates a single process via taskkill.
func killPID(pid int) error {
	return exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
}
