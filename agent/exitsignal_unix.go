//go:build !windows

package agent

import (
	"os"
	"syscall"
)

// exitSignalName reports the name of the signal that terminated the
// process, or "" for a normal exit.
func exitSignalName(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return ws.Signal().String()
}
