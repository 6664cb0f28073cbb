//go:build windows

package agent

import "os"

// exitSignalName always reports "" on Windows; processes there exit
// with codes, not signals.
func exitSignalName(state *os.ProcessState) string {
	return ""
}
