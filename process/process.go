// Package process provides utilities for managing and cleaning up agent CLI processes.
package process

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"

	"github.com/agentmux/agentmux/logger"
)

// AgentProcess represents a running agent CLI process found on the system.
type AgentProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// FindAgentProcesses finds all running agent CLI processes on the system.
// This is useful for detecting orphaned processes that may have been left
// behind after a crash. binary is the CLI executable name, e.g. "claude".
func FindAgentProcesses(binary string) ([]AgentProcess, error) {
	var processes []AgentProcess
	log := logger.WithComponent("process")

	switch runtime.GOOS {
	case "darwin", "linux":
		// Use pgrep to find CLI processes started with a session flag
		cmd := exec.Command("pgrep", "-f", binary+".*--session-id")
		output, err := cmd.Output()
		if err != nil {
			// pgrep returns exit code 1 if no processes found
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}

		pids := strings.Fields(string(output))
		for _, pidStr := range pids {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil {
				continue
			}

			psCmd := exec.Command("ps", "-p", pidStr, "-o", "args=")
			psOutput, err := psCmd.Output()
			if err != nil {
				continue
			}

			processes = append(processes, AgentProcess{
				PID:     pid,
				Command: strings.TrimSpace(string(psOutput)),
			})
		}

	case "windows":
		cmd := exec.Command("tasklist", "/FI", "IMAGENAME eq "+binary+"*", "/FO", "CSV", "/NH")
		output, err := cmd.Output()
		if err != nil {
			return nil, err
		}

		lines := strings.Split(string(output), "\n")
		for _, line := range lines {
			fields := strings.Split(line, ",")
			if len(fields) >= 2 {
				pidStr := strings.Trim(strings.TrimSpace(fields[1]), "\"")
				pid, err := strconv.Atoi(pidStr)
				if err != nil {
					continue
				}
				processes = append(processes, AgentProcess{
					PID:     pid,
					Command: strings.Trim(fields[0], "\""),
				})
			}
		}
	}

	log.Debug("found agent processes", "count", len(processes))
	return processes, nil
}

// extractSessionID extracts the session ID from an agent CLI command line.
func extractSessionID(cmdLine string) string {
	// Look for --session-id or --resume followed by the ID
	patterns := []string{"--session-id", "--resume"}
	for _, pattern := range patterns {
		_, after, ok := strings.Cut(cmdLine, pattern)
		if !ok {
			continue
		}

		rest := strings.TrimLeft(after, " =")
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// FindOrphanedAgentProcesses finds agent CLI processes whose session IDs
// aren't in the provided set of known session IDs.
func FindOrphanedAgentProcesses(binary string, knownSessionIDs map[string]bool) ([]AgentProcess, error) {
	allProcesses, err := FindAgentProcesses(binary)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []AgentProcess
	for _, proc := range allProcesses {
		sessionID := extractSessionID(proc.Command)
		if sessionID != "" && !knownSessionIDs[sessionID] {
			orphans = append(orphans, proc)
			log.Info("found orphaned agent process", "pid", proc.PID, "sessionID", sessionID)
		}
	}

	return orphans, nil
}

// CleanupOrphanedProcesses kills all agent CLI processes that don't match
// known session IDs. Returns the number of processes killed.
func CleanupOrphanedProcesses(binary string, knownSessionIDs map[string]bool) (int, error) {
	orphans, err := FindOrphanedAgentProcesses(binary, knownSessionIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned agent process", "pid", proc.PID)
		if err := KillTree(proc.PID); err != nil {
			log.Error("failed to kill process tree", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}

	return killed, nil
}

// Descendants returns the PIDs of all transitive children of pid,
// deepest first so that leaves are killed before their parents.
func Descendants(pid int) ([]int, error) {
	all, err := ps.Processes()
	if err != nil {
		return nil, err
	}

	children := make(map[int][]int, len(all))
	for _, p := range all {
		children[p.PPid()] = append(children[p.PPid()], p.Pid())
	}

	var result []int
	var walk func(int)
	walk = func(parent int) {
		for _, child := range children[parent] {
			walk(child)
			result = append(result, child)
		}
	}
	walk(pid)
	return result, nil
}

// KillTree forcefully terminates a process and all of its descendants.
// The agent CLI spawns helper processes (shells, MCP servers) that must
// not outlive the parent, so killing only the root PID is insufficient.
func KillTree(pid int) error {
	log := logger.WithComponent("process")

	// Platform group kill gets everything that stayed in the process
	// group. Children that called setsid escape it, so also walk the
	// process table and kill remaining descendants individually.
	if err := killGroup(pid); err != nil {
		log.Debug("group kill failed, falling back to descendant walk", "pid", pid, "error", err)
	}

	descendants, err := Descendants(pid)
	if err != nil {
		log.Debug("failed to enumerate descendants", "pid", pid, "error", err)
	}
	for _, child := range descendants {
		if err := killPID(child); err != nil {
			log.Debug("failed to kill descendant", "pid", child, "error", err)
		}
	}

	return killPID(pid)
}
