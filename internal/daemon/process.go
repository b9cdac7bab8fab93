package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// childrenOf lists the direct children of a PID by scanning
// /proc/<pid>/stat.
func childrenOf(parent int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	var children []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		stat, err := os.ReadFile(filepath.Join("/proc", e.Name(), "stat"))
		if err != nil {
			continue
		}
		if ppid, ok := parsePPID(string(stat)); ok && ppid == parent {
			children = append(children, pid)
		}
	}
	return children, nil
}

// parsePPID extracts the parent PID from a /proc/<pid>/stat line. The
// comm field is parenthesized and may itself contain spaces or
// parentheses, so the scan starts after the last ')'.
func parsePPID(stat string) (int, bool) {
	end := strings.LastIndex(stat, ")")
	if end < 0 {
		return 0, false
	}
	fields := strings.Fields(stat[end+1:])
	// After comm: state, ppid, ...
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return ppid, true
}

// findByName is the fallback child search: any process whose command
// line carries the tag, excluding the daemon itself and this process.
func findByName(tag string, exclude int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	var found []int
	self := os.Getpid()
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == exclude || pid == self {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		if strings.Contains(string(cmdline), tag) {
			found = append(found, pid)
		}
	}
	return found
}
