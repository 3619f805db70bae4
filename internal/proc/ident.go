package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Name returns the executable name (comm) for a PID.
func Name(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", fmt.Errorf("read /proc/%d/comm: %w", pid, err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", fmt.Errorf("empty process name for pid %d", pid)
	}
	return name, nil
}

// StartTime returns the process start time in clock ticks since boot
// (field 22 of /proc/<pid>/stat). Together with the PID it uniquely
// identifies a process for the lifetime of the system.
func StartTime(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, fmt.Errorf("read /proc/%d/stat: %w", pid, err)
	}

	// comm (field 2) is parenthesized and may contain spaces; split after
	// the last closing paren.
	s := string(data)
	end := strings.LastIndex(s, ")")
	if end < 0 {
		return 0, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(s[end+1:])

	// starttime is stat field 22; fields[0] here is stat field 3.
	const idx = 19
	if len(fields) <= idx {
		return 0, fmt.Errorf("malformed /proc/%d/stat: %d fields after comm", pid, len(fields))
	}
	ticks, err := strconv.ParseInt(fields[idx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse starttime for pid %d: %w", pid, err)
	}
	return ticks, nil
}

// Verify reports whether the process at pid still matches the recorded
// command and start time. A mismatch means the PID was recycled for an
// unrelated process and must not be signalled.
func Verify(pid int, command string, startTime int64) bool {
	if command == "" && startTime == 0 {
		return true // nothing recorded, best effort
	}

	if startTime != 0 {
		actual, err := StartTime(pid)
		if err != nil || actual != startTime {
			return false
		}
	}

	if command == "" {
		return true
	}
	actual, err := Name(pid)
	if err != nil {
		return false
	}

	// comm is truncated to 15 bytes by the kernel; compare accordingly.
	want := filepath.Base(command)
	if len(want) > 15 {
		want = want[:15]
	}
	return actual == want
}
