package proc

import (
	"fmt"
	"syscall"
	"time"
)

// Tracked is a handle to a process the supervisor did not spawn — the child
// recorded by a previous supervisor run. It can only be signalled and
// observed, not waited on.
type Tracked struct {
	pid int
}

// Find returns a Tracked handle when pid is alive and still matches the
// recorded identity. It returns (nil, nil) when the process is gone, and an
// error when the PID is alive but belongs to something else.
func Find(pid int, command string, startTime int64) (*Tracked, error) {
	if pid <= 0 {
		return nil, nil
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return nil, nil // exited; nothing to clean up
	}
	if !Verify(pid, command, startTime) {
		return nil, fmt.Errorf("pid %d was reused by another process, refusing to signal it", pid)
	}
	return &Tracked{pid: pid}, nil
}

// PID returns the tracked process id.
func (t *Tracked) PID() int {
	return t.pid
}

// Terminate sends SIGTERM, polls for exit, and escalates to SIGKILL after
// grace. We are not the parent, so exit detection is kill(pid, 0) polling.
func (t *Tracked) Terminate(grace time.Duration) error {
	if err := syscall.Kill(t.pid, syscall.SIGTERM); err != nil {
		return nil // already gone
	}

	deadline := time.After(grace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if err := syscall.Kill(t.pid, 0); err != nil {
				return nil
			}
		case <-deadline:
			_ = syscall.Kill(t.pid, syscall.SIGKILL)
			// Give the kernel a moment to reap.
			time.Sleep(100 * time.Millisecond)
			if err := syscall.Kill(t.pid, 0); err == nil {
				return fmt.Errorf("pid %d survived SIGKILL", t.pid)
			}
			return nil
		}
	}
}
