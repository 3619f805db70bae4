// Package proc manages the booth application child process: spawning with
// an explicit environment, waiting, graceful termination, and precise
// identification of processes left behind by a previous supervisor.
package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/selfie-booth/boothd/internal/logbuf"
)

// State is the lifecycle state of the child.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// Info holds runtime information about the child.
type Info struct {
	PID       int
	State     State
	StartedAt time.Time
	ExitCode  int
	Error     string
}

// Config describes how to spawn the child.
type Config struct {
	Command string        // interpreter path (absolute)
	Args    []string      // entry point and arguments
	Dir     string        // working directory
	Env     []string      // complete environment; the parent's is never mutated
	Grace   time.Duration // wait between context-cancel SIGTERM and forced kill
	Output  *logbuf.Ring
}

// Child is a single managed child process.
type Child struct {
	cfg Config

	mu        sync.Mutex
	cmd       *exec.Cmd
	state     State
	startedAt time.Time
	exitCode  int
	exitErr   string
	done      chan struct{}
}

// NewChild prepares a child; nothing runs until Start.
func NewChild(cfg Config) *Child {
	return &Child{cfg: cfg, state: StateStopped}
}

// Start spawns the child and returns immediately. The child gets its own
// process group so Stop can signal the whole tree.
func (c *Child) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning || c.state == StateStarting {
		return fmt.Errorf("child already running")
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = c.cfg.Env
	if c.cfg.Output != nil {
		cmd.Stdout = c.cfg.Output
		cmd.Stderr = c.cfg.Output
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Context cancellation must reach the whole group as SIGTERM, not the
	// default kill of the leader alone; escalation happens after Grace.
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		if err == syscall.ESRCH {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = c.cfg.Grace

	c.state = StateStarting
	if err := cmd.Start(); err != nil {
		c.state = StateFailed
		c.exitErr = err.Error()
		return fmt.Errorf("starting %s: %w", c.cfg.Command, err)
	}

	c.cmd = cmd
	c.state = StateRunning
	c.startedAt = time.Now()
	c.done = make(chan struct{})

	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		defer c.mu.Unlock()

		switch {
		case c.state == StateStopping:
			c.state = StateStopped
		case err == nil:
			c.state = StateStopped
		default:
			c.state = StateFailed
		}

		c.exitCode = 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				c.exitCode = exitErr.ExitCode()
			}
			c.exitErr = err.Error()
		}
		close(c.done)
	}()

	return nil
}

// Stop asks the child's process group to exit with SIGTERM, waits up to
// grace, then SIGKILLs.
func (c *Child) Stop(ctx context.Context, grace time.Duration) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	pid := c.cmd.Process.Pid
	done := c.done
	c.mu.Unlock()

	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
		return nil
	case <-ctx.Done():
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
		return ctx.Err()
	}
}

// Wait blocks until the child exits and returns its exit code.
func (c *Child) Wait() (int, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return -1, fmt.Errorf("child not started")
	}
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode, nil
}

// Done returns a channel closed when the child exits. Nil if never started.
func (c *Child) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Info returns a snapshot of the child's state.
func (c *Child) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		State:     c.state,
		StartedAt: c.startedAt,
		ExitCode:  c.exitCode,
		Error:     c.exitErr,
	}
	if c.cmd != nil && c.cmd.Process != nil {
		info.PID = c.cmd.Process.Pid
	}
	return info
}

// LogLines returns the last n lines of combined child output.
func (c *Child) LogLines(n int) []string {
	if c.cfg.Output == nil {
		return nil
	}
	return c.cfg.Output.Last(n)
}
