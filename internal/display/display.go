// Package display manages the X display precondition: probing whether the
// configured display is accepting connections, and starting an X server when
// it is not. A server started here is shared infrastructure — it is never
// terminated when the application child exits.
package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrTimeout is returned when the display does not come up within the
// configured wait window.
var ErrTimeout = errors.New("display did not become reachable")

const socketDir = "/tmp/.X11-unix"

// SocketPath maps a display name like ":0" or ":0.0" to the X server's
// unix socket.
func SocketPath(display string) (string, error) {
	name := strings.TrimPrefix(display, ":")
	if name == display || name == "" {
		return "", fmt.Errorf("invalid display name %q", display)
	}
	// Drop the screen suffix, e.g. ":0.1" → "0".
	if dot := strings.IndexByte(name, '.'); dot >= 0 {
		name = name[:dot]
	}
	if _, err := strconv.Atoi(name); err != nil {
		return "", fmt.Errorf("invalid display name %q: %w", display, err)
	}
	return socketDir + "/X" + name, nil
}

// Config describes the display to ensure.
type Config struct {
	Name          string        // display name, e.g. ":0"
	SocketPath    string        // derived from Name when empty
	ServerCommand string        // command launched when the display is down
	PollInterval  time.Duration // time between reachability probes
	WaitTimeout   time.Duration // bound on the whole wait
	DialTimeout   time.Duration // per-probe socket timeout, 0 for default
}

// Manager probes and, when needed, starts the display server.
type Manager struct {
	cfg    Config
	socket string
	logger *slog.Logger

	mu      sync.Mutex
	starts  int
	started bool
}

// NewManager creates a display manager. An invalid display name surfaces
// as an error here rather than on every probe.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	socket := cfg.SocketPath
	if socket == "" {
		var err error
		socket, err = SocketPath(cfg.Name)
		if err != nil {
			return nil, err
		}
	}

	return &Manager{
		cfg:    cfg,
		socket: socket,
		logger: logger.With("component", "display"),
	}, nil
}

// Reachable reports whether the display accepts connections right now.
func (m *Manager) Reachable() bool {
	conn, err := net.DialTimeout("unix", m.socket, m.cfg.DialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Reachable probes the display's unix socket.
func Reachable(display string, timeout time.Duration) bool {
	path, err := SocketPath(display)
	if err != nil {
		return false
	}
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ServerStarts returns how many X server processes this manager spawned.
func (m *Manager) ServerStarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

// Ensure makes the display reachable: probe, spawn the server when absent,
// then poll at the configured interval until reachable, the wait times out
// (ErrTimeout), or ctx is cancelled. When the display is already up it
// returns immediately without spawning anything.
func (m *Manager) Ensure(ctx context.Context) error {
	if m.Reachable() {
		m.logger.Debug("display already reachable", "display", m.cfg.Name)
		return nil
	}

	if err := m.startServer(); err != nil {
		return err
	}

	m.logger.Info("waiting for display", "display", m.cfg.Name, "timeout", m.cfg.WaitTimeout)

	deadline := time.After(m.cfg.WaitTimeout)
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if m.Reachable() {
				m.logger.Info("display is up", "display", m.cfg.Name)
				return nil
			}
		case <-deadline:
			return fmt.Errorf("%w within %s (display %s)", ErrTimeout, m.cfg.WaitTimeout, m.cfg.Name)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// startServer spawns the configured server command, detached into its own
// session so it outlives the supervisor. At most one spawn per Ensure call;
// a previous spawn that is still coming up is reused.
func (m *Manager) startServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		// A server we spawned earlier may still be initializing.
		return nil
	}

	parts := strings.Fields(m.cfg.ServerCommand)
	if len(parts) == 0 {
		return fmt.Errorf("empty display server command")
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting display server %q: %w", m.cfg.ServerCommand, err)
	}

	m.started = true
	m.starts++
	m.logger.Info("started display server", "command", m.cfg.ServerCommand, "pid", cmd.Process.Pid)

	// Reap in the background; the server exiting is not our failure to
	// handle beyond logging — the next Ensure cycle will respawn.
	go func() {
		err := cmd.Wait()
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		if err != nil {
			m.logger.Warn("display server exited", "error", err)
		} else {
			m.logger.Warn("display server exited")
		}
	}()

	return nil
}
