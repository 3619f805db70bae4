package supervisor

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/selfie-booth/boothd/internal/config"
	"github.com/selfie-booth/boothd/internal/display"
	"github.com/selfie-booth/boothd/internal/lockfile"
	"github.com/selfie-booth/boothd/internal/proc"
	"github.com/selfie-booth/boothd/internal/state"
)

// testConfig builds a config rooted in temp directories with fast timings.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.AppDir = t.TempDir()
	cfg.RuntimeDir = t.TempDir()
	cfg.WatchEntryPoint = false
	cfg.Restart.Delay = config.Duration{Duration: 30 * time.Millisecond}
	cfg.Restart.Backoff = "fixed"
	cfg.Restart.MaxPerMinute = 0
	cfg.Restart.SettleDelay = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Restart.StopGrace = config.Duration{Duration: 2 * time.Second}
	cfg.Display.PollInterval = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Display.WaitTimeout = config.Duration{Duration: 2 * time.Second}
	return cfg
}

// makeVenv writes a fake virtualenv whose python is a shell script.
func makeVenv(t *testing.T, cfg *config.Config, script string) {
	t.Helper()
	bin := filepath.Join(cfg.VenvPath(cfg.AppDir), "bin")
	if err := os.MkdirAll(bin, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bin, "python"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.EntryPath(cfg.AppDir), []byte("# entry point\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

// fakeDisplay replaces the supervisor's display manager with one probing a
// test-owned socket, and returns the socket path.
func fakeDisplay(t *testing.T, s *Supervisor, up bool) (*display.Manager, string) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "X0")
	if up {
		ln, err := net.Listen("unix", socket)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { ln.Close() })
	}
	m, err := display.NewManager(display.Config{
		Name:          ":0",
		SocketPath:    socket,
		ServerCommand: "/bin/true",
		PollInterval:  10 * time.Millisecond,
		WaitTimeout:   200 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.display = m
	return m, socket
}

func TestRunFailsFastWithoutVenv(t *testing.T) {
	cfg := testConfig(t)
	// No venv created.
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fakeDisplay(t, s, true)

	err = s.Run(context.Background())
	if !errors.Is(err, ErrVenvMissing) {
		t.Fatalf("expected ErrVenvMissing, got %v", err)
	}
	if st := s.Status(); st.ChildState != proc.StateStopped {
		t.Errorf("nothing should have been spawned, child state %v", st.ChildState)
	}
}

func TestRunRelaunchesUntilExhausted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Restart.MaxAttempts = 2
	makeVenv(t, cfg, "#!/bin/sh\necho cycle\nexit 0\n")

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := fakeDisplay(t, s, true)

	err = s.Run(context.Background())
	if !errors.Is(err, ErrRestartsExhausted) {
		t.Fatalf("expected ErrRestartsExhausted, got %v", err)
	}
	if got := s.RestartCount(); got != 2 {
		t.Errorf("restart count = %d, want 2", got)
	}
	if m.ServerStarts() != 0 {
		t.Errorf("display was up; expected no server spawns, got %d", m.ServerStarts())
	}

	// Output from all cycles is retained.
	lines := s.Logs(10)
	if len(lines) < 3 {
		t.Errorf("expected one log line per spawn (3 total), got %v", lines)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	makeVenv(t, cfg, "#!/bin/sh\nsleep 60\n")

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fakeDisplay(t, s, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForState(t, s, proc.StateRunning)
	pid := s.Status().PID
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The child must be gone, not relaunched.
	if err := syscall.Kill(pid, 0); err == nil {
		// Give the kernel a beat; the process group kill may still be
		// propagating on slow machines.
		time.Sleep(200 * time.Millisecond)
		if err := syscall.Kill(pid, 0); err == nil {
			t.Errorf("child pid %d still alive after shutdown", pid)
		}
	}
}

func TestShutdownDeliversTermToChild(t *testing.T) {
	cfg := testConfig(t)
	marker := filepath.Join(t.TempDir(), "term-received")
	cfg.Env["TERM_MARKER"] = marker
	makeVenv(t, cfg, "#!/bin/sh\ntrap 'touch \"$TERM_MARKER\"; exit 0' TERM\nwhile true; do sleep 0.1; done\n")

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fakeDisplay(t, s, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForState(t, s, proc.StateRunning)
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The trap ran: shutdown reached the child as SIGTERM with the grace
	// window intact, not a bare kill.
	deadline := time.After(2 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("child was killed without receiving SIGTERM")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestRunStopsOnRequest(t *testing.T) {
	cfg := testConfig(t)
	makeVenv(t, cfg, "#!/bin/sh\nsleep 60\n")

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fakeDisplay(t, s, true)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitForState(t, s, proc.StateRunning)
	s.RequestStop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after stop request: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after stop request")
	}
}

func TestRunDisplayTimeoutIsTerminal(t *testing.T) {
	cfg := testConfig(t)
	makeVenv(t, cfg, "#!/bin/sh\nexit 0\n")

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fakeDisplay(t, s, false) // socket never appears

	err = s.Run(context.Background())
	if !errors.Is(err, display.ErrTimeout) {
		t.Fatalf("expected display timeout error, got %v", err)
	}
	if st := s.Status(); st.ChildState != proc.StateStopped {
		t.Errorf("child must not be spawned without a display, state %v", st.ChildState)
	}
}

func TestRunCleansUpStaleChild(t *testing.T) {
	cfg := testConfig(t)
	cfg.Restart.MaxAttempts = 1
	makeVenv(t, cfg, "#!/bin/sh\nexit 0\n")

	// A live process recorded by a "previous" supervisor.
	stale := exec.Command("/bin/sleep", "60")
	if err := stale.Start(); err != nil {
		t.Fatal(err)
	}
	defer stale.Process.Kill()
	go stale.Wait() // reap so the PID disappears once terminated

	st, err := proc.StartTime(stale.Process.Pid)
	if err != nil {
		t.Fatal(err)
	}
	sf := state.NewFile(cfg.RuntimeDir)
	if err := sf.Save(state.ChildRecord{
		PID:       stale.Process.Pid,
		Command:   "/bin/sleep",
		StartTime: st,
	}); err != nil {
		t.Fatal(err)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fakeDisplay(t, s, true)

	if err := s.Run(context.Background()); !errors.Is(err, ErrRestartsExhausted) {
		t.Fatalf("Run: %v", err)
	}

	if err := syscall.Kill(stale.Process.Pid, 0); err == nil {
		t.Errorf("stale process %d should have been terminated", stale.Process.Pid)
	}
}

func TestRunRefusesReusedPID(t *testing.T) {
	cfg := testConfig(t)
	cfg.Restart.MaxAttempts = 1
	makeVenv(t, cfg, "#!/bin/sh\nexit 0\n")

	// Record an innocent live process under a mismatched identity.
	bystander := exec.Command("/bin/sleep", "60")
	if err := bystander.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		bystander.Process.Kill()
		bystander.Wait()
	}()

	sf := state.NewFile(cfg.RuntimeDir)
	if err := sf.Save(state.ChildRecord{
		PID:     bystander.Process.Pid,
		Command: "/opt/booth/venv/bin/python",
	}); err != nil {
		t.Fatal(err)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fakeDisplay(t, s, true)

	if err := s.Run(context.Background()); !errors.Is(err, ErrRestartsExhausted) {
		t.Fatalf("Run: %v", err)
	}

	// The bystander must be untouched.
	if err := syscall.Kill(bystander.Process.Pid, 0); err != nil {
		t.Errorf("unrelated process %d was killed", bystander.Process.Pid)
	}
}

func TestCleanupFailureDefersSpawn(t *testing.T) {
	cfg := testConfig(t)
	cfg.Restart.MaxAttempts = 1
	makeVenv(t, cfg, "#!/bin/sh\necho ran\nexit 0\n")

	// A record whose PID is alive but belongs to something else makes
	// cleanup fail on the first cycle.
	bystander := exec.Command("/bin/sleep", "60")
	if err := bystander.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		bystander.Process.Kill()
		bystander.Wait()
	}()

	sf := state.NewFile(cfg.RuntimeDir)
	if err := sf.Save(state.ChildRecord{
		PID:     bystander.Process.Pid,
		Command: "/opt/booth/venv/bin/python",
	}); err != nil {
		t.Fatal(err)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fakeDisplay(t, s, true)

	if err := s.Run(context.Background()); !errors.Is(err, ErrRestartsExhausted) {
		t.Fatalf("Run: %v", err)
	}

	// The failed cleanup consumed the single retry without spawning; the
	// application ran exactly once, on the clean second cycle.
	if lines := s.Logs(10); len(lines) != 1 {
		t.Errorf("expected exactly one spawn after cleanup retry, got output %v", lines)
	}
}

func TestRunLockExcludesSecondSupervisor(t *testing.T) {
	cfg := testConfig(t)
	makeVenv(t, cfg, "#!/bin/sh\nsleep 60\n")

	s1, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fakeDisplay(t, s1, true)

	done := make(chan error, 1)
	go func() { done <- s1.Run(context.Background()) }()
	waitForState(t, s1, proc.StateRunning)
	defer func() {
		s1.RequestStop()
		<-done
	}()

	s2, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fakeDisplay(t, s2, true)

	err = s2.Run(context.Background())
	if !errors.Is(err, lockfile.ErrHeld) {
		t.Fatalf("expected ErrHeld for second supervisor, got %v", err)
	}
}

func TestManualRestart(t *testing.T) {
	cfg := testConfig(t)
	makeVenv(t, cfg, "#!/bin/sh\nsleep 60\n")

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fakeDisplay(t, s, true)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitForState(t, s, proc.StateRunning)
	first := s.Status().PID

	s.RequestRestart()

	// A new child with a new PID comes up; the restart counter is reset.
	deadline := time.After(10 * time.Second)
	for {
		st := s.Status()
		if st.ChildState == proc.StateRunning && st.PID != first {
			break
		}
		select {
		case <-deadline:
			t.Fatal("child was not relaunched after manual restart")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if got := s.RestartCount(); got != 0 {
		t.Errorf("manual restart should reset the counter, got %d", got)
	}

	s.RequestStop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRestartDelayPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Restart.Delay = config.Duration{Duration: time.Second}
	cfg.Restart.Backoff = "exponential"
	cfg.Restart.MaxDelay = config.Duration{Duration: 5 * time.Second}

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		count int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second}, // capped
		{10, 5 * time.Second},
	}
	for _, tc := range cases {
		s.mu.Lock()
		s.restartCount = tc.count
		s.mu.Unlock()
		if got := s.restartDelay(); got != tc.want {
			t.Errorf("delay(count=%d) = %v, want %v", tc.count, got, tc.want)
		}
	}

	// Fixed backoff ignores the counter.
	cfg.Restart.Backoff = "fixed"
	s.mu.Lock()
	s.restartCount = 10
	s.mu.Unlock()
	if got := s.restartDelay(); got != time.Second {
		t.Errorf("fixed delay = %v, want 1s", got)
	}
}

func waitForState(t *testing.T, s *Supervisor, want proc.State) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		if s.Status().ChildState == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for child state %v (now %v)", want, s.Status().ChildState)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
